// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content holds the editable source of every tracked class.
package content

import (
	"sync"
)

// ClassContent is the current source text, version and path of one class.
//
// # Description
//
// Edits mutate the text in place during a transaction and mark the content
// updated. Commit closes the content, which clears the updated flag and
// makes the committed version the new baseline.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ClassContent struct {
	name string

	mu      sync.Mutex
	text    string
	version int
	path    string
	updated bool
}

// Snapshot is the restorable state of a ClassContent.
type Snapshot struct {
	Text    string
	Updated bool
}

// New creates content for a class at the given baseline version.
func New(name, text, path string, version int) *ClassContent {
	return &ClassContent{
		name:    name,
		text:    text,
		path:    path,
		version: version,
	}
}

// Name returns the simple class name.
func (c *ClassContent) Name() string { return c.name }

// Text returns the current source text.
func (c *ClassContent) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Version returns the last committed version.
func (c *ClassContent) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Path returns the file the source is persisted to, if any.
func (c *ClassContent) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// SetPath changes the persistence path.
func (c *ClassContent) SetPath(path string) {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
}

// IsUpdated reports whether the content was edited in the open batch.
func (c *ClassContent) IsUpdated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}

// Update replaces the text and marks the content updated.
func (c *ClassContent) Update(text string) {
	c.mu.Lock()
	c.text = text
	c.updated = true
	c.mu.Unlock()
}

// MarkUpdated flags the content for recompilation without changing text.
func (c *ClassContent) MarkUpdated() {
	c.mu.Lock()
	c.updated = true
	c.mu.Unlock()
}

// Snapshot captures the text and updated flag.
func (c *ClassContent) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Text: c.text, Updated: c.updated}
}

// Restore reinstates a snapshot exactly.
func (c *ClassContent) Restore(s Snapshot) {
	c.mu.Lock()
	c.text = s.Text
	c.updated = s.Updated
	c.mu.Unlock()
}

// Close commits the content at version: the updated flag is cleared and
// version becomes the new baseline.
func (c *ClassContent) Close(version int) {
	c.mu.Lock()
	c.version = version
	c.updated = false
	c.mu.Unlock()
}
