// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrNotTracked indicates a class the store has no content for and
	// cannot load.
	ErrNotTracked = errors.New("class not tracked")

	// ErrAlreadyTracked indicates Put for a class that already has content.
	ErrAlreadyTracked = errors.New("class already tracked")
)

// SourceExt is the file extension of class source files.
const SourceExt = ".yaml"

// Loader creates content for a class on first touch.
type Loader interface {
	Load(name string) (*ClassContent, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(name string) (*ClassContent, error)

// Load implements Loader.
func (f LoaderFunc) Load(name string) (*ClassContent, error) { return f(name) }

// DirLoader loads "<Dir>/<name>.yaml".
type DirLoader struct {
	Dir string

	// Versions reports the committed version of a class. Nil means 0.
	Versions func(name string) int
}

// Load implements Loader.
func (l DirLoader) Load(name string) (*ClassContent, error) {
	path := filepath.Join(l.Dir, name+SourceExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotTracked, name)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	version := 0
	if l.Versions != nil {
		version = l.Versions(name)
	}
	return New(name, string(data), path, version), nil
}

// Store tracks the ClassContent of every touched class.
//
// # Description
//
// Content is created lazily: the first Acquire for a class asks the Loader
// for it. Put seeds content directly, which is how freshly defined classes
// enter the store.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	contents map[string]*ClassContent
	loader   Loader
}

// NewStore creates a store. loader may be nil, in which case Acquire only
// returns content added with Put.
func NewStore(loader Loader) *Store {
	return &Store{
		contents: make(map[string]*ClassContent),
		loader:   loader,
	}
}

// Put adds content for a class that is not tracked yet.
func (s *Store) Put(c *ClassContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contents[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, c.Name())
	}
	s.contents[c.Name()] = c
	return nil
}

// Get returns tracked content without loading.
func (s *Store) Get(name string) (*ClassContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[name]
	return c, ok
}

// Acquire returns the content for a class, loading it on first touch.
func (s *Store) Acquire(name string) (*ClassContent, error) {
	if c, ok := s.Get(name); ok {
		return c, nil
	}
	if s.loader == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contents[name]; ok {
		return c, nil
	}
	c, err := s.loader.Load(name)
	if err != nil {
		return nil, err
	}
	s.contents[name] = c
	return c, nil
}

// All returns every tracked content ordered by name.
func (s *Store) All() []*ClassContent {
	s.mu.RLock()
	out := make([]*ClassContent, 0, len(s.contents))
	for _, c := range s.contents {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Updated returns the contents edited in the open batch, ordered by name.
func (s *Store) Updated() []*ClassContent {
	var out []*ClassContent
	for _, c := range s.All() {
		if c.IsUpdated() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of tracked classes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contents)
}
