// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edit provides reversible structural edits of class source.
package edit

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

// ErrEditConflict indicates an edit that cannot apply to the current
// source.
var ErrEditConflict = errors.New("edit conflict")

// ConflictError describes why an edit could not apply.
type ConflictError struct {
	Class  string
	Member string
	Reason string
}

// Error implements error.
func (e *ConflictError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("edit conflict on %s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("edit conflict on %s.%s: %s", e.Class, e.Member, e.Reason)
}

// Unwrap returns ErrEditConflict.
func (e *ConflictError) Unwrap() error { return ErrEditConflict }

func conflict(class, member, format string, args ...any) error {
	return &ConflictError{Class: class, Member: member, Reason: fmt.Sprintf(format, args...)}
}

// Command is one reversible structural edit.
//
// # Description
//
// Execute mutates the target's ClassContent in place and returns every
// content it touched. Undo restores the exact text and updated flag seen
// before Execute; it is a no-op when Execute never ran. Calling Execute
// twice without Undo is not supported.
//
// IsSafe reports whether recompiling only the touched classes is enough.
// Hierarchy changes and removals are unsafe because subclasses compiled
// elsewhere may depend on what changed.
type Command interface {
	TargetClass() *class.OriginalType
	Execute() ([]*content.ClassContent, error)
	Undo() error
	IsSafe() bool
	Describe() string
}

// base holds the snapshot logic shared by every command.
type base struct {
	store  *content.Store
	target *class.OriginalType

	content  *content.ClassContent
	before   content.Snapshot
	captured bool
}

func newBase(store *content.Store, target *class.OriginalType) base {
	return base{store: store, target: target}
}

// TargetClass returns the class the edit applies to.
func (b *base) TargetClass() *class.OriginalType { return b.target }

// Undo restores the content to its state before Execute.
func (b *base) Undo() error {
	if !b.captured {
		return nil
	}
	b.content.Restore(b.before)
	b.captured = false
	return nil
}

// acquire snapshots the target content and parses it.
func (b *base) acquire() (*schema.ClassDecl, error) {
	name := b.target.Name()
	c, err := b.store.Acquire(name)
	if err != nil {
		return nil, conflict(name, "", "no source: %v", err)
	}
	b.content = c
	b.before = c.Snapshot()
	b.captured = true

	decl, err := schema.Parse(b.before.Text)
	if err != nil {
		return nil, conflict(name, "", "current source is invalid: %v", err)
	}
	return decl, nil
}

// apply runs mutate on the parsed source and writes the result back.
func (b *base) apply(mutate func(d *schema.ClassDecl) error) ([]*content.ClassContent, error) {
	decl, err := b.acquire()
	if err != nil {
		return nil, err
	}
	if err := mutate(decl); err != nil {
		return nil, err
	}
	if err := schema.Validate(decl); err != nil {
		return nil, conflict(b.target.Name(), "", "%v", err)
	}
	text, err := schema.Marshal(decl)
	if err != nil {
		return nil, err
	}
	b.content.Update(text)
	return []*content.ClassContent{b.content}, nil
}

func hasMember(d *schema.ClassDecl, name string) bool {
	return d.FieldIndex(name) >= 0 || d.MethodIndex(name) >= 0
}
