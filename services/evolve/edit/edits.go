// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

// AddField declares a new attribute.
type AddField struct {
	base
	Field schema.FieldDecl
}

// NewAddField creates an AddField edit.
func NewAddField(store *content.Store, target *class.OriginalType, field schema.FieldDecl) *AddField {
	return &AddField{base: newBase(store, target), Field: field}
}

// Execute implements Command.
func (e *AddField) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		if hasMember(d, e.Field.Name) {
			return conflict(d.SimpleName(), e.Field.Name, "duplicate member")
		}
		kind, err := class.ParseKind(e.Field.Type)
		if err != nil {
			return conflict(d.SimpleName(), e.Field.Name, "%v", err)
		}
		if _, err := class.Coerce(kind, e.Field.Default); err != nil {
			return conflict(d.SimpleName(), e.Field.Name, "incompatible default: %v", err)
		}
		d.Fields = append(d.Fields, e.Field)
		return nil
	})
}

// IsSafe implements Command.
func (e *AddField) IsSafe() bool { return true }

// Describe implements Command.
func (e *AddField) Describe() string {
	return fmt.Sprintf("add field %s.%s %s", e.target.Name(), e.Field.Name, e.Field.Type)
}

// RemoveField deletes an attribute.
type RemoveField struct {
	base
	Name string
}

// NewRemoveField creates a RemoveField edit.
func NewRemoveField(store *content.Store, target *class.OriginalType, name string) *RemoveField {
	return &RemoveField{base: newBase(store, target), Name: name}
}

// Execute implements Command.
func (e *RemoveField) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		i := d.FieldIndex(e.Name)
		if i < 0 {
			return conflict(d.SimpleName(), e.Name, "no such attribute")
		}
		d.Fields = slices.Delete(d.Fields, i, i+1)
		return nil
	})
}

// IsSafe implements Command.
func (e *RemoveField) IsSafe() bool { return false }

// Describe implements Command.
func (e *RemoveField) Describe() string {
	return fmt.Sprintf("remove field %s.%s", e.target.Name(), e.Name)
}

// AddMethod declares a new operation.
type AddMethod struct {
	base
	Method schema.MethodDecl
}

// NewAddMethod creates an AddMethod edit.
func NewAddMethod(store *content.Store, target *class.OriginalType, method schema.MethodDecl) *AddMethod {
	return &AddMethod{base: newBase(store, target), Method: method}
}

// Execute implements Command.
func (e *AddMethod) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		if hasMember(d, e.Method.Name) {
			return conflict(d.SimpleName(), e.Method.Name, "duplicate member")
		}
		d.Methods = append(d.Methods, e.Method)
		return nil
	})
}

// IsSafe implements Command.
func (e *AddMethod) IsSafe() bool { return true }

// Describe implements Command.
func (e *AddMethod) Describe() string {
	return fmt.Sprintf("add method %s.%s", e.target.Name(), e.Method.Signature())
}

// RemoveMethod deletes an operation.
type RemoveMethod struct {
	base
	Name string
}

// NewRemoveMethod creates a RemoveMethod edit.
func NewRemoveMethod(store *content.Store, target *class.OriginalType, name string) *RemoveMethod {
	return &RemoveMethod{base: newBase(store, target), Name: name}
}

// Execute implements Command.
func (e *RemoveMethod) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		i := d.MethodIndex(e.Name)
		if i < 0 {
			return conflict(d.SimpleName(), e.Name, "no such operation")
		}
		d.Methods = slices.Delete(d.Methods, i, i+1)
		return nil
	})
}

// IsSafe implements Command.
func (e *RemoveMethod) IsSafe() bool { return false }

// Describe implements Command.
func (e *RemoveMethod) Describe() string {
	return fmt.Sprintf("remove method %s.%s", e.target.Name(), e.Name)
}

// ReplaceMethodBody swaps the implementation of an operation, keeping its
// signature.
type ReplaceMethodBody struct {
	base
	Name string
	Body string
}

// NewReplaceMethodBody creates a ReplaceMethodBody edit.
func NewReplaceMethodBody(store *content.Store, target *class.OriginalType, name, body string) *ReplaceMethodBody {
	return &ReplaceMethodBody{base: newBase(store, target), Name: name, Body: body}
}

// Execute implements Command.
func (e *ReplaceMethodBody) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		i := d.MethodIndex(e.Name)
		if i < 0 {
			return conflict(d.SimpleName(), e.Name, "no such operation")
		}
		d.Methods[i].Body = e.Body
		return nil
	})
}

// IsSafe implements Command.
func (e *ReplaceMethodBody) IsSafe() bool { return true }

// Describe implements Command.
func (e *ReplaceMethodBody) Describe() string {
	return fmt.Sprintf("replace body of %s.%s", e.target.Name(), e.Name)
}

// SetSuperclass changes or clears the supertype.
type SetSuperclass struct {
	base
	// Super is the new superclass name; empty removes the supertype.
	Super string
}

// NewSetSuperclass creates a SetSuperclass edit.
func NewSetSuperclass(store *content.Store, target *class.OriginalType, super string) *SetSuperclass {
	return &SetSuperclass{base: newBase(store, target), Super: super}
}

// Execute implements Command.
func (e *SetSuperclass) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		if e.Super == d.SimpleName() {
			return conflict(d.SimpleName(), "", "cannot extend itself")
		}
		if e.Super == d.Extends {
			return conflict(d.SimpleName(), "", "already extends %q", e.Super)
		}
		d.Extends = e.Super
		return nil
	})
}

// IsSafe implements Command.
func (e *SetSuperclass) IsSafe() bool { return false }

// Describe implements Command.
func (e *SetSuperclass) Describe() string {
	if e.Super == "" {
		return fmt.Sprintf("clear superclass of %s", e.target.Name())
	}
	return fmt.Sprintf("set superclass of %s to %s", e.target.Name(), e.Super)
}

// listEdit adds or removes one entry of the annotations or imports list.
type listEdit struct {
	base
	Value  string
	list   string
	remove bool
}

func (e *listEdit) Execute() ([]*content.ClassContent, error) {
	return e.apply(func(d *schema.ClassDecl) error {
		entries := &d.Annotations
		if e.list == "import" {
			entries = &d.Imports
		}
		i := slices.Index(*entries, e.Value)
		switch {
		case e.remove && i < 0:
			return conflict(d.SimpleName(), "", "no %s %q", e.list, e.Value)
		case e.remove:
			*entries = slices.Delete(*entries, i, i+1)
		case i >= 0:
			return conflict(d.SimpleName(), "", "duplicate %s %q", e.list, e.Value)
		default:
			*entries = append(*entries, e.Value)
		}
		return nil
	})
}

func (e *listEdit) IsSafe() bool { return true }

func (e *listEdit) Describe() string {
	verb := "add"
	if e.remove {
		verb = "remove"
	}
	return fmt.Sprintf("%s %s %q on %s", verb, e.list, e.Value, e.target.Name())
}

// AddAnnotation adds an annotation.
type AddAnnotation struct{ listEdit }

// NewAddAnnotation creates an AddAnnotation edit.
func NewAddAnnotation(store *content.Store, target *class.OriginalType, value string) *AddAnnotation {
	return &AddAnnotation{listEdit{base: newBase(store, target), Value: value, list: "annotation"}}
}

// RemoveAnnotation removes an annotation.
type RemoveAnnotation struct{ listEdit }

// NewRemoveAnnotation creates a RemoveAnnotation edit.
func NewRemoveAnnotation(store *content.Store, target *class.OriginalType, value string) *RemoveAnnotation {
	return &RemoveAnnotation{listEdit{base: newBase(store, target), Value: value, list: "annotation", remove: true}}
}

// AddImport adds an import.
type AddImport struct{ listEdit }

// NewAddImport creates an AddImport edit.
func NewAddImport(store *content.Store, target *class.OriginalType, value string) *AddImport {
	return &AddImport{listEdit{base: newBase(store, target), Value: value, list: "import"}}
}

// RemoveImport removes an import.
type RemoveImport struct{ listEdit }

// NewRemoveImport creates a RemoveImport edit.
func NewRemoveImport(store *content.Store, target *class.OriginalType, value string) *RemoveImport {
	return &RemoveImport{listEdit{base: newBase(store, target), Value: value, list: "import", remove: true}}
}

// ReplaceSource replaces the whole source of a class.
//
// The edit is safe only when the supertype is unchanged and every
// attribute and operation of the old source survives with the same kind
// or signature. Until it has executed it reports unsafe.
type ReplaceSource struct {
	base
	Text string
	safe bool
}

// NewReplaceSource creates a ReplaceSource edit.
func NewReplaceSource(store *content.Store, target *class.OriginalType, text string) *ReplaceSource {
	return &ReplaceSource{base: newBase(store, target), Text: text}
}

// Execute implements Command.
func (e *ReplaceSource) Execute() ([]*content.ClassContent, error) {
	old, err := e.acquire()
	if err != nil {
		return nil, err
	}
	name := e.target.Name()
	decl, err := schema.Parse(e.Text)
	if err != nil {
		return nil, conflict(name, "", "%v", err)
	}
	if decl.SimpleName() != name {
		return nil, conflict(name, "", "source declares class %s", decl.SimpleName())
	}
	if e.Text == e.before.Text {
		return nil, conflict(name, "", "source is unchanged")
	}

	e.safe = preserves(old, decl)
	e.content.Update(e.Text)
	return []*content.ClassContent{e.content}, nil
}

func preserves(old, next *schema.ClassDecl) bool {
	if old.Extends != next.Extends {
		return false
	}
	for _, f := range old.Fields {
		i := next.FieldIndex(f.Name)
		if i < 0 || next.Fields[i].Type != f.Type {
			return false
		}
	}
	for _, m := range old.Methods {
		i := next.MethodIndex(m.Name)
		if i < 0 || next.Methods[i].Signature() != m.Signature() {
			return false
		}
	}
	return true
}

// IsSafe implements Command.
func (e *ReplaceSource) IsSafe() bool { return e.safe }

// Describe implements Command.
func (e *ReplaceSource) Describe() string {
	return fmt.Sprintf("replace source of %s", e.target.Name())
}
