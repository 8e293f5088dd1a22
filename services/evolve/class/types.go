// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package class defines the identities and compiled shapes of evolvable
// types.
//
// An OriginalType is the stable handle a program keeps for a class name.
// Every accepted edit batch produces a new VersionedType for it; instances
// created against the OriginalType are migrated to the newest VersionedType
// lazily by the instance package.
package class

import (
	"context"
	"sync/atomic"
)

var nextTypeID atomic.Uint64

// OriginalType is the stable identity of an evolvable class.
//
// # Description
//
// OriginalType is created once per class name by the registry and never
// replaced. It carries the live class version counter that instances
// compare against to detect staleness.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type OriginalType struct {
	id      uint64
	name    string
	version atomic.Int64
}

// NewOriginalType creates an identity for the named class at version 0.
func NewOriginalType(name string) *OriginalType {
	return &OriginalType{
		id:   nextTypeID.Add(1),
		name: name,
	}
}

// ID returns the process-unique identity of the type.
func (t *OriginalType) ID() uint64 { return t.id }

// Name returns the simple class name.
func (t *OriginalType) Name() string { return t.name }

// CurrentVersion returns the live currentClassVersion.
func (t *OriginalType) CurrentVersion() int {
	return int(t.version.Load())
}

// Advance moves currentClassVersion to v. The counter never moves
// backwards; a smaller v is ignored and false is returned.
func (t *OriginalType) Advance(v int) bool {
	for {
		cur := t.version.Load()
		if int64(v) <= cur {
			return false
		}
		if t.version.CompareAndSwap(cur, int64(v)) {
			return true
		}
	}
}

// String implements fmt.Stringer.
func (t *OriginalType) String() string { return t.name }

// Field is one attribute slot of a VersionedType.
type Field struct {
	Name     string
	Kind     Kind
	Default  any
	Declarer string
}

// Param is one operation parameter.
type Param struct {
	Name string
	Kind Kind
}

// Method is one operation of a VersionedType.
type Method struct {
	Name     string
	Params   []Param
	Returns  Kind
	Body     string
	Declarer string
}

// Receiver is the view of an object an operation body runs against.
//
// Field reads and writes go through the owning object's slot guard.
// Unary applies one of the four compound updates (0 read-then-increment,
// 1 increment-then-read, 2 read-then-decrement, 3 decrement-then-read) to a
// numeric attribute atomically. Call dispatches a nested operation on the
// same object without re-entering the instance monitor.
type Receiver interface {
	Field(name string) (any, error)
	SetField(name string, value any) error
	Unary(name string, op int) (any, error)
	Call(ctx context.Context, op string, args []any) (any, error)
}

// Runner executes compiled operation bodies of one VersionedType.
type Runner interface {
	Run(ctx context.Context, op string, self Receiver, args []any) (any, error)
}

// VersionedType is one compiled, numbered implementation of an OriginalType.
//
// # Description
//
// Fields and Methods are flattened: inherited members come first and an
// own method overrides an inherited one of the same name. The accessor
// Surface lists the generated operation names every instance accessor
// resolves against.
//
// # Thread Safety
//
// Immutable after construction by the compiler.
type VersionedType struct {
	Original    *OriginalType
	Version     int
	Name        string
	Super       *VersionedType
	Fields      []Field
	Methods     map[string]*Method
	Annotations []string
	Imports     []string
	Surface     Surface
	Runner      Runner

	fieldIndex map[string]int
}

// NewVersionedType builds a VersionedType and its field index.
func NewVersionedType(original *OriginalType, version int, fields []Field, methods map[string]*Method) *VersionedType {
	vt := &VersionedType{
		Original:   original,
		Version:    version,
		Name:       VersionedName(original.Name(), version),
		Fields:     fields,
		Methods:    methods,
		fieldIndex: make(map[string]int, len(fields)),
	}
	if vt.Methods == nil {
		vt.Methods = make(map[string]*Method)
	}
	for i, f := range fields {
		vt.fieldIndex[f.Name] = i
	}
	vt.Surface = BuildSurface(vt)
	return vt
}

// FieldIndex returns the slot index of the named field.
func (vt *VersionedType) FieldIndex(name string) (int, bool) {
	i, ok := vt.fieldIndex[name]
	return i, ok
}

// Field returns the named field.
func (vt *VersionedType) Field(name string) (Field, bool) {
	i, ok := vt.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return vt.Fields[i], true
}

// Method returns the named operation.
func (vt *VersionedType) Method(name string) (*Method, bool) {
	m, ok := vt.Methods[name]
	return m, ok
}

// IsSubtypeOf reports whether vt extends the named class, directly or not.
func (vt *VersionedType) IsSubtypeOf(name string) bool {
	for s := vt.Super; s != nil; s = s.Super {
		if s.Original.Name() == name {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (vt *VersionedType) String() string { return vt.Name }
