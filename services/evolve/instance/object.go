// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instance

import (
	"context"
	"fmt"
	"sync"
	"weak"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

// Object is the physical storage of one versioned type.
//
// An instance starts as a root Object. Every upgrade allocates a shadow
// Object of the newer version whose prev pointer refers back to the
// Object it replaced. The back-pointer is weak unless the runtime retains
// the whole chain.
type Object struct {
	typ *class.VersionedType

	mu    sync.Mutex
	slots []any

	prev       weak.Pointer[Object]
	prevStrong *Object
}

func newObject(vt *class.VersionedType) *Object {
	o := &Object{typ: vt, slots: make([]any, len(vt.Fields))}
	for i, f := range vt.Fields {
		o.slots[i] = f.Default
	}
	return o
}

// Type returns the versioned type the object was allocated as.
func (o *Object) Type() *class.VersionedType { return o.typ }

// Prev returns the object this one replaced, or nil when there is none or
// it has been collected.
func (o *Object) Prev() *Object {
	if o.prevStrong != nil {
		return o.prevStrong
	}
	return o.prev.Value()
}

// Value returns the named attribute.
func (o *Object) Value(name string) (any, bool) {
	i, ok := o.typ.FieldIndex(name)
	if !ok {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots[i], true
}

// Values returns a copy of every attribute keyed by name.
func (o *Object) Values() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.slots))
	for i, f := range o.typ.Fields {
		out[f.Name] = o.slots[i]
	}
	return out
}

func (o *Object) get(name string) (any, error) {
	v, ok := o.Value(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no attribute %s", ErrUnknownMember, o.typ.Name, name)
	}
	return v, nil
}

func (o *Object) set(name string, v any) error {
	i, ok := o.typ.FieldIndex(name)
	if !ok {
		return fmt.Errorf("%w: %s has no attribute %s", ErrUnknownMember, o.typ.Name, name)
	}
	c, err := class.Coerce(o.typ.Fields[i].Kind, v)
	if err != nil {
		return fmt.Errorf("setting %s.%s: %w", o.typ.Name, name, err)
	}
	o.mu.Lock()
	o.slots[i] = c
	o.mu.Unlock()
	return nil
}

// unary applies a compound update to a numeric slot under the slot lock.
func (o *Object) unary(name string, op UnaryOp) (any, error) {
	i, ok := o.typ.FieldIndex(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no attribute %s", ErrUnknownMember, o.typ.Name, name)
	}
	kind := o.typ.Fields[i].Kind
	if !kind.IsNumeric() {
		return nil, fmt.Errorf("%w: %s.%s is %s", ErrNotNumeric, o.typ.Name, name, kind)
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadDiscriminant, op)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	before := o.slots[i]
	var after any
	switch n := before.(type) {
	case int64:
		after = n + op.delta()
	case float64:
		after = n + float64(op.delta())
	default:
		return nil, fmt.Errorf("%w: %s.%s holds %T", class.ErrKindMismatch, o.typ.Name, name, before)
	}
	o.slots[i] = after
	if op.returnsOld() {
		return before, nil
	}
	return after, nil
}

// copyFrom transfers every attribute whose name and kind exist in both
// layouts. Everything else keeps its default.
func (o *Object) copyFrom(src *Object) (copied, skipped int) {
	src.mu.Lock()
	defer src.mu.Unlock()
	for i, f := range o.typ.Fields {
		j, ok := src.typ.FieldIndex(f.Name)
		if !ok || src.typ.Fields[j].Kind != f.Kind {
			continue
		}
		o.slots[i] = src.slots[j]
		copied++
	}
	return copied, len(src.typ.Fields) - copied
}

// receiver lets an operation body act on one resolved object. Nested
// calls stay on the same object and do not touch the instance monitor.
type receiver struct {
	obj *Object
}

func (r receiver) Field(name string) (any, error) { return r.obj.get(name) }

func (r receiver) SetField(name string, v any) error { return r.obj.set(name, v) }

func (r receiver) Unary(name string, op int) (any, error) { return r.obj.unary(name, UnaryOp(op)) }

func (r receiver) Call(ctx context.Context, op string, args []any) (any, error) {
	return invoke(ctx, r.obj, op, args)
}

func invoke(ctx context.Context, obj *Object, op string, args []any) (any, error) {
	m, ok := obj.typ.Method(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %s", ErrUnknownMember, obj.typ.Name, op)
	}
	if len(args) != len(m.Params) {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d", ErrArity, obj.typ.Name, op, len(m.Params), len(args))
	}
	coerced := make([]any, len(args))
	for i, p := range m.Params {
		v, err := class.Coerce(p.Kind, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %s of %s.%s: %w", p.Name, obj.typ.Name, op, err)
		}
		coerced[i] = v
	}
	if obj.typ.Runner == nil {
		return nil, fmt.Errorf("%w: %s has no runner", ErrUnknownMember, obj.typ.Name)
	}
	return obj.typ.Runner.Run(ctx, op, receiver{obj: obj}, coerced)
}
