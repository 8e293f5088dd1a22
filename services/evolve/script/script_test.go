// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package script

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

// mapReceiver stores attributes in a map and dispatches calls back into
// the program under test.
type mapReceiver struct {
	mu    sync.Mutex
	vt    *class.VersionedType
	slots map[string]any
}

func (r *mapReceiver) Field(name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[name], nil
}

func (r *mapReceiver) SetField(name string, v any) error {
	f, _ := r.vt.Field(name)
	c, err := class.Coerce(f.Kind, v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.slots[name] = c
	r.mu.Unlock()
	return nil
}

func (r *mapReceiver) Unary(name string, op int) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.slots[name].(int64)
	after := before + 1
	if op >= 2 {
		after = before - 1
	}
	r.slots[name] = after
	if op == 0 || op == 2 {
		return before, nil
	}
	return after, nil
}

func (r *mapReceiver) Call(ctx context.Context, op string, args []any) (any, error) {
	return r.vt.Runner.Run(ctx, op, r, args)
}

func counterType(t *testing.T) *class.VersionedType {
	t.Helper()
	orig := class.NewOriginalType("Counter")
	vt := class.NewVersionedType(orig, 0,
		[]class.Field{
			{Name: "count", Kind: class.KindInt, Default: int64(0)},
			{Name: "label", Kind: class.KindString, Default: "x"},
		},
		map[string]*class.Method{
			"bump": {Name: "bump", Returns: class.KindInt, Body: "self.count = self.count + 1\nreturn self.count"},
			"add": {
				Name:    "add",
				Params:  []class.Param{{Name: "n", Kind: class.KindInt}},
				Returns: class.KindInt,
				Body:    "for i = 1, n do self:bump() end\nreturn self.count",
			},
			"rename": {
				Name:   "rename",
				Params: []class.Param{{Name: "s", Kind: class.KindString}},
				Body:   "self.label = s .. '!'",
			},
			"tick":   {Name: "tick", Returns: class.KindInt, Body: "return self:_count_unary(1)"},
			"untick": {Name: "untick", Returns: class.KindInt, Body: "return self:_count_unary(2)"},
			"spin":   {Name: "spin", Body: "return self:_label_unary(1)"},
			"broken": {Name: "broken", Body: "self.count = 'not a number'"},
			"ghost":  {Name: "ghost", Body: "return self.missing"},
		})
	p, err := NewProgram(vt)
	require.NoError(t, err)
	vt.Runner = p
	return vt
}

func newReceiver(vt *class.VersionedType) *mapReceiver {
	slots := make(map[string]any)
	for _, f := range vt.Fields {
		slots[f.Name] = f.Default
	}
	return &mapReceiver{vt: vt, slots: slots}
}

func TestProgram_Run(t *testing.T) {
	vt := counterType(t)
	ctx := context.Background()

	t.Run("reads and writes attributes", func(t *testing.T) {
		r := newReceiver(vt)
		got, err := vt.Runner.Run(ctx, "bump", r, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
		assert.Equal(t, int64(1), r.slots["count"])
	})

	t.Run("compound update accessor", func(t *testing.T) {
		r := newReceiver(vt)
		got, err := vt.Runner.Run(ctx, "tick", r, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)

		got, err = vt.Runner.Run(ctx, "untick", r, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
		assert.Equal(t, int64(0), r.slots["count"])
	})

	t.Run("compound update needs a numeric attribute", func(t *testing.T) {
		_, err := vt.Runner.Run(ctx, "spin", newReceiver(vt), nil)
		assert.ErrorIs(t, err, ErrRuntime)
	})

	t.Run("nested self calls", func(t *testing.T) {
		r := newReceiver(vt)
		got, err := vt.Runner.Run(ctx, "add", r, []any{int64(3)})
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
	})

	t.Run("void result", func(t *testing.T) {
		r := newReceiver(vt)
		got, err := vt.Runner.Run(ctx, "rename", r, []any{"hi"})
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, "hi!", r.slots["label"])
	})

	t.Run("setter error keeps its chain", func(t *testing.T) {
		r := newReceiver(vt)
		_, err := vt.Runner.Run(ctx, "broken", r, nil)
		assert.ErrorIs(t, err, ErrRuntime)
		assert.ErrorIs(t, err, class.ErrKindMismatch)
	})

	t.Run("unknown member", func(t *testing.T) {
		r := newReceiver(vt)
		_, err := vt.Runner.Run(ctx, "ghost", r, nil)
		assert.ErrorIs(t, err, ErrRuntime)
	})

	t.Run("unknown operation", func(t *testing.T) {
		r := newReceiver(vt)
		_, err := vt.Runner.Run(ctx, "nope", r, nil)
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := vt.Runner.Run(cctx, "bump", newReceiver(vt), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProgram_ConcurrentRuns(t *testing.T) {
	vt := counterType(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newReceiver(vt)
			got, err := vt.Runner.Run(context.Background(), "add", r, []any{int64(5)})
			assert.NoError(t, err)
			assert.Equal(t, int64(5), got)
		}()
	}
	wg.Wait()
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("A", &class.Method{Name: "ok", Body: "return 1"}))

	err := Check("A", &class.Method{Name: "bad", Body: "return ("})
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), "A.bad")
}

func TestWrap(t *testing.T) {
	m := &class.Method{
		Name:   "add",
		Params: []class.Param{{Name: "a"}, {Name: "b"}},
		Body:   "return a + b",
	}
	assert.Equal(t, "return function(self, a, b)\nreturn a + b\nend\n", Wrap(m))
}
