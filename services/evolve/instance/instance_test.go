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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/registry"
	"github.com/AleutianAI/evolve/services/evolve/script"
)

var bump = &class.Method{
	Name:     "bump",
	Returns:  class.KindInt,
	Body:     "return self:_count_unary(1)",
	Declarer: "Counter",
}

func publish(t *testing.T, reg *registry.Registry, orig *class.OriginalType, fields []class.Field, methods ...*class.Method) *class.VersionedType {
	t.Helper()
	ms := make(map[string]*class.Method, len(methods))
	for _, m := range methods {
		ms[m.Name] = m
	}
	vt := class.NewVersionedType(orig, len(reg.Versions(orig)), fields, ms)
	prog, err := script.NewProgram(vt)
	require.NoError(t, err)
	vt.Runner = prog
	require.NoError(t, reg.Publish(vt))
	return vt
}

var countField = class.Field{Name: "count", Kind: class.KindInt, Default: int64(0)}

func setup(t *testing.T, opts ...Option) (*registry.Registry, *class.OriginalType, *Runtime) {
	t.Helper()
	reg := registry.New()
	orig := reg.Define("Counter")
	publish(t, reg, orig, []class.Field{countField}, bump)
	return reg, orig, NewRuntime(reg, opts...)
}

func TestInstance_LazyMigration(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t)

	c, err := rt.New(orig, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Version())

	publish(t, reg, orig, []class.Field{countField, {Name: "label", Kind: class.KindString, Default: "x"}}, bump)

	// Nothing happens until the instance is touched.
	assert.Equal(t, 0, c.Version())
	assert.Nil(t, c.Head())
	assert.True(t, c.Stale())

	got, err := c.Invoke(ctx, "bump")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	assert.Equal(t, orig.CurrentVersion(), c.Version())
	head := c.Head()
	require.NotNil(t, head)
	assert.Equal(t, "Counter_NewVersion_1", head.Type().Name)
	assert.Same(t, c.Root(), head.Prev())

	label, err := c.Get(ctx, "label")
	require.NoError(t, err)
	assert.Equal(t, "x", label)

	// The root keeps the pre-upgrade state.
	v, _ := c.Root().Value("count")
	assert.Equal(t, int64(0), v)
}

func TestInstance_CopySkipsRemovedAndRetyped(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t)

	c, err := rt.New(orig, map[string]any{"count": 5})
	require.NoError(t, err)

	publish(t, reg, orig, []class.Field{{Name: "count", Kind: class.KindString, Default: "zero"}})

	v, err := c.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, "zero", v)

	_, err = c.Invoke(ctx, "bump")
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestInstance_Unary(t *testing.T) {
	ctx := context.Background()
	_, orig, rt := setup(t)
	c, err := rt.New(orig, nil)
	require.NoError(t, err)

	tests := []struct {
		op   UnaryOp
		want int64
		then int64
	}{
		{PostIncrement, 0, 1},
		{PreIncrement, 2, 2},
		{PostDecrement, 2, 1},
		{PreDecrement, 0, 0},
	}
	for _, tt := range tests {
		got, err := c.Unary(ctx, "count", tt.op)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "op %d", tt.op)
		now, _ := c.Get(ctx, "count")
		assert.Equal(t, tt.then, now, "op %d", tt.op)
	}

	_, err = c.Unary(ctx, "count", UnaryOp(4))
	assert.ErrorIs(t, err, ErrBadDiscriminant)
}

func TestInstance_UnaryNotNumeric(t *testing.T) {
	reg := registry.New()
	orig := reg.Define("Named")
	publish(t, reg, orig, []class.Field{{Name: "name", Kind: class.KindString}})
	c, err := NewRuntime(reg).New(orig, nil)
	require.NoError(t, err)

	_, err = c.Unary(context.Background(), "name", PreIncrement)
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestInstance_Dispatch(t *testing.T) {
	ctx := context.Background()
	_, orig, rt := setup(t)
	c, err := rt.New(orig, nil)
	require.NoError(t, err)

	_, err = c.Dispatch(ctx, class.SetterName("count"), 41)
	require.NoError(t, err)

	got, err := c.Dispatch(ctx, class.InvokerName("bump"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	got, err = c.Dispatch(ctx, class.UnaryName("count"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	got, err = c.Dispatch(ctx, class.GetterName("count"))
	require.NoError(t, err)
	assert.Equal(t, int64(43), got)

	_, err = c.Dispatch(ctx, class.CreatorName)
	assert.NoError(t, err)

	_, err = c.Dispatch(ctx, class.GetterName("label"))
	assert.ErrorIs(t, err, ErrUnknownMember)

	_, err = c.Dispatch(ctx, class.SetterName("count"))
	assert.ErrorIs(t, err, ErrArity)
}

func TestInstance_ConcurrentUpgradeBuildsOneShadow(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t)
	c, err := rt.New(orig, nil)
	require.NoError(t, err)

	publish(t, reg, orig, []class.Field{countField, {Name: "label", Kind: class.KindString}}, bump)

	const n = 32
	heads := make([]*Object, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Unary(ctx, "count", PreIncrement)
			assert.NoError(t, err)
			heads[i] = c.Head()
		}()
	}
	close(start)
	wg.Wait()

	for _, h := range heads {
		assert.Same(t, heads[0], h)
	}
	upgrades, failures := rt.Stats()
	assert.Equal(t, int64(1), upgrades)
	assert.Zero(t, failures)

	v, _ := c.Get(ctx, "count")
	assert.Equal(t, int64(n), v)
}

func TestInstance_ConcurrentInvokeKeepsEveryIncrement(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t)
	c, err := rt.New(orig, nil)
	require.NoError(t, err)
	publish(t, reg, orig, []class.Field{countField}, bump)

	const workers, each = 16, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_, err := c.Invoke(ctx, "bump")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*each), v)
}

func TestInstance_UpgradeFailureRetries(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	hook := func(ctx context.Context, from, to *Object) error {
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	}
	reg, orig, rt := setup(t, WithUpgradeHook(hook))
	c, err := rt.New(orig, nil)
	require.NoError(t, err)
	publish(t, reg, orig, []class.Field{countField}, bump)

	_, err = c.Get(ctx, "count")
	assert.ErrorIs(t, err, ErrUpgradeFailed)
	assert.Equal(t, 0, c.Version())
	assert.Nil(t, c.Head())

	_, err = c.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Version())

	upgrades, failures := rt.Stats()
	assert.Equal(t, int64(1), upgrades)
	assert.Equal(t, int64(1), failures)
}

func TestInstance_Retention(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t, WithRetention(RetainAll))
	c, err := rt.New(orig, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		publish(t, reg, orig, []class.Field{countField}, bump)
		_, err := c.Invoke(ctx, "bump")
		require.NoError(t, err)
	}

	chain := c.Chain()
	require.Len(t, chain, 4)
	assert.Same(t, c.Head(), chain[0])
	assert.Same(t, c.Root(), chain[3])
	assert.Equal(t, 3, chain[0].Type().Version)
}

func TestInstance_SimpleMode(t *testing.T) {
	ctx := context.Background()
	reg, orig, rt := setup(t, WithMode(ModeSimple))
	assert.Equal(t, ModeSimple, rt.Mode())

	c, err := rt.New(orig, nil)
	require.NoError(t, err)
	publish(t, reg, orig, []class.Field{countField}, bump)

	got, err := c.Invoke(ctx, "bump")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, 1, c.Version())
}

func TestInstance_InvokeArguments(t *testing.T) {
	reg := registry.New()
	orig := reg.Define("Adder")
	add := &class.Method{
		Name:    "add",
		Params:  []class.Param{{Name: "n", Kind: class.KindInt}},
		Returns: class.KindInt,
		Body:    "self.total = self.total + n\nreturn self.total",
	}
	publish(t, reg, orig, []class.Field{{Name: "total", Kind: class.KindInt}}, add)
	c, err := NewRuntime(reg).New(orig, nil)
	require.NoError(t, err)

	ctx := context.Background()
	got, err := c.Invoke(ctx, "add", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	_, err = c.Invoke(ctx, "add")
	assert.ErrorIs(t, err, ErrArity)

	_, err = c.Invoke(ctx, "add", "three")
	assert.ErrorIs(t, err, class.ErrKindMismatch)
}
