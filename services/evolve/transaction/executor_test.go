// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/edit"
	"github.com/AleutianAI/evolve/services/evolve/registry"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

const baseSrc = `class: Base
fields:
  - name: id
    type: int
    default: 7
  - name: tag
    type: string
    default: t
methods:
  - name: describe
    returns: string
    body: return "base"
`

const counterSrc = `class: Counter
extends: Base
fields:
  - name: count
    type: int
methods:
  - name: bump
    returns: int
    body: |
      self.count = self.count + 1
      return self.count
`

const otherSrc = `class: Other
fields:
  - name: x
    type: float
`

type fixture struct {
	reg   *registry.Registry
	store *content.Store
	exec  *Executor
}

// newFixture loads Base, Counter and Other at version 0.
func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.New()
	store := content.NewStore(nil)

	var units []compiler.SourceUnit
	for _, src := range []struct{ name, text string }{
		{"Base", baseSrc}, {"Counter", counterSrc}, {"Other", otherSrc},
	} {
		require.NoError(t, store.Put(content.New(src.name, src.text, "", 0)))
		units = append(units, compiler.SourceUnit{Name: src.name, Original: reg.Define(src.name), Text: src.text})
	}
	renamed, err := compiler.Renamer{}.Transform(ctx, units)
	require.NoError(t, err)
	compiled, err := compiler.NewLuaCompiler().Compile(ctx, renamed, reg)
	require.NoError(t, err)
	var vts []*class.VersionedType
	for _, u := range units {
		vts = append(vts, compiled[u.VersionedName()])
	}
	require.NoError(t, reg.Publish(vts...))

	cfg := Config{Store: store, Registry: reg, Compiler: compiler.NewLuaCompiler()}
	for _, m := range mutate {
		m(&cfg)
	}
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)
	return &fixture{reg: reg, store: store, exec: exec}
}

func (f *fixture) original(t *testing.T, name string) *class.OriginalType {
	t.Helper()
	o, ok := f.reg.Original(name)
	require.True(t, ok)
	return o
}

func (f *fixture) text(t *testing.T, name string) string {
	t.Helper()
	c, ok := f.store.Get(name)
	require.True(t, ok)
	return c.Text()
}

func TestNewExecutor_RequiresCollaborators(t *testing.T) {
	_, err := NewExecutor(Config{})
	assert.Error(t, err)
}

func TestExecutor_CommitsSafeBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	counter := f.original(t, "Counter")

	tx := New("add label",
		edit.NewAddField(f.store, counter, schema.FieldDecl{Name: "label", Type: "string", Default: "new"}),
		edit.NewAddMethod(f.store, counter, schema.MethodDecl{
			Name: "greet", Returns: "string", Body: `return "hi " .. self.label`,
		}),
	)
	assert.Equal(t, 2, tx.Len())

	res, err := f.exec.Run(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, tx.Status)
	assert.True(t, res.Safe)
	assert.Equal(t, 2, res.Commands)
	assert.Equal(t, 1, res.Compiled)
	assert.Equal(t, []TypeVersion{{Type: "Counter", Version: 1}}, res.Published)

	assert.Equal(t, 1, counter.CurrentVersion())
	assert.Equal(t, 0, f.original(t, "Base").CurrentVersion())

	vt, ok := f.reg.LatestByName("Counter")
	require.True(t, ok)
	assert.Equal(t, "Counter_NewVersion_1", vt.Name)
	_, ok = vt.Field("label")
	assert.True(t, ok)
	_, ok = vt.Method("greet")
	assert.True(t, ok)
	_, ok = vt.Field("id")
	assert.True(t, ok, "inherited fields stay flattened")

	c, _ := f.store.Get("Counter")
	assert.False(t, c.IsUpdated())
	assert.Equal(t, 1, c.Version())

	_, err = f.exec.Run(ctx, tx)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExecutor_VersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	counter := f.original(t, "Counter")

	for i := 1; i <= 3; i++ {
		tx := New("grow", edit.NewAddField(f.store, counter, schema.FieldDecl{Name: fmt.Sprintf("f%d", i), Type: "int"}))
		res, err := f.exec.Run(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, i, res.Published[0].Version)
	}
	assert.Len(t, f.reg.Versions(counter), 4)
}

func TestExecutor_RollsBackOnConflict(t *testing.T) {
	f := newFixture(t)
	counter := f.original(t, "Counter")
	base := f.original(t, "Base")
	before := map[string]string{"Counter": f.text(t, "Counter"), "Base": f.text(t, "Base")}

	tx := New("conflict",
		edit.NewAddField(f.store, counter, schema.FieldDecl{Name: "label", Type: "string"}),
		edit.NewAddAnnotation(f.store, base, "audited"),
		edit.NewRemoveMethod(f.store, counter, "missing"),
		edit.NewAddField(f.store, counter, schema.FieldDecl{Name: "never", Type: "int"}),
	)
	_, err := f.exec.Run(context.Background(), tx)
	require.Error(t, err)
	assert.ErrorIs(t, err, edit.ErrEditConflict)

	var txErr *Error
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, FailureEditConflict, txErr.Kind)
	assert.Contains(t, txErr.Command, "missing")
	assert.Same(t, txErr, tx.Err())

	assert.Equal(t, StatusRolledBack, tx.Status)
	for name, text := range before {
		assert.Equal(t, text, f.text(t, name))
		c, _ := f.store.Get(name)
		assert.False(t, c.IsUpdated())
	}
	assert.Equal(t, 0, counter.CurrentVersion())
	assert.Equal(t, 0, base.CurrentVersion())
}

func TestExecutor_CompileFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	counter := f.original(t, "Counter")
	before := f.text(t, "Counter")

	tx := New("broken body",
		edit.NewAddField(f.store, counter, schema.FieldDecl{Name: "label", Type: "string"}),
		edit.NewAddMethod(f.store, counter, schema.MethodDecl{Name: "oops", Body: "return self.nothing"}),
	)
	_, err := f.exec.Run(context.Background(), tx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompileFailed)

	var cf *compiler.Failure
	require.True(t, errors.As(err, &cf))

	var txErr *Error
	require.True(t, errors.As(err, &txErr))
	assert.Contains(t, txErr.Diagnostics, "nothing")
	assert.Contains(t, err.Error(), "nothing")

	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Equal(t, before, f.text(t, "Counter"))
	assert.Equal(t, 0, counter.CurrentVersion())
}

func TestExecutor_LookupFailureWithoutRename(t *testing.T) {
	identity := compiler.TransformFunc(func(_ context.Context, units []compiler.SourceUnit) ([]compiler.SourceUnit, error) {
		return units, nil
	})
	f := newFixture(t, func(c *Config) { c.Transformer = identity })
	counter := f.original(t, "Counter")
	before := f.text(t, "Counter")

	tx := New("no rename", edit.NewAddAnnotation(f.store, counter, "audited"))
	_, err := f.exec.Run(context.Background(), tx)
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Equal(t, before, f.text(t, "Counter"))
	assert.Equal(t, 0, counter.CurrentVersion())
}

func TestExecutor_TransformFailure(t *testing.T) {
	boom := errors.New("boom")
	f := newFixture(t, func(c *Config) {
		c.Transformer = compiler.TransformFunc(func(context.Context, []compiler.SourceUnit) ([]compiler.SourceUnit, error) {
			return nil, boom
		})
	})
	tx := New("x", edit.NewAddAnnotation(f.store, f.original(t, "Counter"), "audited"))
	_, err := f.exec.Run(context.Background(), tx)
	assert.ErrorIs(t, err, ErrTransformFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusRolledBack, tx.Status)
}

func TestExecutor_UnsafeBatchRecompilesCorpus(t *testing.T) {
	f := newFixture(t)
	base := f.original(t, "Base")

	tx := New("drop tag", edit.NewRemoveField(f.store, base, "tag"))
	res, err := f.exec.Run(context.Background(), tx)
	require.NoError(t, err)

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.Compiled)
	assert.ElementsMatch(t, []TypeVersion{{"Base", 1}, {"Counter", 1}}, res.Published)

	assert.Equal(t, 1, base.CurrentVersion())
	assert.Equal(t, 1, f.original(t, "Counter").CurrentVersion())
	assert.Equal(t, 0, f.original(t, "Other").CurrentVersion())

	counter, ok := f.reg.LatestByName("Counter")
	require.True(t, ok)
	_, ok = counter.Field("tag")
	assert.False(t, ok)
	assert.Equal(t, "Base_NewVersion_1", counter.Super.Name)
}

func TestExecutor_SafeBatchRepublishesSubclasses(t *testing.T) {
	f := newFixture(t)
	base := f.original(t, "Base")

	tx := New("base edits",
		edit.NewAddField(f.store, base, schema.FieldDecl{Name: "label", Type: "string", Default: "b"}),
		edit.NewReplaceMethodBody(f.store, base, "describe", `return "changed"`),
	)
	res, err := f.exec.Run(context.Background(), tx)
	require.NoError(t, err)

	assert.True(t, res.Safe)
	assert.Equal(t, 2, res.Compiled)
	assert.ElementsMatch(t, []TypeVersion{{"Base", 1}, {"Counter", 1}}, res.Published)
	assert.Equal(t, 0, f.original(t, "Other").CurrentVersion())

	counter, ok := f.reg.LatestByName("Counter")
	require.True(t, ok)
	assert.Equal(t, "Base_NewVersion_1", counter.Super.Name)
	_, ok = counter.Field("label")
	assert.True(t, ok)
	m, ok := counter.Method("describe")
	require.True(t, ok)
	assert.Contains(t, m.Body, "changed")

	c, ok := f.store.Get("Counter")
	require.True(t, ok)
	assert.Equal(t, 1, c.Version())
	assert.False(t, c.IsUpdated())
}

func TestExecutor_RejectsEmptyAndCancelled(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Run(context.Background(), New("empty"))
	assert.ErrorIs(t, err, ErrEmpty)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := New("x", edit.NewAddAnnotation(f.store, f.original(t, "Counter"), "a"))
	_, err = f.exec.Run(ctx, tx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusPending, tx.Status)

	require.NoError(t, tx.Add(edit.NewAddAnnotation(f.store, f.original(t, "Counter"), "b")))
	_, err = f.exec.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Add(), ErrNotPending)
}

type stubCommand struct {
	target  *class.OriginalType
	execErr error
	undoErr error
	panics  bool
	undone  *[]string
	name    string
}

func (s *stubCommand) TargetClass() *class.OriginalType { return s.target }
func (s *stubCommand) IsSafe() bool                     { return true }
func (s *stubCommand) Describe() string                 { return s.name }

func (s *stubCommand) Execute() ([]*content.ClassContent, error) {
	if s.panics {
		panic("exploded")
	}
	return nil, s.execErr
}

func (s *stubCommand) Undo() error {
	*s.undone = append(*s.undone, s.name)
	return s.undoErr
}

func TestExecutor_RollbackOrderAndFailure(t *testing.T) {
	f := newFixture(t)
	counter := f.original(t, "Counter")

	t.Run("reverse order including failed command", func(t *testing.T) {
		var undone []string
		tx := New("order",
			&stubCommand{target: counter, name: "a", undone: &undone},
			&stubCommand{target: counter, name: "b", undone: &undone},
			&stubCommand{target: counter, name: "c", undone: &undone, execErr: edit.ErrEditConflict},
			&stubCommand{target: counter, name: "d", undone: &undone},
		)
		_, err := f.exec.Run(context.Background(), tx)
		require.Error(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, undone)
		assert.Equal(t, StatusRolledBack, tx.Status)
	})

	t.Run("undo failure marks transaction failed", func(t *testing.T) {
		var undone []string
		tx := New("undo fails",
			&stubCommand{target: counter, name: "a", undone: &undone, undoErr: errors.New("disk gone")},
			&stubCommand{target: counter, name: "b", undone: &undone, execErr: edit.ErrEditConflict},
		)
		_, err := f.exec.Run(context.Background(), tx)
		assert.ErrorIs(t, err, ErrRollbackFailed)
		assert.ErrorIs(t, err, edit.ErrEditConflict)
		assert.Equal(t, []string{"b", "a"}, undone)
		assert.Equal(t, StatusFailed, tx.Status)
	})

	t.Run("panic rolls back", func(t *testing.T) {
		var undone []string
		tx := New("panic",
			&stubCommand{target: counter, name: "a", undone: &undone},
			&stubCommand{target: counter, name: "b", undone: &undone, panics: true},
		)
		_, err := f.exec.Run(context.Background(), tx)
		var txErr *Error
		require.True(t, errors.As(err, &txErr))
		assert.Equal(t, FailurePanic, txErr.Kind)
		assert.Equal(t, []string{"a"}, undone)
		assert.Equal(t, StatusRolledBack, tx.Status)
	})
}

type recordingSink struct {
	mu    sync.Mutex
	units []compiler.SourceUnit
	err   error
}

func (r *recordingSink) Persist(_ context.Context, units []compiler.SourceUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, units...)
	return r.err
}

func TestExecutor_Sinks(t *testing.T) {
	dir := t.TempDir()
	failing := &recordingSink{err: errors.New("offline")}
	recording := &recordingSink{}
	f := newFixture(t, func(c *Config) {
		c.Sinks = []Sink{failing, FileSink{Dir: dir}, recording}
	})
	counter := f.original(t, "Counter")

	_, err := f.exec.Run(context.Background(), New("persist", edit.NewAddAnnotation(f.store, counter, "audited")))
	require.NoError(t, err, "sink failures are not transaction failures")

	require.Len(t, recording.units, 1)
	assert.Equal(t, "Counter", recording.units[0].Name)
	assert.Equal(t, 1, recording.units[0].Version)

	data, err := os.ReadFile(filepath.Join(dir, "Counter.yaml"))
	require.NoError(t, err)
	assert.Equal(t, f.text(t, "Counter"), string(data))
	assert.Contains(t, string(data), "audited")
}

func TestFileSink_UsesUnitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "Thing.yaml")
	err := FileSink{}.Persist(context.Background(), []compiler.SourceUnit{
		{Name: "Thing", Path: path, Text: "class: Thing\n"},
		{Name: "Skipped", Text: "class: Skipped\n"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "class: Thing\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSyncExecutor_Serializes(t *testing.T) {
	f := newFixture(t)
	serial, err := NewSyncExecutor(Config{Store: f.store, Registry: f.reg, Compiler: compiler.NewLuaCompiler()})
	require.NoError(t, err)
	counter := f.original(t, "Counter")

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			tx := New("parallel", edit.NewAddField(f.store, counter, schema.FieldDecl{Name: fmt.Sprintf("p%d", i), Type: "int"}))
			_, err := serial.Run(context.Background(), tx)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, n, counter.CurrentVersion())
	vt, ok := f.reg.LatestByName("Counter")
	require.True(t, ok)
	for i := 0; i < n; i++ {
		_, ok := vt.Field(fmt.Sprintf("p%d", i))
		assert.True(t, ok)
	}
}

func TestDescendants(t *testing.T) {
	contents := []*content.ClassContent{
		content.New("Base", baseSrc, "", 0),
		content.New("Counter", counterSrc, "", 0),
		content.New("Deep", "class: Deep\nextends: Counter\n", "", 0),
		content.New("Other", otherSrc, "", 0),
		content.New("Broken", ":::", "", 0),
	}
	got := descendants(contents, map[string]bool{"Base": true})
	assert.Equal(t, map[string]bool{"Counter": true, "Deep": true}, got)

	assert.Empty(t, descendants(contents, map[string]bool{"Other": true}))
}

func TestError_Is(t *testing.T) {
	e := &Error{TransactionID: "t", Kind: FailurePublish, Cause: registry.ErrVersionOrder}
	assert.ErrorIs(t, e, ErrPublishFailed)
	assert.ErrorIs(t, e, registry.ErrVersionOrder)
	assert.NotErrorIs(t, e, ErrCompileFailed)
	assert.NotErrorIs(t, e, ErrRollbackFailed)
	assert.Contains(t, e.Error(), "publish")
}
