// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

type mapResolver map[string]*class.VersionedType

func (m mapResolver) LatestByName(name string) (*class.VersionedType, bool) {
	vt, ok := m[name]
	return vt, ok
}

const baseSrc = `class: Base
fields:
  - name: id
    type: int
    default: 7
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
  - name: describe
    returns: string
    body: return "counter " .. self.id
`

func unit(name string, v int, text string) SourceUnit {
	return SourceUnit{Name: name, Original: class.NewOriginalType(name), Version: v, Text: text}
}

func compile(t *testing.T, units []SourceUnit, r Resolver) (map[string]*class.VersionedType, error) {
	t.Helper()
	ctx := context.Background()
	renamed, err := Renamer{}.Transform(ctx, units)
	require.NoError(t, err)
	return NewLuaCompiler().Compile(ctx, renamed, r)
}

func TestRenamer(t *testing.T) {
	out, err := Renamer{}.Transform(context.Background(), []SourceUnit{unit("Base", 3, baseSrc)})
	require.NoError(t, err)
	assert.Contains(t, out[0].Text, "class: Base_NewVersion_3")
	assert.Contains(t, out[0].Text, "origin: Base")

	_, err = Renamer{}.Transform(context.Background(), []SourceUnit{unit("Other", 0, baseSrc)})
	assert.Error(t, err)
}

func TestLuaCompiler_FlattensBatch(t *testing.T) {
	out, err := compile(t, []SourceUnit{unit("Counter", 1, counterSrc), unit("Base", 2, baseSrc)}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	counter := out["Counter_NewVersion_1"]
	require.NotNil(t, counter)
	assert.Equal(t, "Counter_NewVersion_1", counter.Name)
	require.NotNil(t, counter.Super)
	assert.Equal(t, "Base_NewVersion_2", counter.Super.Name)
	assert.True(t, counter.IsSubtypeOf("Base"))

	require.Len(t, counter.Fields, 2)
	assert.Equal(t, "id", counter.Fields[0].Name)
	assert.Equal(t, int64(7), counter.Fields[0].Default)
	assert.Equal(t, int64(0), counter.Fields[1].Default)

	describe, ok := counter.Method("describe")
	require.True(t, ok)
	assert.Equal(t, "Counter", describe.Declarer)
	assert.NotNil(t, counter.Runner)
	assert.True(t, counter.Surface.Has("_count_unary"))
}

func TestLuaCompiler_AcceptsCompoundUpdate(t *testing.T) {
	out, err := compile(t, []SourceUnit{unit("A", 0, `class: A
fields:
  - name: n
    type: float
methods:
  - name: down
    returns: float
    body: return self:_n_unary(3)
`)}, nil)
	require.NoError(t, err)
	assert.NotNil(t, out["A_NewVersion_0"])
}

func TestLuaCompiler_ResolvesOutsideBatch(t *testing.T) {
	base, err := compile(t, []SourceUnit{unit("Base", 0, baseSrc)}, nil)
	require.NoError(t, err)

	out, err := compile(t, []SourceUnit{unit("Counter", 0, counterSrc)},
		mapResolver{"Base": base["Base_NewVersion_0"]})
	require.NoError(t, err)
	assert.Same(t, base["Base_NewVersion_0"], out["Counter_NewVersion_0"].Super)
}

func TestLuaCompiler_Failures(t *testing.T) {
	tests := []struct {
		name    string
		units   []SourceUnit
		message string
	}{
		{
			name:    "unknown superclass",
			units:   []SourceUnit{unit("Counter", 0, counterSrc)},
			message: "unknown superclass Base",
		},
		{
			name: "deleted attribute still referenced",
			units: []SourceUnit{unit("A", 1, `class: A
methods:
  - name: bump
    body: self.count = self.count + 1
`)},
			message: "self.count",
		},
		{
			name: "compound update on a string attribute",
			units: []SourceUnit{unit("A", 0, `class: A
fields:
  - name: label
    type: string
methods:
  - name: spin
    body: return self:_label_unary(1)
`)},
			message: "self._label_unary",
		},
		{
			name: "lua syntax",
			units: []SourceUnit{unit("A", 0, `class: A
methods:
  - name: bad
    body: "return ("
`)},
			message: "A.bad",
		},
		{
			name: "bad default",
			units: []SourceUnit{unit("A", 0, `class: A
fields:
  - name: n
    type: int
    default: nope
`)},
			message: "bad default",
		},
		{
			name: "redeclared inherited attribute",
			units: []SourceUnit{unit("Base", 0, baseSrc), unit("Sub", 0, `class: Sub
extends: Base
fields:
  - name: id
    type: int
`)},
			message: "redeclares inherited attribute",
		},
		{
			name: "incompatible override",
			units: []SourceUnit{unit("Base", 0, baseSrc), unit("Sub", 0, `class: Sub
extends: Base
methods:
  - name: describe
    returns: int
    body: return 1
`)},
			message: "incompatible override",
		},
		{
			name: "cycle",
			units: []SourceUnit{
				unit("A", 0, "class: A\nextends: B\n"),
				unit("B", 0, "class: B\nextends: A\n"),
			},
			message: "inheritance cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, tt.units, nil)
			var failure *Failure
			require.True(t, errors.As(err, &failure), "got %v", err)
			assert.Contains(t, failure.Text(), tt.message)
		})
	}
}

func TestLuaCompiler_ReportsAllDiagnostics(t *testing.T) {
	_, err := NewLuaCompiler().Compile(context.Background(), []SourceUnit{
		unit("A", 0, "class: A\nfields:\n  - name: x\n    type: int\n    default: q\n"),
		unit("B", 0, "not: valid\n"),
	}, nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Len(t, failure.Diagnostics, 2)
	assert.Contains(t, failure.Error(), "2 diagnostics")
}

func TestLuaCompiler_KeysByCompiledName(t *testing.T) {
	// Without the rename step the compiled name is the plain class name.
	out, err := NewLuaCompiler().Compile(context.Background(), []SourceUnit{unit("Base", 4, baseSrc)}, nil)
	require.NoError(t, err)
	_, ok := out["Base_NewVersion_4"]
	assert.False(t, ok)
	assert.Equal(t, "Base_NewVersion_4", out["Base"].Name)
}
