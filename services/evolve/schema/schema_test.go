// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterSource = `class: Counter
annotations: [tracked]
fields:
  - name: count
    type: int
    default: 0
methods:
  - name: bump
    body: |
      self.count = self.count + 1
`

func TestParse(t *testing.T) {
	decl, err := Parse(counterSource)
	require.NoError(t, err)

	assert.Equal(t, "Counter", decl.Class)
	assert.Equal(t, "Counter", decl.SimpleName())
	assert.True(t, decl.HasAnnotation("tracked"))
	require.Len(t, decl.Fields, 1)
	assert.Equal(t, "int", decl.Fields[0].Type)
	assert.Equal(t, 0, decl.MethodIndex("bump"))
	assert.Equal(t, -1, decl.FieldIndex("bump"))
	assert.Equal(t, "bump() ", decl.Methods[0].Signature())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"unknown key", "class: A\nfeilds: []\n"},
		{"missing class", "fields: []\n"},
		{"bad identifier", "class: 9lives\n"},
		{"bad kind", "class: A\nfields:\n  - name: x\n    type: long\n"},
		{"duplicate member", "class: A\nfields:\n  - name: x\n    type: int\nmethods:\n  - name: x\n"},
		{"self parameter", "class: A\nmethods:\n  - name: f\n    params:\n      - name: self\n        type: int\n"},
		{"extends itself", "class: A\nextends: A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			assert.ErrorIs(t, err, ErrInvalidSource)
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	decl, err := Parse(counterSource)
	require.NoError(t, err)

	text, err := Marshal(decl)
	require.NoError(t, err)

	again, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, decl.Methods[0].Body, again.Methods[0].Body)
	assert.Equal(t, decl.Fields, again.Fields)
}

func TestClone_IsDeep(t *testing.T) {
	decl, err := Parse(counterSource)
	require.NoError(t, err)

	c := decl.Clone()
	c.Fields[0].Name = "changed"
	c.Annotations[0] = "changed"

	assert.Equal(t, "count", decl.Fields[0].Name)
	assert.Equal(t, "tracked", decl.Annotations[0])
}
