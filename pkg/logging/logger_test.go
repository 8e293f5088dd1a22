// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"warning": LevelWarn, " error ": LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_ConsoleFormats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Format: FormatJSON, Output: &buf, Service: "evolve"})
		require.NoError(t, err)
		l.Info("published", "type", "Counter")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "published", rec["msg"])
		assert.Equal(t, "Counter", rec["type"])
		assert.Equal(t, "evolve", rec["service"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Format: FormatText, Output: &buf})
		require.NoError(t, err)
		l.Info("published", "type", "Counter")
		assert.Contains(t, buf.String(), "type=Counter")
	})

	t.Run("auto on a buffer is json", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Output: &buf})
		require.NoError(t, err)
		l.Info("x")
		assert.True(t, strings.HasPrefix(buf.String(), "{"))
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
		require.NoError(t, err)
		l.Info("hidden")
		l.Warn("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestNew_FileAndConsole(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "evolve.log")
	l, err := New(Config{Format: FormatText, Output: &console, File: path})
	require.NoError(t, err)

	l.With("component", "test").Warn("both", "n", 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Contains(t, console.String(), "component=test")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "both", rec["msg"])
	assert.Equal(t, "test", rec["component"])
}

func TestNew_QuietWithoutFile(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	l.Error("dropped")
	assert.NoError(t, l.Close())
}

func TestNew_BadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err := New(Config{Quiet: true, File: filepath.Join(blocker, "evolve.log")})
	assert.Error(t, err)
}
