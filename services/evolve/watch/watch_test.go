// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/corpus/Counter.yaml", "Counter"},
		{"Counter.yml", ""},
		{"/corpus/.evolve-1234", ""},
		{"/corpus/.Counter.yaml", ""},
		{"/corpus/notes.txt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.path, ".yaml"))
		})
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]Change{
		{Path: "a", Op: OpCreate},
		{Path: "b", Op: OpWrite},
		{Path: "a", Op: OpWrite},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, OpWrite, got[0].Op)
	assert.Equal(t, "b", got[1].Path)
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(t.TempDir(), nil, Options{})
	assert.Error(t, err)
}

func TestWatcher_DeliversDebouncedBatch(t *testing.T) {
	dir := t.TempDir()
	batches := make(chan []Change, 4)
	w, err := New(dir, func(_ context.Context, changes []Change) error {
		batches <- changes
		return nil
	}, Options{Debounce: 50 * time.Millisecond, Rate: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(dir, "Counter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("class: Counter\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("class: Counter\nfields: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	select {
	case changes := <-batches:
		require.Len(t, changes, 1)
		assert.Equal(t, "Counter", changes[0].Class)
		assert.Equal(t, path, changes[0].Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch delivered")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), func(context.Context, []Change) error { return nil }, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

func TestWatcher_CancelReleasesWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, func(context.Context, []Change) error { return nil }, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return errors.Is(w.fs.Add(dir), fsnotify.ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
	w.Stop()
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "unknown", Op(9).String())
}
