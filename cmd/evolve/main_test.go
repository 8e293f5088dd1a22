// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evolve/services/evolve"
	"github.com/AleutianAI/evolve/services/evolve/config"
	"github.com/AleutianAI/evolve/services/evolve/telemetry"
)

const counterSrc = `class: Counter
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

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--log-format", "json", "--log-level", "warn"))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCheckCmd(t *testing.T) {
	dir := writeCorpus(t, map[string]string{"Counter.yaml": counterSrc})

	stdout, _, err := execute(t, "check", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "CLASS")
	assert.Contains(t, stdout, "Counter")
	assert.Contains(t, stdout, "bump")

	data, err := os.ReadFile(filepath.Join(dir, "Counter.yaml"))
	require.NoError(t, err)
	assert.Equal(t, counterSrc, string(data))
}

func TestCheckCmd_CompileFailure(t *testing.T) {
	dir := writeCorpus(t, map[string]string{"Broken.yaml": "class: Broken\nmethods:\n  - name: oops\n    body: return self.nothing\n"})

	_, stderr, err := execute(t, "check", dir)
	require.Error(t, err)
	assert.Contains(t, stderr, "nothing")
}

func TestApplyCmd(t *testing.T) {
	batch := `reason: add label
edits:
  - op: add_field
    class: Counter
    field:
      name: label
      type: string
      default: x
`
	t.Run("writes back", func(t *testing.T) {
		dir := writeCorpus(t, map[string]string{"Counter.yaml": counterSrc})
		batchPath := filepath.Join(t.TempDir(), "batch.yaml")
		require.NoError(t, os.WriteFile(batchPath, []byte(batch), 0o644))

		stdout, _, err := execute(t, "apply", batchPath, "--corpus", dir, "--json")
		require.NoError(t, err)
		assert.Contains(t, stdout, `"status": "committed"`)

		data, err := os.ReadFile(filepath.Join(dir, "Counter.yaml"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "label")
	})

	t.Run("dry run", func(t *testing.T) {
		dir := writeCorpus(t, map[string]string{"Counter.yaml": counterSrc})
		batchPath := filepath.Join(t.TempDir(), "batch.yaml")
		require.NoError(t, os.WriteFile(batchPath, []byte(batch), 0o644))

		stdout, _, err := execute(t, "apply", batchPath, "--corpus", dir, "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Counter -> version 1")

		data, err := os.ReadFile(filepath.Join(dir, "Counter.yaml"))
		require.NoError(t, err)
		assert.Equal(t, counterSrc, string(data))
	})

	t.Run("bad batch", func(t *testing.T) {
		batchPath := filepath.Join(t.TempDir(), "batch.yaml")
		require.NoError(t, os.WriteFile(batchPath, []byte("edits: []\n"), 0o644))
		_, _, err := execute(t, "apply", batchPath)
		assert.Error(t, err)
	})
}

func TestHistoryCmd_RequiresArchive(t *testing.T) {
	_, _, err := execute(t, "history", "Counter")
	assert.ErrorContains(t, err, "archive is not enabled")
}

func TestNewRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Corpus.Dir = writeCorpus(t, map[string]string{"Counter.yaml": counterSrc})
	engine, err := evolve.NewEngine(cfg)
	require.NoError(t, err)
	defer engine.Close()
	_, err = engine.LoadCorpus(context.Background(), cfg.Corpus.Dir)
	require.NoError(t, err)

	get := func(router *gin.Engine, path string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	t.Run("without metrics", func(t *testing.T) {
		tel, err := setupTelemetry(context.Background(), cfg.Telemetry)
		require.NoError(t, err)
		router := newRouter(engine, tel, cfg.Telemetry, false)
		assert.Equal(t, http.StatusOK, get(router, "/v1/evolve/health"))
		assert.Equal(t, http.StatusNotFound, get(router, "/metrics"))
	})

	t.Run("with metrics", func(t *testing.T) {
		tcfg := cfg.Telemetry
		tcfg.Metrics = true
		tel, err := setupTelemetry(context.Background(), tcfg)
		require.NoError(t, err)
		defer tel.Shutdown(context.Background())
		assert.IsType(t, &telemetry.Telemetry{}, tel)

		router := newRouter(engine, tel, tcfg, false)
		assert.Equal(t, http.StatusOK, get(router, "/metrics"))
		assert.Equal(t, http.StatusOK, get(router, "/v1/evolve/types/Counter"))
	})
}
