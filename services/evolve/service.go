// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evolve is the runtime class-evolution engine.
//
// An Engine owns one version registry and everything that feeds it: the
// class source store, the compiler, the transaction executor, the
// instance runtime, and the optional archive and directory watcher.
//
//	            ┌──────────────┐
//	 edits ───▶ │  Transaction │──▶ compile ──▶ publish ──▶ sinks
//	            └──────────────┘                  │
//	                                              ▼
//	 instances ◀── lazy upgrade on next access ── registry
//
// Define and LoadCorpus publish version 0 of new classes. Every later
// version comes from a committed transaction.
package evolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/evolve/services/evolve/archive"
	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/config"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/edit"
	"github.com/AleutianAI/evolve/services/evolve/instance"
	"github.com/AleutianAI/evolve/services/evolve/registry"
	"github.com/AleutianAI/evolve/services/evolve/schema"
	"github.com/AleutianAI/evolve/services/evolve/transaction"
	"github.com/AleutianAI/evolve/services/evolve/watch"
)

// runner is satisfied by both executor variants.
type runner interface {
	Run(ctx context.Context, tx *transaction.Transaction) (*transaction.Result, error)
}

// Stats summarizes engine state.
type Stats struct {
	Types           int   `json:"types"`
	Upgrades        int64 `json:"upgrades"`
	UpgradeFailures int64 `json:"upgrade_failures"`
}

// Engine is the class-evolution engine.
//
// # Description
//
// Mode "synchronized" serializes transactions and guards instances with
// their monitors. Mode "simple" does neither; the caller must then run
// one transaction at a time.
//
// # Thread Safety
//
// In synchronized mode all methods are safe for concurrent use.
type Engine struct {
	cfg      config.Config
	registry *registry.Registry
	store    *content.Store
	compiler *compiler.LuaCompiler
	executor runner
	runtime  *instance.Runtime
	archive  *archive.Archive
	sinks    []transaction.Sink
	logger   *slog.Logger

	defineMu  sync.Mutex
	watchMu   sync.Mutex
	watcher   *watch.Watcher
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine builds an engine from cfg.
//
// # Description
//
// Opens the archive when enabled. Classes are not loaded; call LoadCorpus
// or Define. The watcher is not started; call Watch.
//
// # Inputs
//
//   - cfg: A validated configuration.
//
// # Outputs
//
//   - *Engine: Call Close when done.
//   - error: Non-nil if the configuration is invalid or the archive
//     could not be opened.
func NewEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default().With("component", "evolve.Engine")
	e := &Engine{
		cfg:      cfg,
		registry: registry.New(),
		store:    content.NewStore(nil),
		compiler: compiler.NewLuaCompiler(),
		logger:   logger,
	}
	e.compiler.Workers = cfg.Compiler.Workers

	if cfg.Corpus.WriteBack && cfg.Corpus.Dir != "" {
		e.sinks = append(e.sinks, transaction.FileSink{Dir: cfg.Corpus.Dir})
	}
	if cfg.Archive.Enabled {
		a, err := archive.Open(archive.Config{
			Path:           cfg.Archive.Path,
			InMemory:       cfg.Archive.InMemory,
			SyncWrites:     cfg.Archive.SyncWrites,
			GCInterval:     cfg.Archive.GCInterval,
			GCDiscardRatio: cfg.Archive.GCDiscardRatio,
			Logger:         slog.Default().With("component", "badger"),
		})
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		e.archive = a
		e.sinks = append(e.sinks, a)
	}

	opts := []instance.Option{instance.WithLogger(slog.Default())}
	if cfg.Runtime.Mode == "simple" {
		opts = append(opts, instance.WithMode(instance.ModeSimple))
	}
	if cfg.Runtime.Retention == "all" {
		opts = append(opts, instance.WithRetention(instance.RetainAll))
	}
	instance.SetMetricsEnabled(cfg.Telemetry.Metrics)
	e.runtime = instance.NewRuntime(e.registry, opts...)

	execCfg := transaction.Config{
		Store:          e.store,
		Registry:       e.registry,
		Compiler:       e.compiler,
		Sinks:          e.sinks,
		TracingEnabled: cfg.Telemetry.Tracing,
		MetricsEnabled: cfg.Telemetry.Metrics,
	}
	var err error
	if cfg.Runtime.Mode == "simple" {
		e.executor, err = transaction.NewExecutor(execCfg)
	} else {
		e.executor, err = transaction.NewSyncExecutor(execCfg)
	}
	if err != nil {
		e.closeArchive()
		return nil, err
	}
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

// Registry returns the engine's version registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store returns the engine's class source store.
func (e *Engine) Store() *content.Store { return e.store }

// Define publishes version 0 of each class in sources.
//
// # Description
//
// The sources compile as one batch, so they may extend each other in any
// order. A class may also extend any class defined earlier. If anything
// fails, none of the classes is defined.
//
// # Outputs
//
//   - []*class.OriginalType: The new types, in source order.
//   - error: ErrAlreadyDefined, a schema error, or a *compiler.Failure.
func (e *Engine) Define(ctx context.Context, sources ...string) ([]*class.OriginalType, error) {
	contents := make([]*content.ClassContent, 0, len(sources))
	for i, src := range sources {
		decl, err := schema.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		contents = append(contents, content.New(decl.SimpleName(), src, "", 0))
	}
	return e.define(ctx, contents)
}

// LoadCorpus defines every class found in dir.
//
// Each "<Class>.yaml" file must declare the class it is named after.
// Classes already defined are an error.
func (e *Engine) LoadCorpus(ctx context.Context, dir string) ([]*class.OriginalType, error) {
	if dir == "" {
		return nil, errors.New("corpus directory is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}

	loader := content.DirLoader{Dir: dir}
	var contents []*content.ClassContent
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != content.SourceExt {
			continue
		}
		c, err := loader.Load(strings.TrimSuffix(entry.Name(), content.SourceExt))
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	if len(contents) == 0 {
		return nil, nil
	}
	types, err := e.define(ctx, contents)
	if err != nil {
		return nil, err
	}
	e.logger.Info("corpus loaded", "dir", dir, "classes", len(types))
	return types, nil
}

func (e *Engine) define(ctx context.Context, contents []*content.ClassContent) (types []*class.OriginalType, err error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.defineMu.Lock()
	defer e.defineMu.Unlock()

	seen := make(map[string]bool, len(contents))
	for _, c := range contents {
		if _, ok := e.registry.Original(c.Name()); ok || seen[c.Name()] {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDefined, c.Name())
		}
		seen[c.Name()] = true
	}

	units := make([]compiler.SourceUnit, len(contents))
	for i, c := range contents {
		t := e.registry.Define(c.Name())
		types = append(types, t)
		units[i] = compiler.SourceUnit{Name: c.Name(), Original: t, Path: c.Path(), Text: c.Text()}
	}
	defer func() {
		if err == nil {
			return
		}
		for _, t := range types {
			if ferr := e.registry.Forget(t); ferr != nil {
				e.logger.Error("undefining class failed", "type", t.Name(), "error", ferr)
			}
		}
		types = nil
	}()

	renamed, err := compiler.Renamer{}.Transform(ctx, units)
	if err != nil {
		return nil, err
	}
	compiled, err := e.compiler.Compile(ctx, renamed, e.registry)
	if err != nil {
		return nil, err
	}
	vts := make([]*class.VersionedType, 0, len(renamed))
	for _, u := range renamed {
		vt, ok := compiled[u.VersionedName()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", transaction.ErrLookupFailed, u.VersionedName())
		}
		vts = append(vts, vt)
	}
	if err := e.registry.Publish(vts...); err != nil {
		return nil, err
	}

	for _, c := range contents {
		c.Close(0)
		if perr := e.store.Put(c); perr != nil {
			e.logger.Warn("class content already tracked", "type", c.Name(), "error", perr)
		}
	}
	for _, s := range e.sinks {
		if perr := s.Persist(context.WithoutCancel(ctx), units); perr != nil {
			e.logger.Warn("sink failed to persist defined source", "error", perr)
		}
	}
	return types, nil
}

// Type returns the live version of a class.
func (e *Engine) Type(name string) (*class.VersionedType, error) {
	vt, ok := e.registry.LatestByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return vt, nil
}

// Types returns the live version of every class, ordered by name.
func (e *Engine) Types() []*class.VersionedType {
	var out []*class.VersionedType
	for _, t := range e.registry.Types() {
		if vt, err := e.registry.Latest(t); err == nil {
			out = append(out, vt)
		}
	}
	return out
}

// New creates an instance of the live version of a class.
func (e *Engine) New(name string, init map[string]any) (*instance.Instance, error) {
	t, ok := e.registry.Original(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return e.runtime.New(t, init)
}

// Commands builds edit commands against the engine's store.
func (e *Engine) Commands(specs ...edit.Spec) ([]edit.Command, error) {
	return edit.BuildAll(e.store, e.registry, specs)
}

// Begin starts a pending transaction.
func (e *Engine) Begin(reason string, cmds ...edit.Command) *transaction.Transaction {
	return transaction.New(reason, cmds...)
}

// Run executes and commits tx.
func (e *Engine) Run(ctx context.Context, tx *transaction.Transaction) (*transaction.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.executor.Run(ctx, tx)
}

// Apply builds specs into one transaction and runs it.
func (e *Engine) Apply(ctx context.Context, reason string, specs ...edit.Spec) (*transaction.Result, error) {
	cmds, err := e.Commands(specs...)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, e.Begin(reason, cmds...))
}

// ApplyBatch runs a parsed batch document.
func (e *Engine) ApplyBatch(ctx context.Context, b *edit.Batch) (*transaction.Result, error) {
	return e.Apply(ctx, b.Reason, b.Edits...)
}

// Source returns the current source text of a class.
func (e *Engine) Source(name string) (string, error) {
	c, ok := e.store.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return c.Text(), nil
}

// History returns the archived versions of a class, oldest first.
func (e *Engine) History(ctx context.Context, name string) ([]archive.Entry, error) {
	if e.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return e.archive.History(ctx, name)
}

// Stats reports engine counters.
func (e *Engine) Stats() Stats {
	upgrades, failures := e.runtime.Stats()
	return Stats{
		Types:           len(e.registry.Types()),
		Upgrades:        upgrades,
		UpgradeFailures: failures,
	}
}

// Watch starts applying external edits to the corpus directory.
//
// # Description
//
// Changed files of defined classes become one replace_source
// transaction per debounced batch. New files define new classes. Files
// whose text equals the class's current source are ignored, which covers
// the engine's own write-back. Removed files are logged and otherwise
// ignored.
//
// # Outputs
//
//   - error: Non-nil if the directory cannot be watched. Watch on a
//     running engine watcher is a no-op.
func (e *Engine) Watch(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watcher != nil {
		return nil
	}

	opts := watch.DefaultOptions()
	if e.cfg.Corpus.WatchDebounce > 0 {
		opts.Debounce = e.cfg.Corpus.WatchDebounce
	}
	if e.cfg.Corpus.WatchRate > 0 {
		opts.Rate = e.cfg.Corpus.WatchRate
	}
	w, err := watch.New(e.cfg.Corpus.Dir, e.applyChanges, opts)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	e.watcher = w
	e.logger.Info("watching corpus", "dir", e.cfg.Corpus.Dir)
	return nil
}

func (e *Engine) applyChanges(ctx context.Context, changes []watch.Change) error {
	var (
		cmds    []edit.Command
		created []*content.ClassContent
		names   []string
	)
	for _, ch := range changes {
		if ch.Op == watch.OpRemove {
			e.logger.Warn("class source removed; live versions are kept", "type", ch.Class, "path", ch.Path)
			continue
		}
		data, err := os.ReadFile(ch.Path)
		if err != nil {
			e.logger.Warn("reading changed source", "path", ch.Path, "error", err)
			continue
		}
		text := string(data)

		t, ok := e.registry.Original(ch.Class)
		if !ok {
			created = append(created, content.New(ch.Class, text, ch.Path, 0))
			continue
		}
		if c, ok := e.store.Get(ch.Class); ok && c.Text() == text {
			continue
		}
		cmds = append(cmds, edit.NewReplaceSource(e.store, t, text))
		names = append(names, ch.Class)
	}

	var errs []error
	if len(created) > 0 {
		if _, err := e.define(ctx, created); err != nil {
			errs = append(errs, fmt.Errorf("defining new classes: %w", err))
		}
	}
	if len(cmds) > 0 {
		sort.Strings(names)
		reason := "external edit: " + strings.Join(names, ", ")
		if _, err := e.Run(ctx, e.Begin(reason, cmds...)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("applying external edits failed", "error", err)
		return err
	}
	return nil
}

// Close stops the watcher and closes the archive.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.watchMu.Lock()
		if e.watcher != nil {
			e.watcher.Stop()
			e.watcher = nil
		}
		e.watchMu.Unlock()
		err = e.closeArchive()
	})
	return err
}

func (e *Engine) closeArchive() error {
	if e.archive == nil {
		return nil
	}
	return e.archive.Close()
}
