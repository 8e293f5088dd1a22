// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch turns edits to class source files into change batches.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Op is the kind of file change.
type Op int

const (
	OpWrite Op = iota
	OpCreate
	OpRemove
)

// String returns the operation name.
func (op Op) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one changed class source file.
type Change struct {
	// Path is the changed file.
	Path string

	// Class is the class name derived from the file name.
	Class string

	Op   Op
	Time time.Time
}

// Handler receives debounced batches. Errors are logged and the watcher
// keeps running.
type Handler func(ctx context.Context, changes []Change) error

// Options configures a Watcher.
type Options struct {
	// Ext is the source file extension. Default ".yaml".
	Ext string

	// Debounce is the quiet period before a batch is flushed.
	// Default: 200ms.
	Debounce time.Duration

	// Rate bounds how often the handler runs, in batches per second.
	// Default: 2.
	Rate float64

	// Burst is the limiter burst. Default: 1.
	Burst int

	// BufferSize is the capacity of the pending change channel.
	// Default: 256.
	BufferSize int
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		Ext:        ".yaml",
		Debounce:   200 * time.Millisecond,
		Rate:       2,
		Burst:      1,
		BufferSize: 256,
	}
}

// Watcher watches one corpus directory.
//
// # Description
//
// Source file events are collected into a batch, deduplicated by path and
// handed to the handler once no new event arrived for the debounce window.
// A token bucket limits how often the handler runs, so a burst of saves
// produces at most Rate handler calls per second.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. The handler is called from a
// single goroutine.
type Watcher struct {
	dir     string
	opts    Options
	handler Handler
	limiter *rate.Limiter
	logger  *slog.Logger
	fs      *fsnotify.Watcher

	changes  chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	fsOnce   sync.Once

	mu      sync.Mutex
	started bool
}

// New creates a watcher over dir. Call Start to begin watching.
//
// # Inputs
//
//   - dir: Corpus directory.
//   - handler: Receives change batches. Must not be nil.
//   - opts: Zero fields take their defaults.
//
// # Outputs
//
//   - *Watcher: Not yet watching.
//   - error: Non-nil if the handler is nil or fsnotify fails.
func New(dir string, handler Handler, opts Options) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}
	defaults := DefaultOptions()
	if opts.Ext == "" {
		opts.Ext = defaults.Ext
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.Rate <= 0 {
		opts.Rate = defaults.Rate
	}
	if opts.Burst <= 0 {
		opts.Burst = defaults.Burst
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		opts:    opts,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		logger:  slog.Default().With("component", "watch.Watcher", "dir", dir),
		fs:      fw,
		changes: make(chan Change, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Watching stops when ctx is cancelled or Stop is
// called; either releases the fsnotify watcher. Stop still waits for the
// goroutines to exit.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fs.Add(w.dir); err != nil {
		return err
	}
	w.started = true

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Info("watching corpus")
	return nil
}

// Stop halts the watcher and waits for the handler goroutine to exit.
// A pending batch is flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.release()
	w.wg.Wait()
}

// release closes the fsnotify watcher once.
func (w *Watcher) release() {
	w.fsOnce.Do(func() {
		if err := w.fs.Close(); err != nil {
			w.logger.Warn("closing fsnotify watcher", "error", err)
		}
	})
}

// ClassOf returns the class a source path belongs to, or "" if the path
// is not a source file.
func ClassOf(path, ext string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != ext {
		return ""
	}
	return strings.TrimSuffix(base, ext)
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.release()
			return
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			class := ClassOf(event.Name, w.opts.Ext)
			if class == "" {
				continue
			}
			change := Change{Path: event.Name, Class: class, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.logger.Warn("change buffer full, dropping event", "path", event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpRemove
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func(ctx context.Context) {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		deduped := dedupe(batch)
		batch = batch[:0]
		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.Warn("dropping change batch", "changes", len(deduped), "error", err)
			return
		}
		if err := w.handler(ctx, deduped); err != nil {
			w.logger.Warn("change handler failed", "changes", len(deduped), "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush(context.WithoutCancel(ctx))
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush(ctx)
		}
	}
}

// dedupe keeps the last change per path in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
