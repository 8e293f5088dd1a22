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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/edit"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

// Registry is what the executor needs from the version registry.
type Registry interface {
	Original(name string) (*class.OriginalType, bool)
	LatestByName(name string) (*class.VersionedType, bool)
	Publish(vts ...*class.VersionedType) error
}

// Sink receives the source of every committed unit after publication.
type Sink interface {
	Persist(ctx context.Context, units []compiler.SourceUnit) error
}

// Config configures an Executor.
type Config struct {
	// Store holds the class contents the commands edit. Required.
	Store *content.Store

	// Registry receives the compiled versions. Required.
	Registry Registry

	// Compiler compiles the serialized units. Required.
	Compiler compiler.Compiler

	// Transformer rewrites units before compilation. Defaults to
	// compiler.Renamer.
	Transformer compiler.Transformer

	// Sinks persist committed source. Failures are logged, not returned.
	Sinks []Sink

	// TracingEnabled enables OpenTelemetry spans.
	TracingEnabled bool

	// MetricsEnabled enables OpenTelemetry metrics.
	MetricsEnabled bool
}

// Executor runs transactions.
//
// # Description
//
// Executing pops commands in submission order and ANDs their IsSafe into
// the batch flag. Any failure undoes the executed commands in reverse
// order. If every command executed, the commit pipeline serializes the
// touched contents, or the whole tracked corpus when the batch is unsafe,
// transforms and compiles them, looks every expected type up by its
// versioned name and publishes the new versions. Only then are the
// contents closed.
//
// # Thread Safety
//
// Executor does not serialize transactions. Callers that run transactions
// from several goroutines use SyncExecutor.
type Executor struct {
	config Config
	logger *slog.Logger
	tracer *Tracer
}

// NewExecutor creates an executor.
//
// # Inputs
//
//   - config: Store, Registry and Compiler are required.
//
// # Outputs
//
//   - *Executor: Ready to run transactions.
//   - error: Non-nil if a required collaborator is missing.
func NewExecutor(config Config) (*Executor, error) {
	if config.Store == nil || config.Registry == nil || config.Compiler == nil {
		return nil, fmt.Errorf("store, registry and compiler are required")
	}
	if config.Transformer == nil {
		config.Transformer = compiler.Renamer{}
	}

	logger := slog.Default().With("component", "transaction.Executor")
	SetMetricsEnabled(config.MetricsEnabled)

	return &Executor{
		config: config,
		logger: logger,
		tracer: NewTracer(logger, config.TracingEnabled),
	}, nil
}

// Run executes and commits tx, or rolls it back.
//
// # Inputs
//
//   - ctx: Context for tracing and the compile step. Cancellation is only
//     observed before the first command runs.
//   - tx: A pending transaction.
//
// # Outputs
//
//   - *Result: The published versions on success.
//   - error: *Error for any failure after the first command ran;
//     ErrNotPending, ErrEmpty or the context error before that.
func (e *Executor) Run(ctx context.Context, tx *Transaction) (result *Result, err error) {
	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}
	if len(tx.queue) == 0 {
		return nil, ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commands := tx.Len()
	tx.StartedAt = time.Now()

	ctx, span := e.tracer.StartRun(ctx, tx)
	defer func() { e.tracer.EndRun(span, result, err) }()

	logger := LoggerWithTrace(ctx, e.logger)

	incActive(ctx)
	defer func() {
		decActive(ctx)
		recordRun(ctx, tx.Duration(), commands, tx.Status)
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in transaction", "tx_id", tx.ID, "panic", r)
			if !tx.Status.IsTerminal() {
				err = e.rollback(ctx, tx, &Error{
					TransactionID: tx.ID,
					Kind:          FailurePanic,
					Cause:         fmt.Errorf("panic: %v", r),
				})
			}
			result = nil
		}
	}()

	e.transition(ctx, tx, StatusExecuting)
	if failure := e.execute(ctx, tx); failure != nil {
		return nil, e.rollback(ctx, tx, failure)
	}

	e.transition(ctx, tx, StatusCommitting)
	result, failure := e.commit(ctx, tx)
	if failure != nil {
		return nil, e.rollback(ctx, tx, failure)
	}

	e.transition(ctx, tx, StatusCommitted)
	logger.Info("transaction committed",
		"tx_id", tx.ID,
		"reason", tx.Reason,
		"commands", commands,
		"safe", tx.Safe,
		"published", len(result.Published),
		"duration", result.Duration)
	return result, nil
}

func (e *Executor) transition(ctx context.Context, tx *Transaction, to Status) {
	e.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, to, tx.Duration())
	tx.Status = to
}

// execute runs the queued commands. A failing command is still pushed on
// the executed stack so its own Undo repairs any partial mutation.
func (e *Executor) execute(ctx context.Context, tx *Transaction) *Error {
	_, span := e.tracer.StartStep(ctx, "execute", attribute.Int("tx.commands", len(tx.queue)))
	var failure *Error
	defer func() {
		if failure != nil {
			e.tracer.EndStep(span, failure.Cause)
		} else {
			e.tracer.EndStep(span, nil)
		}
	}()

	for len(tx.queue) > 0 {
		cmd := tx.queue[0]
		tx.queue = tx.queue[1:]

		touched, err := cmd.Execute()
		tx.executed = append(tx.executed, cmd)
		if err != nil {
			kind := FailureEditConflict
			failure = &Error{TransactionID: tx.ID, Kind: kind, Command: cmd.Describe(), Cause: err}
			return failure
		}
		for _, c := range touched {
			tx.touched[c.Name()] = c
		}
		tx.Safe = tx.Safe && cmd.IsSafe()
	}
	return nil
}

// commit runs serialize, transform, compile, lookup and publish.
func (e *Executor) commit(ctx context.Context, tx *Transaction) (*Result, *Error) {
	fail := func(kind FailureKind, cause error) *Error {
		return &Error{TransactionID: tx.ID, Kind: kind, Cause: cause}
	}

	units, publish, err := e.serialize(tx)
	if err != nil {
		return nil, fail(FailureLookup, err)
	}

	tctx, tspan := e.tracer.StartStep(ctx, "transform", attribute.Int("tx.units", len(units)))
	transformed, err := e.config.Transformer.Transform(tctx, units)
	e.tracer.EndStep(tspan, err)
	if err != nil {
		return nil, fail(FailureTransform, err)
	}

	cctx, cspan := e.tracer.StartStep(ctx, "compile",
		attribute.Int("tx.units", len(transformed)),
		attribute.Bool("tx.safe", tx.Safe))
	start := time.Now()
	compiled, err := e.config.Compiler.Compile(cctx, transformed, e.config.Registry)
	recordCompile(ctx, len(transformed), tx.Safe, time.Since(start), err == nil)
	e.tracer.EndStep(cspan, err)
	if err != nil {
		f := fail(FailureCompile, err)
		var cf *compiler.Failure
		if errors.As(err, &cf) {
			f.Diagnostics = cf.Text()
		}
		return nil, f
	}

	vts := make([]*class.VersionedType, 0, len(publish))
	for _, u := range publish {
		name := u.VersionedName()
		vt, ok := compiled[name]
		if !ok {
			e.logger.Error("compiled type missing; is the transform step configured?",
				"tx_id", tx.ID,
				"expected", name)
			return nil, fail(FailureLookup, fmt.Errorf("%w: %s", ErrLookupFailed, name))
		}
		vts = append(vts, vt)
	}

	_, pspan := e.tracer.StartStep(ctx, "publish", attribute.Int("tx.types", len(vts)))
	err = e.config.Registry.Publish(vts...)
	e.tracer.EndStep(pspan, err)
	if err != nil {
		return nil, fail(FailurePublish, err)
	}

	result := &Result{
		TransactionID: tx.ID,
		Status:        StatusCommitted,
		Commands:      len(tx.executed),
		Safe:          tx.Safe,
		Compiled:      len(transformed),
	}
	for _, u := range publish {
		if c, ok := e.config.Store.Get(u.Name); ok {
			c.Close(u.Version)
		}
		result.Published = append(result.Published, TypeVersion{Type: u.Name, Version: u.Version})
	}
	e.persist(ctx, tx, publish)
	result.Duration = tx.Duration()
	return result, nil
}

// serialize builds the source units to compile and the subset whose new
// versions get published.
func (e *Executor) serialize(tx *Transaction) (units, publish []compiler.SourceUnit, err error) {
	var contents []*content.ClassContent
	bump := make(map[string]bool, len(tx.touched))
	for name := range tx.touched {
		bump[name] = true
	}

	// Subclass layouts are flattened copies of their supers, so every
	// descendant of a touched class gets a new version even in a safe batch.
	all := e.config.Store.All()
	for name := range descendants(all, bump) {
		bump[name] = true
	}

	if tx.Safe {
		for _, c := range all {
			if bump[c.Name()] {
				contents = append(contents, c)
			}
		}
	} else {
		contents = all
	}

	for _, c := range contents {
		orig, ok := e.config.Registry.Original(c.Name())
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s is tracked but not defined", ErrLookupFailed, c.Name())
		}
		u := compiler.SourceUnit{
			Name:     c.Name(),
			Original: orig,
			Version:  orig.CurrentVersion(),
			Path:     c.Path(),
			Text:     c.Text(),
		}
		if bump[c.Name()] {
			u.Version++
			publish = append(publish, u)
		}
		units = append(units, u)
	}
	return units, publish, nil
}

// descendants returns every class in contents that transitively extends a
// class in roots. Unparseable sources are skipped; the compiler reports
// them.
func descendants(contents []*content.ClassContent, roots map[string]bool) map[string]bool {
	parent := make(map[string]string, len(contents))
	for _, c := range contents {
		if d, err := schema.Parse(c.Text()); err == nil && d.Extends != "" {
			parent[c.Name()] = d.Extends
		}
	}

	out := make(map[string]bool)
	for name := range parent {
		seen := map[string]bool{name: true}
		for p := parent[name]; p != "" && !seen[p]; p = parent[p] {
			if roots[p] {
				out[name] = true
				break
			}
			seen[p] = true
		}
	}
	for name := range roots {
		delete(out, name)
	}
	return out
}

func (e *Executor) persist(ctx context.Context, tx *Transaction, units []compiler.SourceUnit) {
	for _, sink := range e.config.Sinks {
		if err := sink.Persist(ctx, units); err != nil {
			e.logger.Warn("sink failed to persist committed source",
				"tx_id", tx.ID,
				"sink", fmt.Sprintf("%T", sink),
				"error", err)
		}
	}
}

// rollback undoes every executed command in reverse order and finalizes
// failure as the transaction's error.
func (e *Executor) rollback(ctx context.Context, tx *Transaction, failure *Error) (err error) {
	ctx = context.WithoutCancel(ctx)
	e.transition(ctx, tx, StatusRollingBack)

	ctx, span := e.tracer.StartRollback(ctx, tx, failure.Kind)
	undone := 0
	defer func() { e.tracer.EndRollback(span, undone, failure.RollbackErr) }()

	recordRollback(ctx, failure.Kind)

	var undoErrs []error
	for i := len(tx.executed) - 1; i >= 0; i-- {
		if err := undo(tx.executed[i]); err != nil {
			undoErrs = append(undoErrs, err)
			continue
		}
		undone++
	}
	tx.executed = nil

	if len(undoErrs) > 0 {
		failure.RollbackErr = fmt.Errorf("%w: %w", ErrRollbackFailed, errors.Join(undoErrs...))
		e.transition(ctx, tx, StatusFailed)
	} else {
		e.transition(ctx, tx, StatusRolledBack)
	}

	LoggerWithTrace(ctx, e.logger).Warn("transaction rolled back",
		"tx_id", tx.ID,
		"failure", failure.Kind,
		"command", failure.Command,
		"cause", failure.Cause,
		"undone", undone)
	tx.err = failure
	return failure
}

func undo(cmd edit.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic undoing %q: %v", cmd.Describe(), r)
		}
	}()
	if err := cmd.Undo(); err != nil {
		return fmt.Errorf("undoing %q: %w", cmd.Describe(), err)
	}
	return nil
}

// SyncExecutor runs at most one transaction at a time.
//
// # Description
//
// The whole execute and commit sequence of a transaction runs inside one
// critical section, so transactions never interleave. Share one
// SyncExecutor for the process.
//
// # Thread Safety
//
// Run is safe for concurrent use.
type SyncExecutor struct {
	mu   sync.Mutex
	exec *Executor
}

// NewSyncExecutor creates a serializing executor.
func NewSyncExecutor(config Config) (*SyncExecutor, error) {
	exec, err := NewExecutor(config)
	if err != nil {
		return nil, err
	}
	return &SyncExecutor{exec: exec}, nil
}

// Run is Executor.Run inside the critical section.
func (s *SyncExecutor) Run(ctx context.Context, tx *Transaction) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.Run(ctx, tx)
}
