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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const transactionTracerName = "aleutian.evolve.transaction"

// Tracer provides OpenTelemetry tracing for transaction runs.
//
// # Description
//
// Wraps the OpenTelemetry tracer with transaction-specific span creation
// and attribute management. When disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new transaction tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(transactionTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts the root span of a transaction run.
func (t *Tracer) StartRun(ctx context.Context, tx *Transaction) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "transaction.run",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.reason", truncateForTrace(tx.Reason, 100)),
			attribute.Int("tx.commands", tx.Len()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "running transaction",
		slog.String("tx_id", tx.ID),
		slog.Int("commands", tx.Len()),
	)
	return ctx, span
}

// EndRun completes a run span.
func (t *Tracer) EndRun(span trace.Span, result *Result, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, truncateForTrace(err.Error(), 200))
		return
	}

	span.SetStatus(codes.Ok, "")
	if result != nil {
		span.SetAttributes(
			attribute.Int64("tx.duration_ms", result.Duration.Milliseconds()),
			attribute.Bool("tx.safe", result.Safe),
			attribute.Int("tx.compiled_units", result.Compiled),
			attribute.Int("tx.published", len(result.Published)),
		)
	}
}

// StartStep starts a child span for one pipeline step such as "execute",
// "transform", "compile" or "publish".
func (t *Tracer) StartStep(ctx context.Context, step string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "transaction."+step, trace.WithAttributes(attrs...))
}

// EndStep completes a step span.
func (t *Tracer) EndStep(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, truncateForTrace(err.Error(), 200))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartRollback starts a span for undoing a transaction.
func (t *Tracer) StartRollback(ctx context.Context, tx *Transaction, kind FailureKind) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "transaction.rollback",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.failure", string(kind)),
			attribute.Int("tx.executed", len(tx.executed)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "rolling back transaction",
		slog.String("tx_id", tx.ID),
		slog.String("failure", string(kind)),
	)
	return ctx, span
}

// EndRollback completes a rollback span.
func (t *Tracer) EndRollback(span trace.Span, undone int, err error) {
	if span == nil {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Int("tx.undone", undone))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordStateTransition records a state transition event on the current span.
//
// # Inputs
//
//   - ctx: Context containing the active span.
//   - txID: Transaction identifier.
//   - from: Previous state.
//   - to: New state.
//   - duration: Time spent in the previous state.
func (t *Tracer) RecordStateTransition(ctx context.Context, txID string, from, to Status, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("state_transition",
			trace.WithAttributes(
				attribute.String("tx.id", txID),
				attribute.String("tx.from_state", string(from)),
				attribute.String("tx.to_state", string(to)),
				attribute.Int64("tx.duration_in_state_ms", duration.Milliseconds()),
			),
		)
	}

	t.logger.DebugContext(ctx, "transaction state transition",
		slog.String("tx_id", txID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Duration("duration", duration),
	)
}

// truncateForTrace truncates a string for use in span attributes.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace context fields.
//
// # Description
//
// Extracts trace_id and span_id from the context and adds them
// to the logger for correlation with distributed traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
