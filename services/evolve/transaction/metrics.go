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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("aleutian.evolve.transaction")

// Metric instruments for transaction operations.
var (
	runTotal        metric.Int64Counter
	rollbackTotal   metric.Int64Counter
	runDuration     metric.Float64Histogram
	commandsPerRun  metric.Int64Histogram
	compileDuration metric.Float64Histogram
	compiledUnits   metric.Int64Histogram
	activeGauge     metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runTotal, err = meter.Int64Counter(
			"evolve_transaction_run_total",
			metric.WithDescription("Total number of transaction runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"evolve_transaction_rollback_total",
			metric.WithDescription("Total number of rollbacks by failure kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"evolve_transaction_duration_seconds",
			metric.WithDescription("Duration of transaction runs in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commandsPerRun, err = meter.Int64Histogram(
			"evolve_transaction_commands",
			metric.WithDescription("Number of edit commands per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		compileDuration, err = meter.Float64Histogram(
			"evolve_transaction_compile_duration_seconds",
			metric.WithDescription("Duration of the compile step in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		compiledUnits, err = meter.Int64Histogram(
			"evolve_transaction_compiled_units",
			metric.WithDescription("Number of source units compiled per commit"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"evolve_transaction_active",
			metric.WithDescription("Number of transactions currently running"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRun records a finished transaction.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the run took.
//   - commands: Number of commands in the batch.
//   - status: Terminal status.
func recordRun(ctx context.Context, duration time.Duration, commands int, status Status) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	runTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, duration.Seconds(), attrs)
	commandsPerRun.Record(ctx, int64(commands), attrs)
}

// recordRollback records a rollback and why it happened.
func recordRollback(ctx context.Context, kind FailureKind) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(kind)),
	))
}

// recordCompile records one compile step.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - units: Number of source units compiled.
//   - safe: Whether the batch was incremental.
//   - duration: How long compilation took.
//   - success: Whether compilation succeeded.
func recordCompile(ctx context.Context, units int, safe bool, duration time.Duration, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	mode := "incremental"
	if !safe {
		mode = "full"
	}
	status := "success"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	compileDuration.Record(ctx, duration.Seconds(), attrs)
	compiledUnits.Record(ctx, int64(units), attrs)
}

// incActive increments the running transaction gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the running transaction gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
