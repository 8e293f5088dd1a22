// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.evolve.instance")

var (
	upgradeTotal    metric.Int64Counter
	upgradeDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
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

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		upgradeTotal, err = meter.Int64Counter(
			"evolve_instance_upgrade_total",
			metric.WithDescription("Total number of lazy instance upgrades"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		upgradeDuration, err = meter.Float64Histogram(
			"evolve_instance_upgrade_duration_seconds",
			metric.WithDescription("Time spent building shadow objects"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordUpgrade records one creator run.
func recordUpgrade(ctx context.Context, typeName string, duration time.Duration, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("type", typeName),
		attribute.String("status", status),
	)
	upgradeTotal.Add(ctx, 1, attrs)
	upgradeDuration.Record(ctx, duration.Seconds(), attrs)
}
