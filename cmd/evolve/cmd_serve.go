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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/evolve/services/evolve"
	"github.com/AleutianAI/evolve/services/evolve/config"
	"github.com/AleutianAI/evolve/services/evolve/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr  string
		debug bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and apply corpus edits as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := loadEngine(cmd, opts, func(cfg *config.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			defer engine.Close()
			cfg := engine.Config()

			tel, err := setupTelemetry(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					slog.Warn("Telemetry shutdown failed", "error", err)
				}
			}()

			if cfg.Corpus.Watch {
				if err := engine.Watch(ctx); err != nil {
					return fmt.Errorf("watching corpus: %w", err)
				}
			}

			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			router := newRouter(engine, tel, cfg.Telemetry, debug)
			return runServer(ctx, cfg.Server.Addr, router)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable gin debug mode and request logging")
	return cmd
}

// setupTelemetry initializes tracing and metrics as configured.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.ServiceName
	tcfg.TraceExporter = "none"
	tcfg.MetricExporter = "none"
	if cfg.Tracing {
		tcfg.TraceExporter = cfg.TraceExporter
	}
	if cfg.Metrics {
		tcfg.MetricExporter = cfg.MetricExporter
	}
	if cfg.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	return telemetry.Init(ctx, tcfg)
}

func newRouter(engine *evolve.Engine, tel *telemetry.Telemetry, cfg config.TelemetryConfig, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	if cfg.Tracing {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	if h := tel.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	evolve.RegisterRoutes(v1, evolve.NewHandlers(engine))
	return router
}

// runServer serves until ctx is done, then drains in-flight requests.
func runServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting evolve server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down evolve server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
