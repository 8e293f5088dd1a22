// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the evolve engine configuration.
//
// Values are resolved in three layers: Default, then the YAML file, then
// EVOLVE_* environment variables. The result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "EVOLVE_"

// ErrInvalid indicates a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	Corpus    CorpusConfig    `yaml:"corpus" envPrefix:"CORPUS_"`
	Runtime   RuntimeConfig   `yaml:"runtime" envPrefix:"RUNTIME_"`
	Compiler  CompilerConfig  `yaml:"compiler" envPrefix:"COMPILER_"`
	Archive   ArchiveConfig   `yaml:"archive" envPrefix:"ARCHIVE_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// CorpusConfig locates the class sources.
type CorpusConfig struct {
	// Dir holds one <Class>.yaml file per class.
	Dir string `yaml:"dir" env:"DIR"`

	// Watch applies external edits to Dir as transactions.
	Watch bool `yaml:"watch" env:"WATCH"`

	// WatchDebounce is the quiet period before a change batch is applied.
	WatchDebounce time.Duration `yaml:"watch_debounce" env:"WATCH_DEBOUNCE" validate:"gte=0"`

	// WatchRate bounds applied change batches per second.
	WatchRate float64 `yaml:"watch_rate" env:"WATCH_RATE" validate:"gte=0"`

	// WriteBack persists committed source to Dir.
	WriteBack bool `yaml:"write_back" env:"WRITE_BACK"`
}

// RuntimeConfig selects the instance protocol variant.
type RuntimeConfig struct {
	// Mode is "synchronized" or "simple".
	Mode string `yaml:"mode" env:"MODE" validate:"oneof=synchronized simple"`

	// Retention is "head" or "all".
	Retention string `yaml:"retention" env:"RETENTION" validate:"oneof=head all"`
}

// CompilerConfig tunes the compiler.
type CompilerConfig struct {
	// Workers bounds parallel parsing. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" env:"WORKERS" validate:"gte=0"`
}

// ArchiveConfig configures the source history archive.
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Path           string        `yaml:"path" env:"PATH" validate:"required_if=Enabled true InMemory false"`
	InMemory       bool          `yaml:"in_memory" env:"IN_MEMORY"`
	SyncWrites     bool          `yaml:"sync_writes" env:"SYNC_WRITES"`
	GCInterval     time.Duration `yaml:"gc_interval" env:"GC_INTERVAL" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" env:"GC_DISCARD_RATIO" validate:"gte=0,lte=1"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing" env:"TRACING"`
	Metrics bool `yaml:"metrics" env:"METRICS"`

	// TraceExporter is "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=stdout otlp"`

	// MetricExporter is "prometheus" or "stdout".
	MetricExporter string `yaml:"metric_exporter" env:"METRIC_EXPORTER" validate:"oneof=prometheus stdout"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	// ServiceName is reported as service.name.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`

	// Format is "auto", "text" or "json". Auto picks text on a terminal.
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=auto text json"`

	// File additionally writes JSON logs to this path.
	File string `yaml:"file" env:"FILE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Corpus: CorpusConfig{
			Dir:           "classes",
			WatchDebounce: 200 * time.Millisecond,
			WatchRate:     2,
			WriteBack:     true,
		},
		Runtime: RuntimeConfig{
			Mode:      "synchronized",
			Retention: "head",
		},
		Archive: ArchiveConfig{
			Path:           filepath.Join(".evolve", "archive"),
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8088"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			ServiceName:    "evolve",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults, applies the environment and validates.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer.
//
// # Outputs
//
//   - Config: The resolved configuration.
//   - error: Read, decode, environment or validation failure. Validation
//     failures wrap ErrInvalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals YAML into cfg, rejecting unknown keys.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Write saves cfg as YAML, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
