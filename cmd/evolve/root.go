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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evolve/pkg/logging"
	"github.com/AleutianAI/evolve/services/evolve/config"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	corpusDir  string
	logLevel   string
	logFormat  string

	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "evolve",
		Short:         "Evolve classes at runtime through transactional edits",
		SilenceUsage:  true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to an evolve.yaml configuration file")
	root.PersistentFlags().StringVar(&opts.corpusDir, "corpus", "", "Class source directory (overrides corpus.dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: auto, text, json")

	root.AddCommand(
		newCheckCmd(opts),
		newApplyCmd(opts),
		newHistoryCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// load reads the configuration, applies flag overrides and installs the
// process logger.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.corpusDir != "" {
		cfg.Corpus.Dir = o.corpusDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cfg, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Log.Format),
		File:    cfg.Log.File,
		Service: cfg.Telemetry.ServiceName,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return cfg, fmt.Errorf("setting up logging: %w", err)
	}
	o.logger = logger
	slog.SetDefault(logger.Logger)
	return cfg, nil
}
