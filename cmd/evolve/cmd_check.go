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
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evolve/services/evolve"
	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/config"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [dir]",
		Short: "Compile the class corpus and list its classes",
		Long: `Loads every <Class>.yaml in the corpus directory, compiles the
corpus as one batch and prints the resulting classes. Nothing is written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd, opts, func(cfg *config.Config) {
				if len(args) == 1 {
					cfg.Corpus.Dir = args[0]
				}
				cfg.Corpus.WriteBack = false
				cfg.Archive.Enabled = false
			})
			if err != nil {
				return err
			}
			defer engine.Close()
			return printTypes(cmd.OutOrStdout(), engine.Types())
		},
	}
}

// loadEngine builds an engine and loads the configured corpus.
func loadEngine(cmd *cobra.Command, opts *rootOptions, mutate func(*config.Config)) (*evolve.Engine, error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := evolve.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := engine.LoadCorpus(cmd.Context(), cfg.Corpus.Dir); err != nil {
		engine.Close()
		printDiagnostics(cmd.ErrOrStderr(), err)
		return nil, err
	}
	return engine, nil
}

func printDiagnostics(w io.Writer, err error) {
	var failure *compiler.Failure
	if errors.As(err, &failure) {
		fmt.Fprintln(w, failure.Text())
	}
}

func printTypes(w io.Writer, types []*class.VersionedType) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tVERSION\tSUPER\tFIELDS\tMETHODS")
	for _, vt := range types {
		super := "-"
		if vt.Super != nil {
			super = vt.Super.Original.Name()
		}
		methods := make([]string, 0, len(vt.Methods))
		for name := range vt.Methods {
			methods = append(methods, name)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
			vt.Original.Name(), vt.Version, super, len(vt.Fields), joinSorted(methods))
	}
	return tw.Flush()
}

func joinSorted(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
