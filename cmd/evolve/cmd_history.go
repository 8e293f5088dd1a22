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
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evolve/services/evolve/archive"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "history <Class>",
		Short: "Print the archived versions of a class",
		Long: `Reads the source archive. With --version, prints the source of
that version from the newest run that committed it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if !cfg.Archive.Enabled || cfg.Archive.InMemory {
				return errors.New("archive is not enabled on disk; set archive.enabled and archive.path")
			}

			a, err := archive.Open(archive.Config{
				Path:     cfg.Archive.Path,
				ReadOnly: true,
				Logger:   slog.Default().With("component", "badger"),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("version") {
				e, err := a.Get(cmd.Context(), args[0], version)
				if err != nil {
					return err
				}
				fmt.Fprint(out, e.Text)
				return nil
			}

			entries, err := a.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("%w: %s", archive.ErrNotFound, args[0])
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GENERATION\tVERSION\tCOMMITTED\tPATH")
			for _, e := range entries {
				path := e.Path
				if path == "" {
					path = "-"
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", e.Generation, e.Version, e.CommittedAt.Format(time.RFC3339), path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Print the source of this version")
	return cmd
}
