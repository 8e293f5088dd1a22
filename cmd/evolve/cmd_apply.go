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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evolve/services/evolve/config"
	"github.com/AleutianAI/evolve/services/evolve/edit"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var (
		reason string
		asJSON bool
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "apply <batch.yaml>",
		Short: "Run an edit batch against the corpus as one transaction",
		Long: `Loads the corpus, runs every edit of the batch file as one
transaction and, on commit, writes the changed class sources back to the
corpus directory. A failed batch changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			batch, err := edit.ParseBatch(data)
			if err != nil {
				return err
			}
			if reason != "" {
				batch.Reason = reason
			}

			engine, err := loadEngine(cmd, opts, func(cfg *config.Config) {
				if dryRun {
					cfg.Corpus.WriteBack = false
					cfg.Archive.Enabled = false
				}
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.ApplyBatch(cmd.Context(), batch)
			if err != nil {
				printDiagnostics(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "transaction %s committed in %s (%d edits, %d compiled)\n",
				res.TransactionID, res.Duration, res.Commands, res.Compiled)
			for _, tv := range res.Published {
				fmt.Fprintf(out, "  %s -> version %d\n", tv.Type, tv.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Override the batch reason")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compile and commit in memory only")
	return cmd
}
