// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evolve manages a corpus of evolvable classes.
//
// Usage:
//
//	evolve check [dir]              compile the corpus and list its classes
//	evolve apply <batch.yaml>       run an edit batch against the corpus
//	evolve history <Class>          print archived versions of a class
//	evolve serve                    run the admin API and watch the corpus
//
// Configuration is read from --config (YAML), then EVOLVE_* environment
// variables, then flags.
//
// Example requests against a running server:
//
//	# List live versions
//	curl http://127.0.0.1:8088/v1/evolve/types | jq
//
//	# Add an attribute to Counter
//	curl -X POST http://127.0.0.1:8088/v1/evolve/transactions \
//	  -d '{"reason":"label","edits":[{"op":"add_field","class":"Counter","field":{"name":"label","type":"string"}}]}'
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
