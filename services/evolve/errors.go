// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolve

import "errors"

// Sentinel errors for the evolve engine.
var (
	// ErrUnknownClass indicates a class name with no defined type.
	ErrUnknownClass = errors.New("unknown class")

	// ErrAlreadyDefined indicates Define for a class that already exists.
	ErrAlreadyDefined = errors.New("class already defined")

	// ErrArchiveDisabled indicates a history query without an archive.
	ErrArchiveDisabled = errors.New("source archive is disabled")

	// ErrClosed indicates use of an engine after Close.
	ErrClosed = errors.New("engine is closed")
)
