// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package class

import "errors"

var (
	// ErrUnknownKind indicates a kind name that is not int, float, string or bool.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrKindMismatch indicates a value that cannot be represented in a kind.
	ErrKindMismatch = errors.New("kind mismatch")

	// ErrBadVersionedName indicates a name not of the form <Name>_NewVersion_<n>.
	ErrBadVersionedName = errors.New("malformed versioned name")
)
