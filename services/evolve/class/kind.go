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

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the value kind of an attribute, parameter or return value.
type Kind string

const (
	// KindVoid marks an operation without a return value.
	KindVoid Kind = ""

	// KindInt values are stored as int64.
	KindInt Kind = "int"

	// KindFloat values are stored as float64.
	KindFloat Kind = "float"

	// KindString values are stored as string.
	KindString Kind = "string"

	// KindBool values are stored as bool.
	KindBool Kind = "bool"
)

// ParseKind validates a kind name from source text.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindInt, KindFloat, KindString, KindBool:
		return k, nil
	default:
		return KindVoid, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// IsNumeric reports whether the kind supports compound unary updates.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

// Zero returns the zero value of the kind.
func (k Kind) Zero() any {
	switch k {
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindString:
		return ""
	case KindBool:
		return false
	default:
		return nil
	}
}

// Coerce normalises v to the Go representation of kind k.
//
// # Description
//
// Integers of any width become int64, floats become float64. A float is
// accepted for an int kind only if it is integral, which is how numbers
// come back from operation bodies. Strings are parsed when the target is
// numeric or bool so defaults written as text in source are accepted.
//
// # Outputs
//
//   - any: The normalised value.
//   - error: ErrKindMismatch wrapped with detail if v cannot be represented.
func Coerce(k Kind, v any) (any, error) {
	if k == KindVoid {
		return nil, nil
	}
	if v == nil {
		return k.Zero(), nil
	}

	switch k {
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			if n > math.MaxInt64 {
				break
			}
			return int64(n), nil
		case float32:
			return floatToInt(float64(n))
		case float64:
			return floatToInt(n)
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err == nil {
				return i, nil
			}
		}

	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err == nil {
				return f, nil
			}
		}

	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}

	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err == nil {
				return parsed, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: cannot use %v (%T) as %s", ErrKindMismatch, v, v, k)
}

func floatToInt(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %v is not integral", ErrKindMismatch, f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("%w: %v overflows int", ErrKindMismatch, f)
	}
	return int64(f), nil
}
