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
	"sort"
	"strconv"
	"strings"
)

// versionSeparator joins a simple class name and a version number in the
// names handed to and returned by the compiler.
const versionSeparator = "_NewVersion_"

// CreatorName is the generated name of the upgrade operation.
const CreatorName = "_creator"

const (
	getterSuffix  = "_fieldGetter"
	setterSuffix  = "_fieldSetter"
	unarySuffix   = "_unary"
	invokerSuffix = "_invoker"
)

// VersionedName returns "<simple>_NewVersion_<version>".
func VersionedName(simple string, version int) string {
	return simple + versionSeparator + strconv.Itoa(version)
}

// ParseVersionedName splits a versioned name into simple name and version.
func ParseVersionedName(name string) (string, int, error) {
	i := strings.LastIndex(name, versionSeparator)
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadVersionedName, name)
	}
	v, err := strconv.Atoi(name[i+len(versionSeparator):])
	if err != nil || v < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadVersionedName, name)
	}
	return name[:i], v, nil
}

// GetterName returns the generated getter name for a field.
func GetterName(field string) string { return "_" + field + getterSuffix }

// SetterName returns the generated setter name for a field.
func SetterName(field string) string { return "_" + field + setterSuffix }

// UnaryName returns the generated compound-update name for a numeric field.
func UnaryName(field string) string { return "_" + field + unarySuffix }

// InvokerName returns the generated invoker name for an operation.
func InvokerName(op string) string { return "_" + op + invokerSuffix }

// AccessorKind classifies a generated accessor name.
type AccessorKind int

const (
	AccessorUnknown AccessorKind = iota
	AccessorCreator
	AccessorGetter
	AccessorSetter
	AccessorUnary
	AccessorInvoker
)

// String returns a readable accessor kind.
func (k AccessorKind) String() string {
	switch k {
	case AccessorCreator:
		return "creator"
	case AccessorGetter:
		return "getter"
	case AccessorSetter:
		return "setter"
	case AccessorUnary:
		return "unary"
	case AccessorInvoker:
		return "invoker"
	default:
		return "unknown"
	}
}

// ParseAccessor maps a generated accessor name back to its kind and member.
func ParseAccessor(name string) (AccessorKind, string) {
	if name == CreatorName {
		return AccessorCreator, ""
	}
	if !strings.HasPrefix(name, "_") {
		return AccessorUnknown, ""
	}
	body := name[1:]
	for _, c := range []struct {
		suffix string
		kind   AccessorKind
	}{
		{getterSuffix, AccessorGetter},
		{setterSuffix, AccessorSetter},
		{unarySuffix, AccessorUnary},
		{invokerSuffix, AccessorInvoker},
	} {
		if member, ok := strings.CutSuffix(body, c.suffix); ok && member != "" {
			return c.kind, member
		}
	}
	return AccessorUnknown, ""
}

// Surface is the generated accessor surface of one VersionedType.
type Surface struct {
	Creator  string
	Getters  map[string]string
	Setters  map[string]string
	Unaries  map[string]string
	Invokers map[string]string
}

// BuildSurface generates the accessor names for every member of vt.
func BuildSurface(vt *VersionedType) Surface {
	s := Surface{
		Creator:  CreatorName,
		Getters:  make(map[string]string, len(vt.Fields)),
		Setters:  make(map[string]string, len(vt.Fields)),
		Unaries:  make(map[string]string),
		Invokers: make(map[string]string, len(vt.Methods)),
	}
	for _, f := range vt.Fields {
		s.Getters[f.Name] = GetterName(f.Name)
		s.Setters[f.Name] = SetterName(f.Name)
		if f.Kind.IsNumeric() {
			s.Unaries[f.Name] = UnaryName(f.Name)
		}
	}
	for name := range vt.Methods {
		s.Invokers[name] = InvokerName(name)
	}
	return s
}

// Has reports whether the surface exposes the generated name.
func (s Surface) Has(name string) bool {
	kind, member := ParseAccessor(name)
	switch kind {
	case AccessorCreator:
		return s.Creator == name
	case AccessorGetter:
		return s.Getters[member] == name
	case AccessorSetter:
		return s.Setters[member] == name
	case AccessorUnary:
		return s.Unaries[member] == name
	case AccessorInvoker:
		return s.Invokers[member] == name
	default:
		return false
	}
}

// Names lists every generated name in sorted order.
func (s Surface) Names() []string {
	names := []string{s.Creator}
	for _, m := range []map[string]string{s.Getters, s.Setters, s.Unaries, s.Invokers} {
		for _, n := range m {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
