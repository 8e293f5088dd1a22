// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compiler turns class source units into loadable versioned types.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

// SourceUnit is one serialized class handed to the transform and compile
// steps.
type SourceUnit struct {
	// Name is the simple class name.
	Name string

	// Original is the identity the compiled type belongs to.
	Original *class.OriginalType

	// Version is the version the unit compiles to.
	Version int

	// Path is where the source lives, if anywhere.
	Path string

	// Text is the source.
	Text string
}

// VersionedName returns the name the unit is expected to compile to.
func (u SourceUnit) VersionedName() string {
	return class.VersionedName(u.Name, u.Version)
}

// Transformer rewrites source units before compilation.
type Transformer interface {
	Transform(ctx context.Context, units []SourceUnit) ([]SourceUnit, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, units []SourceUnit) ([]SourceUnit, error)

// Transform implements Transformer.
func (f TransformFunc) Transform(ctx context.Context, units []SourceUnit) ([]SourceUnit, error) {
	return f(ctx, units)
}

// Renamer is the default transform. It renames each class to its
// versioned name and records the simple name as the origin, which is what
// lets the compiled type be found again after compilation.
type Renamer struct{}

// Transform implements Transformer.
func (Renamer) Transform(ctx context.Context, units []SourceUnit) ([]SourceUnit, error) {
	out := make([]SourceUnit, len(units))
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decl, err := schema.Parse(u.Text)
		if err != nil {
			return nil, fmt.Errorf("transforming %s: %w", u.Name, err)
		}
		if decl.SimpleName() != u.Name {
			return nil, fmt.Errorf("transforming %s: source declares class %s", u.Name, decl.SimpleName())
		}
		decl.Origin = u.Name
		decl.Class = u.VersionedName()
		text, err := schema.Marshal(decl)
		if err != nil {
			return nil, fmt.Errorf("transforming %s: %w", u.Name, err)
		}
		u.Text = text
		out[i] = u
	}
	return out, nil
}

// Diagnostic is one compiler complaint.
type Diagnostic struct {
	Unit    string
	Member  string
	Message string
}

// String formats the diagnostic as "<unit>[.<member>]: <message>".
func (d Diagnostic) String() string {
	if d.Member == "" {
		return d.Unit + ": " + d.Message
	}
	return d.Unit + "." + d.Member + ": " + d.Message
}

// Failure is a structured compile failure.
type Failure struct {
	Diagnostics []Diagnostic
}

// Error implements error.
func (f *Failure) Error() string {
	if len(f.Diagnostics) == 1 {
		return "compile failed: " + f.Diagnostics[0].String()
	}
	return fmt.Sprintf("compile failed with %d diagnostics: %s", len(f.Diagnostics), f.Diagnostics[0].String())
}

// Text returns every diagnostic, one per line.
func (f *Failure) Text() string {
	lines := make([]string, len(f.Diagnostics))
	for i, d := range f.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Resolver supplies already compiled types that a batch may extend.
type Resolver interface {
	LatestByName(name string) (*class.VersionedType, bool)
}

// Compiler compiles a batch of units.
//
// The result maps the compiled class name, as written in each unit after
// transformation, to its versioned type. A failed compile returns a
// *Failure.
type Compiler interface {
	Compile(ctx context.Context, units []SourceUnit, resolver Resolver) (map[string]*class.VersionedType, error)
}
