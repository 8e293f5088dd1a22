// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/schema"
	"github.com/AleutianAI/evolve/services/evolve/script"
)

// selfRef matches self.name and self:name in operation bodies.
var selfRef = regexp.MustCompile(`\bself\s*[.:]\s*([A-Za-z_][A-Za-z0-9_]*)`)

// LuaCompiler compiles YAML class source with Lua operation bodies.
//
// # Description
//
// Units are parsed concurrently, then built in superclass order so that a
// unit extending another unit of the same batch sees the new layout.
// Superclasses outside the batch come from the Resolver. Every problem
// found is reported; compilation does not stop at the first one.
//
// A body referring to self.<name> where name is not an attribute or
// operation of the flattened type is rejected here, so removing an
// attribute that is still used fails the edit batch instead of failing at
// run time.
//
// # Thread Safety
//
// Compile is safe for concurrent use.
type LuaCompiler struct {
	// Workers bounds concurrent parsing. Zero means GOMAXPROCS.
	Workers int

	logger *slog.Logger
}

// NewLuaCompiler creates a compiler.
func NewLuaCompiler() *LuaCompiler {
	return &LuaCompiler{
		logger: slog.Default().With("component", "compiler.LuaCompiler"),
	}
}

type parsedUnit struct {
	unit  SourceUnit
	decl  *schema.ClassDecl
	diags []Diagnostic
}

type build struct {
	units    map[string]*parsedUnit
	resolver Resolver
	built    map[string]*class.VersionedType
	state    map[string]int
	diags    []Diagnostic
}

const (
	unvisited = iota
	visiting
	done
)

// Compile implements Compiler.
func (c *LuaCompiler) Compile(ctx context.Context, units []SourceUnit, resolver Resolver) (map[string]*class.VersionedType, error) {
	start := time.Now()
	parsed, err := c.parseAll(ctx, units)
	if err != nil {
		return nil, err
	}

	b := &build{
		units:    make(map[string]*parsedUnit, len(parsed)),
		resolver: resolver,
		built:    make(map[string]*class.VersionedType, len(parsed)),
		state:    make(map[string]int, len(parsed)),
	}
	for _, p := range parsed {
		b.diags = append(b.diags, p.diags...)
		if p.decl == nil {
			continue
		}
		name := p.decl.SimpleName()
		if _, dup := b.units[name]; dup {
			b.diags = append(b.diags, Diagnostic{Unit: p.unit.Name, Message: fmt.Sprintf("class %s appears twice in the batch", name)})
			continue
		}
		b.units[name] = p
	}

	names := make([]string, 0, len(b.units))
	for name := range b.units {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.visit(name)
	}

	if len(b.diags) == 0 {
		b.diags = c.checkBodies(ctx, b)
	}
	if len(b.diags) > 0 {
		sort.SliceStable(b.diags, func(i, j int) bool { return b.diags[i].Unit < b.diags[j].Unit })
		c.logger.Warn("compile failed",
			"units", len(units),
			"diagnostics", len(b.diags),
			"duration", time.Since(start))
		return nil, &Failure{Diagnostics: b.diags}
	}

	out := make(map[string]*class.VersionedType, len(b.built))
	for name, vt := range b.built {
		prog, err := script.NewProgram(vt)
		if err != nil {
			return nil, &Failure{Diagnostics: []Diagnostic{{Unit: vt.Name, Message: err.Error()}}}
		}
		vt.Runner = prog
		out[b.units[name].decl.Class] = vt
	}
	c.logger.Debug("compiled units",
		"units", len(units),
		"duration", time.Since(start))
	return out, nil
}

func (c *LuaCompiler) parseAll(ctx context.Context, units []SourceUnit) ([]*parsedUnit, error) {
	out := make([]*parsedUnit, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())
	for i, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := &parsedUnit{unit: u}
			decl, err := schema.Parse(u.Text)
			switch {
			case err != nil:
				p.diags = append(p.diags, Diagnostic{Unit: u.Name, Message: err.Error()})
			case u.Original == nil:
				p.diags = append(p.diags, Diagnostic{Unit: u.Name, Message: "unit has no original type"})
			case decl.SimpleName() != u.Name:
				p.diags = append(p.diags, Diagnostic{Unit: u.Name, Message: fmt.Sprintf("source declares class %s", decl.SimpleName())})
			default:
				p.decl = decl
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LuaCompiler) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (b *build) fail(unit, member, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{Unit: unit, Member: member, Message: fmt.Sprintf(format, args...)})
}

// visit builds the named unit after its in-batch superclass.
func (b *build) visit(name string) *class.VersionedType {
	switch b.state[name] {
	case done:
		return b.built[name]
	case visiting:
		b.fail(name, "", "inheritance cycle through %s", name)
		return nil
	}
	b.state[name] = visiting
	defer func() { b.state[name] = done }()

	p := b.units[name]
	var super *class.VersionedType
	if ext := p.decl.Extends; ext != "" {
		if _, inBatch := b.units[ext]; inBatch {
			super = b.visit(ext)
			if super == nil {
				b.fail(name, "", "superclass %s did not compile", ext)
				return nil
			}
		} else {
			var ok bool
			if b.resolver != nil {
				super, ok = b.resolver.LatestByName(ext)
			}
			if !ok {
				b.fail(name, "", "unknown superclass %s", ext)
				return nil
			}
		}
		if super.Original == p.unit.Original || super.IsSubtypeOf(name) {
			b.fail(name, "", "inheritance cycle through %s", ext)
			return nil
		}
	}

	vt := b.flatten(p, super)
	if vt != nil {
		b.built[name] = vt
	}
	return vt
}

func (b *build) flatten(p *parsedUnit, super *class.VersionedType) *class.VersionedType {
	name := p.unit.Name
	before := len(b.diags)

	var fields []class.Field
	methods := make(map[string]*class.Method)
	if super != nil {
		fields = append(fields, super.Fields...)
		for n, m := range super.Methods {
			methods[n] = m
		}
	}

	inherited := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		inherited[f.Name] = struct{}{}
	}
	for _, fd := range p.decl.Fields {
		if _, ok := inherited[fd.Name]; ok {
			b.fail(name, fd.Name, "redeclares inherited attribute")
			continue
		}
		if _, ok := methods[fd.Name]; ok {
			b.fail(name, fd.Name, "attribute shadows inherited operation")
			continue
		}
		kind, err := class.ParseKind(fd.Type)
		if err != nil {
			b.fail(name, fd.Name, "%v", err)
			continue
		}
		def, err := class.Coerce(kind, fd.Default)
		if err != nil {
			b.fail(name, fd.Name, "bad default: %v", err)
			continue
		}
		fields = append(fields, class.Field{Name: fd.Name, Kind: kind, Default: def, Declarer: name})
	}

	for _, md := range p.decl.Methods {
		if _, ok := inherited[md.Name]; ok {
			b.fail(name, md.Name, "operation shadows inherited attribute")
			continue
		}
		m, err := toMethod(md, name)
		if err != nil {
			b.fail(name, md.Name, "%v", err)
			continue
		}
		if prev, ok := methods[md.Name]; ok && !sameSignature(prev, m) {
			b.fail(name, md.Name, "incompatible override of %s.%s", prev.Declarer, prev.Name)
			continue
		}
		methods[md.Name] = m
	}

	if len(b.diags) > before {
		return nil
	}

	vt := class.NewVersionedType(p.unit.Original, p.unit.Version, fields, methods)
	vt.Super = super
	vt.Annotations = append([]string(nil), p.decl.Annotations...)
	vt.Imports = append([]string(nil), p.decl.Imports...)
	return vt
}

func toMethod(md schema.MethodDecl, declarer string) (*class.Method, error) {
	m := &class.Method{Name: md.Name, Body: md.Body, Declarer: declarer}
	if md.Returns != "" {
		k, err := class.ParseKind(md.Returns)
		if err != nil {
			return nil, err
		}
		m.Returns = k
	}
	for _, pd := range md.Params {
		k, err := class.ParseKind(pd.Type)
		if err != nil {
			return nil, err
		}
		m.Params = append(m.Params, class.Param{Name: pd.Name, Kind: k})
	}
	return m, nil
}

func sameSignature(a, b *class.Method) bool {
	if a.Returns != b.Returns || len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i].Kind != b.Params[i].Kind {
			return false
		}
	}
	return true
}

// checkBodies loads every body declared in the batch and resolves its self
// references against the flattened type.
func (c *LuaCompiler) checkBodies(ctx context.Context, b *build) []Diagnostic {
	var (
		mu    sync.Mutex
		diags []Diagnostic
	)
	add := func(d Diagnostic) {
		mu.Lock()
		diags = append(diags, d)
		mu.Unlock()
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())
	for name, vt := range b.built {
		for _, m := range vt.Methods {
			if m.Declarer != name {
				continue
			}
			g.Go(func() error {
				if err := script.Check(vt.Name, m); err != nil {
					add(Diagnostic{Unit: name, Member: m.Name, Message: err.Error()})
					return nil
				}
				for _, ref := range selfRef.FindAllStringSubmatch(m.Body, -1) {
					member := ref[1]
					if _, ok := vt.Field(member); ok {
						continue
					}
					if _, ok := vt.Method(member); ok {
						continue
					}
					if kind, _ := class.ParseAccessor(member); kind == class.AccessorUnary && vt.Surface.Has(member) {
						continue
					}
					add(Diagnostic{Unit: name, Member: m.Name, Message: fmt.Sprintf("reference to unknown member self.%s", member)})
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return diags
}
