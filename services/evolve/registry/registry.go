// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maps every original type to its ordered list of compiled
// versions.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

var (
	// ErrUnknownType indicates a type that was never defined.
	ErrUnknownType = errors.New("unknown type")

	// ErrUnknownVersion indicates a version that was never registered.
	ErrUnknownVersion = errors.New("unknown version")

	// ErrVersionOrder indicates a registration that would leave a gap or
	// overwrite an existing version.
	ErrVersionOrder = errors.New("version out of order")

	// ErrTypeInUse indicates Forget for a type that already has versions.
	ErrTypeInUse = errors.New("type has published versions")
)

type key struct {
	id      uint64
	version int
}

// Registry is the version table of one engine.
//
// # Description
//
// Versions are keyed by (type identity, version number). The string form
// "<Name>_NewVersion_<n>" is only used at the compiler boundary; Lookup
// accepts it for callers holding a compiled name.
//
// Publish is the only way the live class version advances. It runs under
// the latest-version lock, which LatestLocked also takes, so an instance
// upgrading concurrently with a commit either sees the whole publication
// or none of it.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*class.OriginalType
	versions map[uint64][]*class.VersionedType
	table    map[key]*class.VersionedType

	latestMu sync.Mutex
	logger   *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types:    make(map[string]*class.OriginalType),
		versions: make(map[uint64][]*class.VersionedType),
		table:    make(map[key]*class.VersionedType),
		logger:   slog.Default().With("component", "registry.Registry"),
	}
}

// Define returns the original type for name, creating it on first use.
func (r *Registry) Define(name string) *class.OriginalType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.types[name]; ok {
		return t
	}
	t := class.NewOriginalType(name)
	r.types[name] = t
	r.logger.Debug("type defined", "type", name, "id", t.ID())
	return t
}

// Forget removes a type that never had a version published. It undoes a
// Define whose first compile failed.
func (r *Registry) Forget(t *class.OriginalType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.types[t.Name()] != t {
		return fmt.Errorf("%w: %s", ErrUnknownType, t.Name())
	}
	if len(r.versions[t.ID()]) > 0 {
		return fmt.Errorf("%w: %s", ErrTypeInUse, t.Name())
	}
	delete(r.types, t.Name())
	delete(r.versions, t.ID())
	return nil
}

// Original returns the original type for name.
func (r *Registry) Original(name string) (*class.OriginalType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types returns all defined types ordered by name.
func (r *Registry) Types() []*class.OriginalType {
	r.mu.RLock()
	out := make([]*class.OriginalType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Register appends vt to its type's version list.
//
// # Outputs
//
//   - error: ErrUnknownType if vt's original type belongs to another
//     registry, ErrVersionOrder if vt.Version is not the next version.
func (r *Registry) Register(vt *class.VersionedType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(vt)
}

func (r *Registry) registerLocked(vt *class.VersionedType) error {
	t := vt.Original
	if r.types[t.Name()] != t {
		return fmt.Errorf("%w: %s", ErrUnknownType, t.Name())
	}
	list := r.versions[t.ID()]
	if vt.Version != len(list) {
		return fmt.Errorf("%w: %s has %d versions, got %d", ErrVersionOrder, t.Name(), len(list), vt.Version)
	}
	r.versions[t.ID()] = append(list, vt)
	r.table[key{t.ID(), vt.Version}] = vt
	return nil
}

// Publish registers vts and advances each type's live class version.
//
// # Description
//
// Every version is checked before any is registered, so a bad entry leaves
// the registry untouched. Registration and the live version bump happen
// under the latest-version lock.
//
// # Inputs
//
//   - vts: At most one new version per type.
//
// # Outputs
//
//   - error: ErrVersionOrder or ErrUnknownType; nothing was published.
func (r *Registry) Publish(vts ...*class.VersionedType) error {
	r.latestMu.Lock()
	defer r.latestMu.Unlock()

	r.mu.Lock()
	seen := make(map[uint64]struct{}, len(vts))
	for _, vt := range vts {
		t := vt.Original
		if r.types[t.Name()] != t {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownType, t.Name())
		}
		if _, dup := seen[t.ID()]; dup || vt.Version != len(r.versions[t.ID()]) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s version %d", ErrVersionOrder, t.Name(), vt.Version)
		}
		seen[t.ID()] = struct{}{}
	}
	for _, vt := range vts {
		if err := r.registerLocked(vt); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()

	for _, vt := range vts {
		vt.Original.Advance(vt.Version)
		r.logger.Info("version published",
			"type", vt.Original.Name(),
			"version", vt.Version,
			"fields", len(vt.Fields),
			"methods", len(vt.Methods))
	}
	return nil
}

// Version returns version n of t.
func (r *Registry) Version(t *class.OriginalType, n int) (*class.VersionedType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vt, ok := r.table[key{t.ID(), n}]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrUnknownVersion, t.Name(), n)
	}
	return vt, nil
}

// Latest returns the version matching t's live class version.
func (r *Registry) Latest(t *class.OriginalType) (*class.VersionedType, error) {
	return r.Version(t, t.CurrentVersion())
}

// LatestLocked is Latest taken under the latest-version lock. It waits for
// any in-flight Publish to finish.
func (r *Registry) LatestLocked(t *class.OriginalType) (*class.VersionedType, error) {
	r.latestMu.Lock()
	defer r.latestMu.Unlock()
	return r.Latest(t)
}

// LatestByName returns the latest version of the type named name.
func (r *Registry) LatestByName(name string) (*class.VersionedType, bool) {
	t, ok := r.Original(name)
	if !ok {
		return nil, false
	}
	vt, err := r.Latest(t)
	if err != nil {
		return nil, false
	}
	return vt, true
}

// Versions returns every registered version of t in order.
func (r *Registry) Versions(t *class.OriginalType) []*class.VersionedType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*class.VersionedType(nil), r.versions[t.ID()]...)
}

// Lookup resolves a compiled name of the form "<Name>_NewVersion_<n>".
func (r *Registry) Lookup(name string) (*class.VersionedType, error) {
	simple, n, err := class.ParseVersionedName(name)
	if err != nil {
		return nil, err
	}
	t, ok := r.Original(simple)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, simple)
	}
	return r.Version(t, n)
}
