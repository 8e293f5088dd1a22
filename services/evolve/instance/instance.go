// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instance implements live objects that migrate lazily to the
// newest version of their type.
//
// Callers hold an *Instance for its whole life. The instance's physical
// storage is an Object of some versioned type; when the type advances,
// the first accessor to notice runs the creator, which allocates an
// Object of the latest version, copies the surviving attributes and makes
// it the instance's head.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

var (
	// ErrUnknownMember indicates an attribute or operation the current
	// version does not have.
	ErrUnknownMember = errors.New("unknown member")

	// ErrNotNumeric indicates a compound update on a non-numeric attribute.
	ErrNotNumeric = errors.New("attribute is not numeric")

	// ErrBadDiscriminant indicates a compound update selector outside 0..3.
	ErrBadDiscriminant = errors.New("bad unary discriminant")

	// ErrArity indicates a call with the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")

	// ErrUpgradeFailed indicates the creator could not build a shadow. The
	// instance is unchanged and the upgrade is retried on next access.
	ErrUpgradeFailed = errors.New("instance upgrade failed")
)

// Mode selects how accessors synchronize.
type Mode int

const (
	// ModeSynchronized guards every instance with its read/write monitor.
	ModeSynchronized Mode = iota

	// ModeSimple uses no monitor; callers serialize access per instance.
	ModeSimple
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "synchronized"
}

// Retention selects how much of the shadow chain stays reachable.
type Retention int

const (
	// RetainHead keeps only the root and the head; intermediate shadows
	// are reachable through weak back-pointers until collected.
	RetainHead Retention = iota

	// RetainAll keeps every shadow strongly reachable from the head.
	RetainAll
)

// UnaryOp selects one of the four compound updates.
type UnaryOp int

const (
	// PostIncrement returns the old value, then increments.
	PostIncrement UnaryOp = 0
	// PreIncrement increments, then returns the new value.
	PreIncrement UnaryOp = 1
	// PostDecrement returns the old value, then decrements.
	PostDecrement UnaryOp = 2
	// PreDecrement decrements, then returns the new value.
	PreDecrement UnaryOp = 3
)

// Valid reports whether op is one of the four discriminants.
func (op UnaryOp) Valid() bool { return op >= PostIncrement && op <= PreDecrement }

func (op UnaryOp) delta() int64 {
	if op == PostDecrement || op == PreDecrement {
		return -1
	}
	return 1
}

func (op UnaryOp) returnsOld() bool { return op == PostIncrement || op == PostDecrement }

// Registry is the slice of the version registry the runtime needs.
type Registry interface {
	Latest(t *class.OriginalType) (*class.VersionedType, error)
	LatestLocked(t *class.OriginalType) (*class.VersionedType, error)
}

// UpgradeHook runs after state has been copied into a new shadow and
// before the shadow is linked. Returning an error abandons the upgrade.
type UpgradeHook func(ctx context.Context, from, to *Object) error

// Option configures a Runtime.
type Option func(*Runtime)

// WithMode sets the synchronization mode.
func WithMode(m Mode) Option { return func(r *Runtime) { r.mode = m } }

// WithRetention sets the shadow retention policy.
func WithRetention(p Retention) Option { return func(r *Runtime) { r.retention = p } }

// WithUpgradeHook installs a hook run on every upgrade.
func WithUpgradeHook(h UpgradeHook) Option { return func(r *Runtime) { r.hook = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l.With("component", "instance.Runtime") }
}

// Runtime creates instances and runs their migrations.
//
// # Thread Safety
//
// A Runtime is safe for concurrent use. Instances are safe for concurrent
// use in ModeSynchronized only.
type Runtime struct {
	registry  Registry
	mode      Mode
	retention Retention
	hook      UpgradeHook
	logger    *slog.Logger

	upgrades atomic.Int64
	failures atomic.Int64
}

// NewRuntime creates a runtime over registry.
func NewRuntime(registry Registry, opts ...Option) *Runtime {
	r := &Runtime{
		registry: registry,
		logger:   slog.Default().With("component", "instance.Runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the synchronization mode.
func (r *Runtime) Mode() Mode { return r.mode }

// Stats reports how many upgrades succeeded and failed.
func (r *Runtime) Stats() (upgrades, failures int64) {
	return r.upgrades.Load(), r.failures.Load()
}

// New allocates an instance of the latest version of t.
//
// # Inputs
//
//   - t: The type to instantiate.
//   - init: Optional attribute values applied over the defaults.
//
// # Outputs
//
//   - *Instance: The instance, at t's current class version.
//   - error: Non-nil if t has no compiled version or init is invalid.
func (r *Runtime) New(t *class.OriginalType, init map[string]any) (*Instance, error) {
	vt, err := r.registry.Latest(t)
	if err != nil {
		return nil, fmt.Errorf("instantiating %s: %w", t.Name(), err)
	}
	root := newObject(vt)
	for name, v := range init {
		if err := root.set(name, v); err != nil {
			return nil, fmt.Errorf("instantiating %s: %w", t.Name(), err)
		}
	}
	in := &Instance{rt: r, original: t, root: root}
	in.version.Store(int64(vt.Version))
	return in, nil
}

// Instance is a live object addressed through its original type.
//
// # Description
//
// The fields mirror the migration protocol: version is the
// currentInstanceVersion, head is the newVersionRef (nil until the first
// upgrade) and every shadow's prev is its oldVersionRef. The root is the
// only owning reference to the initial object.
type Instance struct {
	rt       *Runtime
	original *class.OriginalType

	mon     sync.RWMutex
	version atomic.Int64
	root    *Object
	head    atomic.Pointer[Object]
}

// Type returns the original type.
func (in *Instance) Type() *class.OriginalType { return in.original }

// Version returns the currentInstanceVersion.
func (in *Instance) Version() int { return int(in.version.Load()) }

// Root returns the object the instance was created as.
func (in *Instance) Root() *Object { return in.root }

// Head returns the newest shadow, or nil if the instance never upgraded.
func (in *Instance) Head() *Object { return in.head.Load() }

// Current returns the head if there is one, else the root. It does not
// upgrade.
func (in *Instance) Current() *Object {
	if h := in.head.Load(); h != nil {
		return h
	}
	return in.root
}

// Stale reports whether the instance is behind its type's class version.
func (in *Instance) Stale() bool {
	return in.version.Load() < int64(in.original.CurrentVersion())
}

// acquire resolves the object to forward to, upgrading first if stale.
// The returned release must be called once the forwarded operation is
// done.
func (in *Instance) acquire(ctx context.Context) (*Object, func(), error) {
	if in.rt.mode == ModeSimple {
		if in.Stale() {
			if err := in.upgrade(ctx); err != nil {
				return nil, nil, err
			}
		}
		return in.Current(), func() {}, nil
	}

	for {
		in.mon.RLock()
		if !in.Stale() {
			return in.Current(), in.mon.RUnlock, nil
		}
		in.mon.RUnlock()

		in.mon.Lock()
		if in.Stale() {
			if err := in.upgrade(ctx); err != nil {
				in.mon.Unlock()
				return nil, nil, err
			}
		}
		in.mon.Unlock()
	}
}

// upgrade is the creator. In synchronized mode the caller holds the write
// lock.
func (in *Instance) upgrade(ctx context.Context) (err error) {
	rt := in.rt
	start := time.Now()
	expected := in.original.CurrentVersion()
	from := in.Current()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrUpgradeFailed, r)
		}
		if err != nil {
			rt.failures.Add(1)
			recordUpgrade(ctx, in.original.Name(), time.Since(start), false)
			rt.logger.Error("instance upgrade failed",
				"type", in.original.Name(),
				"instance_version", in.Version(),
				"class_version", expected,
				"error", err)
		}
	}()

	target, err := rt.registry.LatestLocked(in.original)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpgradeFailed, in.original.Name(), err)
	}
	if target.Version > expected {
		rt.logger.Debug("adopting newer registry version",
			"type", in.original.Name(),
			"expected", expected,
			"adopted", target.Version)
	}
	if target.Version < expected || int64(target.Version) <= in.version.Load() {
		return fmt.Errorf("%w: %s: registry has version %d, want %d", ErrUpgradeFailed, in.original.Name(), target.Version, expected)
	}

	shadow := newObject(target)
	copied, skipped := shadow.copyFrom(from)
	if rt.hook != nil {
		if err := rt.hook(ctx, from, shadow); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUpgradeFailed, in.original.Name(), err)
		}
	}

	shadow.prev = weak.Make(from)
	if rt.retention == RetainAll {
		shadow.prevStrong = from
	}
	in.head.Store(shadow)
	in.version.Store(int64(target.Version))

	rt.upgrades.Add(1)
	recordUpgrade(ctx, in.original.Name(), time.Since(start), true)
	rt.logger.Debug("instance upgraded",
		"type", in.original.Name(),
		"from", from.typ.Name,
		"to", target.Name,
		"copied", copied,
		"skipped", skipped)
	return nil
}

// Upgrade runs the creator if the instance is stale. It is what the
// generated creator accessor does.
func (in *Instance) Upgrade(ctx context.Context) error {
	_, release, err := in.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Get reads an attribute.
func (in *Instance) Get(ctx context.Context, name string) (any, error) {
	obj, release, err := in.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return obj.get(name)
}

// Set writes an attribute, coercing the value to its kind.
func (in *Instance) Set(ctx context.Context, name string, v any) error {
	obj, release, err := in.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return obj.set(name, v)
}

// Unary applies a compound update to a numeric attribute.
//
// # Inputs
//
//   - name: A numeric attribute.
//   - op: PostIncrement, PreIncrement, PostDecrement or PreDecrement.
//
// # Outputs
//
//   - any: The old value for the post forms, the new value otherwise.
//   - error: ErrNotNumeric, ErrBadDiscriminant, ErrUnknownMember or
//     ErrUpgradeFailed.
func (in *Instance) Unary(ctx context.Context, name string, op UnaryOp) (any, error) {
	obj, release, err := in.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return obj.unary(name, op)
}

// Invoke calls an operation with the given arguments.
func (in *Instance) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	obj, release, err := in.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return invoke(ctx, obj, op, args)
}

// Dispatch calls a generated accessor by name: "_creator",
// "_X_fieldGetter", "_X_fieldSetter", "_X_unary" or "_op_invoker".
//
// # Description
//
// The accessor must exist on the surface of the version the instance is
// at once any pending upgrade has run.
func (in *Instance) Dispatch(ctx context.Context, accessor string, args ...any) (any, error) {
	if err := in.Upgrade(ctx); err != nil {
		return nil, err
	}
	kind, member := class.ParseAccessor(accessor)
	if !in.Current().typ.Surface.Has(accessor) {
		return nil, fmt.Errorf("%w: %s has no accessor %s", ErrUnknownMember, in.original.Name(), accessor)
	}

	switch kind {
	case class.AccessorCreator:
		return nil, nil
	case class.AccessorGetter:
		return in.Get(ctx, member)
	case class.AccessorSetter:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes 1 argument", ErrArity, accessor)
		}
		return nil, in.Set(ctx, member, args[0])
	case class.AccessorUnary:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes 1 argument", ErrArity, accessor)
		}
		d, err := class.Coerce(class.KindInt, args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDiscriminant, args[0])
		}
		return in.Unary(ctx, member, UnaryOp(d.(int64)))
	default:
		return in.Invoke(ctx, member, args...)
	}
}

// Chain returns the objects reachable from the head back to the root,
// newest first. Collected intermediate shadows end the walk early.
func (in *Instance) Chain() []*Object {
	var out []*Object
	for o := in.Current(); o != nil; o = o.Prev() {
		out = append(out, o)
		if o == in.root {
			break
		}
	}
	return out
}
