// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction applies batches of structural edits atomically.
//
// A Transaction is an ordered queue of edit commands. The Executor runs
// them in order, and either compiles and publishes the result as one new
// version per affected type, or undoes every executed command in reverse
// order and reports a single *Error.
package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/edit"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending     Status = "pending"
	StatusExecuting   Status = "executing"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

var (
	// ErrNotPending indicates Run on a transaction that already ran.
	ErrNotPending = errors.New("transaction is not pending")

	// ErrEmpty indicates a transaction without commands.
	ErrEmpty = errors.New("transaction has no commands")

	// ErrCompileFailed indicates the committed source did not compile.
	ErrCompileFailed = errors.New("compile failed")

	// ErrTransformFailed indicates the source transform step failed.
	ErrTransformFailed = errors.New("source transform failed")

	// ErrLookupFailed indicates a compiled type could not be found under
	// its expected versioned name. This is a configuration error: the
	// transform step did not produce versioned names.
	ErrLookupFailed = errors.New("compiled type not found")

	// ErrPublishFailed indicates the registry rejected the new versions.
	ErrPublishFailed = errors.New("publishing versions failed")

	// ErrRollbackFailed indicates at least one undo failed. The content of
	// the affected classes is undefined.
	ErrRollbackFailed = errors.New("rollback failed")
)

// FailureKind classifies why a transaction did not commit.
type FailureKind string

const (
	FailureEditConflict FailureKind = "edit_conflict"
	FailureTransform    FailureKind = "transform"
	FailureCompile      FailureKind = "compile"
	FailureLookup       FailureKind = "lookup"
	FailurePublish      FailureKind = "publish"
	FailurePanic        FailureKind = "panic"
)

// Error is the single error a failed transaction returns.
//
// # Description
//
// Cause is the original failure. Diagnostics carries the raw compiler
// text for compile failures. RollbackErr is set only when undoing failed
// too.
type Error struct {
	TransactionID string
	Kind          FailureKind
	Command       string
	Cause         error
	Diagnostics   string
	RollbackErr   error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s failed (%s)", e.TransactionID, e.Kind)
	if e.Command != "" {
		fmt.Fprintf(&b, " at %q", e.Command)
	}
	fmt.Fprintf(&b, ": %v", e.Cause)
	if e.Diagnostics != "" {
		b.WriteString("\n")
		b.WriteString(e.Diagnostics)
	}
	if e.RollbackErr != nil {
		fmt.Fprintf(&b, "; rollback: %v", e.RollbackErr)
	}
	return b.String()
}

// Unwrap exposes the cause and the rollback error.
func (e *Error) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Cause, e.RollbackErr}
	}
	return []error{e.Cause}
}

// Is maps the failure kind onto its sentinel.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCompileFailed:
		return e.Kind == FailureCompile
	case ErrTransformFailed:
		return e.Kind == FailureTransform
	case ErrLookupFailed:
		return e.Kind == FailureLookup
	case ErrPublishFailed:
		return e.Kind == FailurePublish
	case ErrRollbackFailed:
		return e.RollbackErr != nil
	}
	return false
}

// Transaction is an ordered batch of edits.
//
// # Thread Safety
//
// A Transaction is owned by one goroutine until Run returns.
type Transaction struct {
	ID        string
	Reason    string
	StartedAt time.Time
	Status    Status

	// Safe is the AND of IsSafe over every executed command.
	Safe bool

	queue    []edit.Command
	executed []edit.Command
	touched  map[string]*content.ClassContent
	err      error
}

// New creates a pending transaction.
func New(reason string, cmds ...edit.Command) *Transaction {
	return &Transaction{
		ID:      uuid.New().String(),
		Reason:  reason,
		Status:  StatusPending,
		Safe:    true,
		queue:   append([]edit.Command(nil), cmds...),
		touched: make(map[string]*content.ClassContent),
	}
}

// Add appends commands to a pending transaction.
func (tx *Transaction) Add(cmds ...edit.Command) error {
	if tx.Status != StatusPending {
		return ErrNotPending
	}
	tx.queue = append(tx.queue, cmds...)
	return nil
}

// Len returns the number of queued commands.
func (tx *Transaction) Len() int { return len(tx.queue) + len(tx.executed) }

// Duration returns the time since the transaction started running.
func (tx *Transaction) Duration() time.Duration {
	if tx.StartedAt.IsZero() {
		return 0
	}
	return time.Since(tx.StartedAt)
}

// Err returns the failure of a finished transaction.
func (tx *Transaction) Err() error { return tx.err }

// TypeVersion names one published version.
type TypeVersion struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// Result describes a committed transaction.
type Result struct {
	TransactionID string        `json:"transaction_id"`
	Status        Status        `json:"status"`
	Duration      time.Duration `json:"duration"`
	Commands      int           `json:"commands"`
	Safe          bool          `json:"safe"`
	Compiled      int           `json:"compiled"`
	Published     []TypeVersion `json:"published"`
}
