// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/evolve/services/evolve/class"
	"github.com/AleutianAI/evolve/services/evolve/content"
	"github.com/AleutianAI/evolve/services/evolve/schema"
)

// ErrBadSpec indicates an edit description that cannot be turned into a
// command.
var ErrBadSpec = errors.New("invalid edit spec")

// Op names an edit kind.
type Op string

const (
	OpAddField          Op = "add_field"
	OpRemoveField       Op = "remove_field"
	OpAddMethod         Op = "add_method"
	OpRemoveMethod      Op = "remove_method"
	OpReplaceMethodBody Op = "replace_method_body"
	OpSetSuperclass     Op = "set_superclass"
	OpAddAnnotation     Op = "add_annotation"
	OpRemoveAnnotation  Op = "remove_annotation"
	OpAddImport         Op = "add_import"
	OpRemoveImport      Op = "remove_import"
	OpReplaceSource     Op = "replace_source"
)

// Spec is a declarative edit, as found in batch files and API requests.
type Spec struct {
	Op     Op                 `yaml:"op" json:"op" validate:"required,oneof=add_field remove_field add_method remove_method replace_method_body set_superclass add_annotation remove_annotation add_import remove_import replace_source"`
	Class  string             `yaml:"class" json:"class" validate:"required"`
	Field  *schema.FieldDecl  `yaml:"field,omitempty" json:"field,omitempty" validate:"-"`
	Method *schema.MethodDecl `yaml:"method,omitempty" json:"method,omitempty" validate:"-"`

	// Name is the member, annotation, import or superclass the edit
	// addresses.
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Body   string `yaml:"body,omitempty" json:"body,omitempty"`
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Batch is an ordered list of edits applied as one transaction.
type Batch struct {
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	Edits  []Spec `yaml:"edits" json:"edits" validate:"required,min=1,dive"`
}

var (
	specValidate     *validator.Validate
	specValidateOnce sync.Once
)

func specValidator() *validator.Validate {
	specValidateOnce.Do(func() {
		specValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return specValidate
}

// ParseBatch decodes and validates a YAML (or JSON) batch document.
func ParseBatch(data []byte) (*Batch, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	if err := specValidator().Struct(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	return &b, nil
}

// Targets resolves class names to their original types.
type Targets interface {
	Original(name string) (*class.OriginalType, bool)
}

// Build turns one edit Spec into a command.
//
// # Outputs
//
//   - Command: The edit, not yet executed.
//   - error: ErrBadSpec if s is incomplete, or a *ConflictError if
//     the class is unknown.
func Build(store *content.Store, targets Targets, s Spec) (Command, error) {
	if err := specValidator().Struct(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	target, ok := targets.Original(s.Class)
	if !ok {
		return nil, conflict(s.Class, "", "unknown class")
	}

	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("%w: %s requires %s", ErrBadSpec, s.Op, what)
		}
		return nil
	}

	switch s.Op {
	case OpAddField:
		if err := need(s.Field != nil, "field"); err != nil {
			return nil, err
		}
		return NewAddField(store, target, *s.Field), nil
	case OpRemoveField:
		if err := need(s.Name != "", "name"); err != nil {
			return nil, err
		}
		return NewRemoveField(store, target, s.Name), nil
	case OpAddMethod:
		if err := need(s.Method != nil, "method"); err != nil {
			return nil, err
		}
		return NewAddMethod(store, target, *s.Method), nil
	case OpRemoveMethod:
		if err := need(s.Name != "", "name"); err != nil {
			return nil, err
		}
		return NewRemoveMethod(store, target, s.Name), nil
	case OpReplaceMethodBody:
		if err := need(s.Name != "", "name"); err != nil {
			return nil, err
		}
		return NewReplaceMethodBody(store, target, s.Name, s.Body), nil
	case OpSetSuperclass:
		return NewSetSuperclass(store, target, s.Name), nil
	case OpAddAnnotation, OpRemoveAnnotation, OpAddImport, OpRemoveImport:
		if err := need(s.Name != "", "name"); err != nil {
			return nil, err
		}
		switch s.Op {
		case OpAddAnnotation:
			return NewAddAnnotation(store, target, s.Name), nil
		case OpRemoveAnnotation:
			return NewRemoveAnnotation(store, target, s.Name), nil
		case OpAddImport:
			return NewAddImport(store, target, s.Name), nil
		default:
			return NewRemoveImport(store, target, s.Name), nil
		}
	case OpReplaceSource:
		if err := need(s.Source != "", "source"); err != nil {
			return nil, err
		}
		return NewReplaceSource(store, target, s.Source), nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrBadSpec, s.Op)
}

// BuildAll builds every spec, stopping at the first error.
func BuildAll(store *content.Store, targets Targets, specs []Spec) ([]Command, error) {
	cmds := make([]Command, 0, len(specs))
	for i, s := range specs {
		c, err := Build(store, targets, s)
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i, err)
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}
