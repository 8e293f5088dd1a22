// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema defines the class source format.
//
// A class is declared as one YAML document:
//
//	class: Counter
//	extends: Base
//	annotations: [tracked]
//	imports: [string]
//	fields:
//	  - name: count
//	    type: int
//	    default: 0
//	methods:
//	  - name: bump
//	    returns: int
//	    body: return self:_count_unary(1)
//
// Operation bodies are Lua. Inside a body, self exposes the object's
// attributes and operations, and self:_<attr>_unary(op) applies a compound
// update to a numeric attribute atomically (0 read-then-increment,
// 1 increment-then-read, 2 read-then-decrement, 3 decrement-then-read).
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSource indicates class source that cannot be parsed or validated.
var ErrInvalidSource = errors.New("invalid class source")

// ClassDecl is the parsed form of one class source document.
type ClassDecl struct {
	Class       string       `yaml:"class" validate:"required,identifier"`
	Origin      string       `yaml:"origin,omitempty" validate:"omitempty,identifier"`
	Extends     string       `yaml:"extends,omitempty" validate:"omitempty,identifier"`
	Annotations []string     `yaml:"annotations,omitempty" validate:"dive,required"`
	Imports     []string     `yaml:"imports,omitempty" validate:"dive,required"`
	Fields      []FieldDecl  `yaml:"fields,omitempty" validate:"dive"`
	Methods     []MethodDecl `yaml:"methods,omitempty" validate:"dive"`
}

// FieldDecl declares one attribute.
type FieldDecl struct {
	Name    string `yaml:"name" json:"name" validate:"required,identifier"`
	Type    string `yaml:"type" json:"type" validate:"required,oneof=int float string bool"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// ParamDecl declares one operation parameter.
type ParamDecl struct {
	Name string `yaml:"name" json:"name" validate:"required,identifier"`
	Type string `yaml:"type" json:"type" validate:"required,oneof=int float string bool"`
}

// MethodDecl declares one operation.
type MethodDecl struct {
	Name    string      `yaml:"name" json:"name" validate:"required,identifier"`
	Params  []ParamDecl `yaml:"params,omitempty" json:"params,omitempty" validate:"dive"`
	Returns string      `yaml:"returns,omitempty" json:"returns,omitempty" validate:"omitempty,oneof=int float string bool"`
	Body    string      `yaml:"body,omitempty" json:"body,omitempty"`
}

// Signature returns a comparable description of the operation's interface.
func (m MethodDecl) Signature() string {
	parts := make([]string, len(m.Params))
	for i, p := range m.Params {
		parts[i] = p.Type
	}
	return fmt.Sprintf("%s(%s) %s", m.Name, strings.Join(parts, ","), m.Returns)
}

// SimpleName returns the original class name: Origin when the source has
// been transformed to a versioned name, Class otherwise.
func (d *ClassDecl) SimpleName() string {
	if d.Origin != "" {
		return d.Origin
	}
	return d.Class
}

// FieldIndex returns the position of the named field, or -1.
func (d *ClassDecl) FieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// MethodIndex returns the position of the named method, or -1.
func (d *ClassDecl) MethodIndex(name string) int {
	for i, m := range d.Methods {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// HasAnnotation reports whether the annotation is present.
func (d *ClassDecl) HasAnnotation(name string) bool {
	for _, a := range d.Annotations {
		if a == name {
			return true
		}
	}
	return false
}

// HasImport reports whether the import is present.
func (d *ClassDecl) HasImport(name string) bool {
	for _, i := range d.Imports {
		if i == name {
			return true
		}
	}
	return false
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// IsIdentifier reports whether s is a valid class or member name.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Parse decodes and validates one class source document.
//
// # Description
//
// Unknown keys are rejected so a typo in source is reported instead of
// silently dropping a declaration.
//
// # Outputs
//
//   - *ClassDecl: The declaration.
//   - error: ErrInvalidSource wrapped with detail.
func Parse(text string) (*ClassDecl, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)

	var decl ClassDecl
	if err := dec.Decode(&decl); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSource)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := Validate(&decl); err != nil {
		return nil, err
	}
	return &decl, nil
}

// Validate checks structural rules that do not need other classes.
func Validate(decl *ClassDecl) error {
	if err := validatorInstance().Struct(decl); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	seen := make(map[string]string, len(decl.Fields)+len(decl.Methods))
	for _, f := range decl.Fields {
		if prev, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: %s.%s declared twice (%s and field)", ErrInvalidSource, decl.Class, f.Name, prev)
		}
		seen[f.Name] = "field"
	}
	for _, m := range decl.Methods {
		if prev, ok := seen[m.Name]; ok {
			return fmt.Errorf("%w: %s.%s declared twice (%s and method)", ErrInvalidSource, decl.Class, m.Name, prev)
		}
		seen[m.Name] = "method"

		params := make(map[string]struct{}, len(m.Params))
		for _, p := range m.Params {
			if _, dup := params[p.Name]; dup || p.Name == "self" {
				return fmt.Errorf("%w: %s.%s has invalid parameter %q", ErrInvalidSource, decl.Class, m.Name, p.Name)
			}
			params[p.Name] = struct{}{}
		}
	}
	if decl.Extends != "" && decl.Extends == decl.SimpleName() {
		return fmt.Errorf("%w: %s extends itself", ErrInvalidSource, decl.Class)
	}
	return nil
}

// Marshal encodes a declaration as canonical source text.
func Marshal(decl *ClassDecl) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(decl); err != nil {
		return "", fmt.Errorf("encoding class %s: %w", decl.Class, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding class %s: %w", decl.Class, err)
	}
	return buf.String(), nil
}

// Clone returns a deep copy of the declaration.
func (d *ClassDecl) Clone() *ClassDecl {
	c := *d
	c.Annotations = append([]string(nil), d.Annotations...)
	c.Imports = append([]string(nil), d.Imports...)
	c.Fields = append([]FieldDecl(nil), d.Fields...)
	c.Methods = make([]MethodDecl, len(d.Methods))
	for i, m := range d.Methods {
		m.Params = append([]ParamDecl(nil), m.Params...)
		c.Methods[i] = m
	}
	return &c
}
