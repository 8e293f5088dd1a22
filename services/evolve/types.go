// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolve

import (
	"sort"

	"github.com/AleutianAI/evolve/services/evolve/archive"
	"github.com/AleutianAI/evolve/services/evolve/class"
)

// ServiceVersion is the evolve service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /v1/evolve/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Types   int    `json:"types"`
}

// FieldInfo describes one attribute of a live version.
type FieldInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Default  any    `json:"default,omitempty"`
	Declarer string `json:"declarer"`
}

// ParamInfo describes one operation parameter.
type ParamInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// MethodInfo describes one operation of a live version.
type MethodInfo struct {
	Name     string      `json:"name"`
	Params   []ParamInfo `json:"params,omitempty"`
	Returns  string      `json:"returns,omitempty"`
	Declarer string      `json:"declarer"`
}

// TypeSummary is the list form of a class.
type TypeSummary struct {
	Name          string `json:"name"`
	Version       int    `json:"version"`
	VersionedName string `json:"versioned_name"`
	Super         string `json:"super,omitempty"`
}

// TypeDetail is returned by GET /v1/evolve/types/:name.
type TypeDetail struct {
	TypeSummary
	Fields      []FieldInfo  `json:"fields"`
	Methods     []MethodInfo `json:"methods"`
	Annotations []string     `json:"annotations,omitempty"`
	Imports     []string     `json:"imports,omitempty"`
	Accessors   []string     `json:"accessors"`
	Source      string       `json:"source"`
}

// TypesResponse is returned by GET /v1/evolve/types.
type TypesResponse struct {
	Types []TypeSummary `json:"types"`
}

// HistoryResponse is returned by GET /v1/evolve/types/:name/history.
type HistoryResponse struct {
	Class   string          `json:"class"`
	Entries []archive.Entry `json:"entries"`
}

// DefineRequest is the body of POST /v1/evolve/classes.
type DefineRequest struct {
	Sources []string `json:"sources" binding:"required,min=1"`
}

// DefineResponse lists the classes a define request created.
type DefineResponse struct {
	Defined []TypeSummary `json:"defined"`
}

func summarize(vt *class.VersionedType) TypeSummary {
	s := TypeSummary{
		Name:          vt.Original.Name(),
		Version:       vt.Version,
		VersionedName: vt.Name,
	}
	if vt.Super != nil {
		s.Super = vt.Super.Original.Name()
	}
	return s
}

func detail(vt *class.VersionedType, source string) TypeDetail {
	d := TypeDetail{
		TypeSummary: summarize(vt),
		Fields:      make([]FieldInfo, 0, len(vt.Fields)),
		Methods:     make([]MethodInfo, 0, len(vt.Methods)),
		Annotations: vt.Annotations,
		Imports:     vt.Imports,
		Accessors:   vt.Surface.Names(),
		Source:      source,
	}
	for _, f := range vt.Fields {
		d.Fields = append(d.Fields, FieldInfo{
			Name:     f.Name,
			Kind:     string(f.Kind),
			Default:  f.Default,
			Declarer: f.Declarer,
		})
	}
	for _, m := range sortedMethods(vt) {
		mi := MethodInfo{Name: m.Name, Declarer: m.Declarer}
		if m.Returns != class.KindVoid {
			mi.Returns = string(m.Returns)
		}
		for _, p := range m.Params {
			mi.Params = append(mi.Params, ParamInfo{Name: p.Name, Kind: string(p.Kind)})
		}
		d.Methods = append(d.Methods, mi)
	}
	return d
}

func sortedMethods(vt *class.VersionedType) []*class.Method {
	out := make([]*class.Method, 0, len(vt.Methods))
	for _, m := range vt.Methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
