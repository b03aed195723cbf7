// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pathway

import (
	"fmt"
	"strings"
)

type DiagnosticKind string

const (
	TypeRepaired   DiagnosticKind = "type-repaired"
	UnknownType    DiagnosticKind = "unknown-type"
	IllegalLink    DiagnosticKind = "illegal-link"
	Components     DiagnosticKind = "components"
	ComplexCycle   DiagnosticKind = "complex-cycle"
	ComplexDropped DiagnosticKind = "complex-dropped"
)

// Diagnostic is a non-fatal finding produced while repairing or
// transforming a graph. Callers decide how to report it.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
}

func (d Diagnostic) String() string { return d.Message }

func diag(kind DiagnosticKind, format string, args ...interface{}) Diagnostic {
	return Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DefaultType guesses a node type from a naming convention: a
// trailing "(complex)", "(family)" or "(abstract)" tag selects that
// type, anything else is a protein.
func DefaultType(id string) NodeType {
	switch {
	case strings.HasSuffix(id, "(complex)"):
		return Complex
	case strings.HasSuffix(id, "(family)"):
		return Family
	case strings.HasSuffix(id, "(abstract)"):
		return Abstract
	default:
		return Protein
	}
}

// Repair assigns a default type to every node that is referenced by
// an interaction but was never defined, and returns one diagnostic
// per repair.
func (g *Graph) Repair() []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.referenced() {
		if g.Has(id) {
			continue
		}
		t := DefaultType(id)
		g.types[id] = t
		diags = append(diags, diag(TypeRepaired, "%s not defined, default to %s", id, t))
	}
	return diags
}

// CheckLinks reports every relation tag outside the legal vocabulary
// and every node with an unrecognized type. Nothing is removed.
func (g *Graph) CheckLinks() []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.Nodes() {
		if t := g.types[id]; !t.Known() {
			diags = append(diags, diag(UnknownType, "node %s has unrecognized type %q", id, t))
		}
	}
	g.EachEdge(func(source, target string, tags TagSet) {
		for _, r := range tags.Sorted() {
			if !r.Legal() {
				diags = append(diags, diag(IllegalLink, "illegal link %s\t%s\t%s found", source, target, r))
			}
		}
	})
	return diags
}

// Validate repairs missing node types, flags illegal relation tags,
// and reduces g in place to its largest connected component (ties go
// to the component found first).
func (g *Graph) Validate() []Diagnostic {
	diags := g.Repair()
	diags = append(diags, g.CheckLinks()...)
	comps := g.ConnectedComponents()
	diags = append(diags, diag(Components, "found %d subpathway components", len(comps)))
	if len(comps) > 0 {
		g.restrictTo(comps[0])
	}
	return diags
}

// restrictTo drops every node (and incident edge) not in keep.
func (g *Graph) restrictTo(keep Component) {
	for _, id := range g.referenced() {
		if !keep[id] {
			g.RemoveNode(id)
		}
	}
}
