// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pathway

import "strings"

// ComponentMap maps each complex to its direct members: the sources
// of "component>" edges into it.
type ComponentMap map[string][]string

// ComponentMap builds the complex membership map of g. Every complex
// node has an entry, possibly empty.
func (g *Graph) ComponentMap() ComponentMap {
	cm := ComponentMap{}
	for _, id := range g.Nodes() {
		if g.types[id] != Complex {
			continue
		}
		members := []string{}
		for _, source := range g.Sources(id) {
			if g.in[id][source].Has(ComponentOf) {
				members = append(members, source)
			}
		}
		cm[id] = members
	}
	return cm
}

// flattenable node types survive flattening as-is.
var flattenable = map[NodeType]bool{
	Abstract: true,
	Family:   true,
	MiRNA:    true,
	Protein:  true,
	RNA:      true,
}

// leafProteins expands every complex to the proteins reachable
// through nested membership. A member that is already on the current
// expansion path closes a loop; that membership is skipped and
// reported.
func (g *Graph) leafProteins(cm ComponentMap) (map[string][]string, []Diagnostic) {
	var diags []Diagnostic
	reported := map[string]bool{}
	leaves := make(map[string][]string, len(cm))
	for _, complex := range g.Nodes() {
		if _, ok := cm[complex]; !ok {
			continue
		}
		seen := map[string]bool{}
		elements := []string{}
		onPath := map[string]bool{complex: true}
		path := []string{complex}
		var walk func(id string)
		walk = func(id string) {
			for _, member := range cm[id] {
				if onPath[member] {
					loop := strings.Join(append(append([]string(nil), path...), member), " -> ")
					if !reported[loop] {
						reported[loop] = true
						diags = append(diags, diag(ComplexCycle, "complex loop %s, dropping %s component> %s", loop, member, id))
					}
					continue
				}
				if seen[member] {
					continue
				}
				seen[member] = true
				if g.types[member] == Protein {
					elements = append(elements, member)
				} else if _, ok := cm[member]; ok {
					onPath[member] = true
					path = append(path, member)
					walk(member)
					path = path[:len(path)-1]
					delete(onPath, member)
				}
			}
		}
		walk(complex)
		leaves[complex] = elements
	}
	return leaves, diags
}

// throughMember rewrites structural tags to a plain activation, used
// when an edge is redirected from a complex to one of its members.
func throughMember(tags TagSet) []Relation {
	out := TagSet{}
	for r := range tags {
		if r == ComponentOf || r == MemberOf {
			out[Activate] = true
		} else {
			out[r] = true
		}
	}
	return out.Sorted()
}

// Flatten returns a new graph in which complexes are replaced by
// their leaf proteins: an edge into or out of a complex is repeated
// for each leaf, edges between two complexes (or involving other
// non-flattenable types) are dropped, and structural
// component>/member> tags never survive. Flattening a flattened graph
// changes nothing.
func (g *Graph) Flatten() (*Graph, []Diagnostic) {
	out := New(g.ID)
	cm := g.ComponentMap()
	leaves, diags := g.leafProteins(cm)
	add := func(source, target string, rels []Relation) {
		if len(rels) == 0 {
			return
		}
		if !out.Has(source) {
			out.SetNode(source, g.types[source])
		}
		if !out.Has(target) {
			out.SetNode(target, g.types[target])
		}
		out.AddEdge(source, target, rels...)
	}
	g.EachEdge(func(source, target string, tags TagSet) {
		st, tt := g.types[source], g.types[target]
		_, sourceComplex := leaves[source]
		_, targetComplex := leaves[target]
		switch {
		case flattenable[st] && flattenable[tt]:
			keep := TagSet{}
			for r := range tags {
				if r != ComponentOf && r != MemberOf {
					keep[r] = true
				}
			}
			add(source, target, keep.Sorted())
		case flattenable[st] && targetComplex:
			for _, element := range leaves[target] {
				if element != source {
					add(source, element, throughMember(tags))
				}
			}
		case sourceComplex && flattenable[tt]:
			for _, element := range leaves[source] {
				if element != target {
					add(element, target, throughMember(tags))
				}
			}
		}
	})
	return out, diags
}

// FilterComplexesBySupport removes, in place, every complex of g for
// which no more than threshold of its subunits are present in g.
// Nested complexes count as present only if they themselves survive.
// Membership and types come from ref, which may be g itself.
func (g *Graph) FilterComplexesBySupport(ref *Graph, threshold float64) []Diagnostic {
	cm := ref.ComponentMap()
	var diags []Diagnostic
	result := map[string]bool{}
	var keep func(complex string, path []string) bool
	keep = func(complex string, path []string) bool {
		if ok, done := result[complex]; done {
			return ok
		}
		members := cm[complex]
		present := 0
		for _, member := range members {
			if !g.Has(member) {
				continue
			}
			if t, _ := ref.Type(member); t != Complex {
				present++
				continue
			}
			loop := false
			for i, p := range path {
				if p == member {
					diags = append(diags, diag(ComplexCycle, "complex loop %s", strings.Join(append(append([]string(nil), path[i:]...), member), " -> ")))
					loop = true
					break
				}
			}
			if loop {
				continue
			}
			if keep(member, append(path, member)) {
				present++
			}
		}
		ok := float64(present) > threshold*float64(len(members))
		result[complex] = ok
		if !ok {
			g.RemoveNode(complex)
			diags = append(diags, diag(ComplexDropped, "complex %s has %d of %d subunits present, removing", complex, present, len(members)))
		}
		return ok
	}
	for _, id := range g.Nodes() {
		if t, _ := g.Type(id); t != Complex {
			continue
		}
		if _, done := result[id]; done {
			continue
		}
		keep(id, []string{id})
	}
	return diags
}
