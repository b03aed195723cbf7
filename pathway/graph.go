// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pathway implements the typed entity/interaction graph that
// inference jobs run over: loading and writing pathway files,
// repairing and validating them, connectivity analysis, and
// flattening of complexes into their member proteins.
package pathway

import (
	"sort"
	"strings"
)

type NodeType string

const (
	Protein  NodeType = "protein"
	Complex  NodeType = "complex"
	Family   NodeType = "family"
	Abstract NodeType = "abstract"
	RNA      NodeType = "rna"
	MiRNA    NodeType = "miRNA"
	Concept  NodeType = "concept"
	Other    NodeType = "other"
)

// Known reports whether t is one of the recognized entity types.
func (t NodeType) Known() bool {
	switch t {
	case Protein, Complex, Family, Abstract, RNA, MiRNA, Concept, Other:
		return true
	}
	return false
}

type Relation string

const (
	TranscriptionalActivate Relation = "-t>"
	TranscriptionalInhibit  Relation = "-t|"
	Activate                Relation = "-a>"
	Inhibit                 Relation = "-a|"
	ActivatePost            Relation = "-ap>"
	InhibitPost             Relation = "-ap|"
	ComponentOf             Relation = "component>"
	MemberOf                Relation = "member>"
)

var legalRelations = map[Relation]bool{
	TranscriptionalActivate: true,
	TranscriptionalInhibit:  true,
	Activate:                true,
	Inhibit:                 true,
	ActivatePost:            true,
	InhibitPost:             true,
	ComponentOf:             true,
	MemberOf:                true,
}

// Legal reports whether r is in the fixed relation vocabulary.
func (r Relation) Legal() bool { return legalRelations[r] }

// Transcriptional reports whether r is a transcriptional relation
// ("-t>" or "-t|").
func (r Relation) Transcriptional() bool { return strings.HasPrefix(string(r), "-t") }

// DisconnectedMarker is a synthetic node that is never reported as
// part of a connected component.
const DisconnectedMarker = "__DISCONNECTED__"

// TagSet is the set of relation tags on one source->target edge.
type TagSet map[Relation]bool

func NewTagSet(rels ...Relation) TagSet {
	ts := TagSet{}
	for _, r := range rels {
		ts[r] = true
	}
	return ts
}

// ParseTagSet splits a semicolon-joined tag list. Empty tags are
// kept so that CheckLinks reports them.
func ParseTagSet(s string) TagSet {
	ts := TagSet{}
	for _, r := range strings.Split(s, ";") {
		ts[Relation(r)] = true
	}
	return ts
}

func (ts TagSet) Has(r Relation) bool { return ts[r] }

// Sorted returns the tags in lexical order.
func (ts TagSet) Sorted() []Relation {
	rels := make([]Relation, 0, len(ts))
	for r := range ts {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i] < rels[j] })
	return rels
}

func (ts TagSet) String() string {
	var parts []string
	for _, r := range ts.Sorted() {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ";")
}

func (ts TagSet) Equal(other TagSet) bool {
	if len(ts) != len(other) {
		return false
	}
	for r := range ts {
		if !other[r] {
			return false
		}
	}
	return true
}

// Graph is a pathway: typed nodes and directed, tag-set labelled
// edges. Identifiers are kept in first-reference order so traversal
// and serialization are deterministic.
type Graph struct {
	ID string

	types map[string]NodeType
	order []string
	known map[string]bool
	out   map[string]map[string]TagSet
	in    map[string]map[string]TagSet
}

func New(id string) *Graph {
	return &Graph{
		ID:    id,
		types: map[string]NodeType{},
		known: map[string]bool{},
		out:   map[string]map[string]TagSet{},
		in:    map[string]map[string]TagSet{},
	}
}

func (g *Graph) touch(id string) {
	if !g.known[id] {
		g.known[id] = true
		g.order = append(g.order, id)
	}
}

// SetNode defines (or redefines) the type of a node.
func (g *Graph) SetNode(id string, t NodeType) {
	g.touch(id)
	g.types[id] = t
}

// AddEdge adds the given relation tags to the source->target edge,
// creating it if needed. Endpoints are referenced but not typed.
func (g *Graph) AddEdge(source, target string, rels ...Relation) {
	g.touch(source)
	g.touch(target)
	ts := g.out[source][target]
	if ts == nil {
		ts = TagSet{}
		if g.out[source] == nil {
			g.out[source] = map[string]TagSet{}
		}
		if g.in[target] == nil {
			g.in[target] = map[string]TagSet{}
		}
		g.out[source][target] = ts
		g.in[target][source] = ts
	}
	for _, r := range rels {
		ts[r] = true
	}
}

// Type returns the node type and whether the node has been typed.
func (g *Graph) Type(id string) (NodeType, bool) {
	t, ok := g.types[id]
	return t, ok
}

// Has reports whether id is a typed node.
func (g *Graph) Has(id string) bool {
	_, ok := g.types[id]
	return ok
}

// Nodes returns typed node identifiers in first-reference order.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.types))
	for _, id := range g.order {
		if _, ok := g.types[id]; ok {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

// referenced returns every identifier seen, typed or not.
func (g *Graph) referenced() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) NodeCount() int { return len(g.types) }

// Edge returns the tag set of source->target, or nil.
func (g *Graph) Edge(source, target string) TagSet {
	return g.out[source][target]
}

// Targets returns the targets of source in first-reference order.
func (g *Graph) Targets(source string) []string {
	return g.ordered(g.out[source])
}

// Sources returns the sources with an edge into target.
func (g *Graph) Sources(target string) []string {
	return g.ordered(g.in[target])
}

func (g *Graph) ordered(m map[string]TagSet) []string {
	if len(m) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m))
	for _, id := range g.order {
		if _, ok := m[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// EdgeCount returns the number of source->target pairs.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, targets := range g.out {
		n += len(targets)
	}
	return n
}

// EachEdge calls fn for every edge, sources and targets in
// first-reference order.
func (g *Graph) EachEdge(fn func(source, target string, tags TagSet)) {
	for _, source := range g.order {
		for _, target := range g.Targets(source) {
			fn(source, target, g.out[source][target])
		}
	}
}

// RemoveNode deletes the node and every incident edge. Removing an
// absent node is a no-op.
func (g *Graph) RemoveNode(id string) {
	if !g.known[id] {
		return
	}
	for target := range g.out[id] {
		delete(g.in[target], id)
		if len(g.in[target]) == 0 {
			delete(g.in, target)
		}
	}
	for source := range g.in[id] {
		delete(g.out[source], id)
		if len(g.out[source]) == 0 {
			delete(g.out, source)
		}
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.types, id)
	delete(g.known, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Combine merges nodes and edges of other into g, skipping any node
// named in exclude (and edges touching it). Nodes and edges already
// present in g are left untouched.
func (g *Graph) Combine(other *Graph, exclude map[string]bool) {
	for _, id := range other.Nodes() {
		if exclude[id] || g.Has(id) {
			continue
		}
		g.SetNode(id, other.types[id])
	}
	other.EachEdge(func(source, target string, tags TagSet) {
		if exclude[source] || exclude[target] {
			return
		}
		if g.Edge(source, target) != nil {
			return
		}
		g.AddEdge(source, target, tags.Sorted()...)
	})
}

// Subgraph returns a new graph containing only the given nodes and
// the edges between them.
func (g *Graph) Subgraph(keep map[string]bool) *Graph {
	sub := New(g.ID)
	for _, id := range g.order {
		if !keep[id] {
			continue
		}
		if t, ok := g.types[id]; ok {
			sub.SetNode(id, t)
		}
	}
	g.EachEdge(func(source, target string, tags TagSet) {
		if keep[source] && keep[target] {
			sub.AddEdge(source, target, tags.Sorted()...)
		}
	})
	return sub
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := New(g.ID)
	for _, id := range g.order {
		c.touch(id)
		if t, ok := g.types[id]; ok {
			c.types[id] = t
		}
	}
	g.EachEdge(func(source, target string, tags TagSet) {
		c.AddEdge(source, target, tags.Sorted()...)
	})
	return c
}

// Equal reports whether both graphs have the same typed nodes and the
// same edges with the same tag sets. Ordering is ignored.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.types) != len(other.types) || g.EdgeCount() != other.EdgeCount() {
		return false
	}
	for id, t := range g.types {
		if ot, ok := other.types[id]; !ok || ot != t {
			return false
		}
	}
	for source, targets := range g.out {
		for target, tags := range targets {
			if !tags.Equal(other.Edge(source, target)) {
				return false
			}
		}
	}
	return true
}
