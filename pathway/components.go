// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pathway

import (
	"iter"
	"sort"
)

// Component is a set of node identifiers.
type Component map[string]bool

// Components yields the connected components of g one at a time,
// treating edges as undirected. Components are produced in the order
// their first node was referenced. The disconnected marker node is
// never included.
func (g *Graph) Components() iter.Seq[Component] {
	return func(yield func(Component) bool) {
		seen := map[string]bool{}
		for _, start := range g.referenced() {
			if seen[start] {
				continue
			}
			seen[start] = true
			comp := Component{}
			frontier := []string{start}
			for len(frontier) > 0 {
				id := frontier[0]
				frontier = frontier[1:]
				if id != DisconnectedMarker {
					comp[id] = true
				}
				for next := range g.in[id] {
					if !seen[next] {
						seen[next] = true
						frontier = append(frontier, next)
					}
				}
				for next := range g.out[id] {
					if !seen[next] {
						seen[next] = true
						frontier = append(frontier, next)
					}
				}
			}
			if len(comp) == 0 {
				continue
			}
			if !yield(comp) {
				return
			}
		}
	}
}

// ConnectedComponents returns all components, largest first. Equal
// sizes keep discovery order.
func (g *Graph) ConnectedComponents() []Component {
	var comps []Component
	for comp := range g.Components() {
		comps = append(comps, comp)
	}
	sort.SliceStable(comps, func(i, j int) bool { return len(comps[i]) > len(comps[j]) })
	return comps
}

// LargestComponent returns a copy of g restricted to its largest
// connected component.
func (g *Graph) LargestComponent() *Graph {
	comps := g.ConnectedComponents()
	if len(comps) == 0 {
		return New(g.ID)
	}
	return g.Subgraph(comps[0])
}
