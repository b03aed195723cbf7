// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pathway

import "fmt"

type Direction int

const (
	Downstream Direction = iota
	Upstream
	Both
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "down", "downstream":
		return Downstream, nil
	case "up", "upstream":
		return Upstream, nil
	case "both":
		return Both, nil
	}
	return 0, fmt.Errorf("invalid direction %q (want upstream, downstream, or both)", s)
}

// Neighbors returns node and every node reachable from it within
// distance hops in the given direction. Distance 0 returns just the
// node.
func (g *Graph) Neighbors(node string, distance int, dir Direction) map[string]bool {
	seen := map[string]bool{node: true}
	border := []string{node}
	for d := 0; d < distance && len(border) > 0; d++ {
		var frontier []string
		visit := func(next string) {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
		for _, id := range border {
			if dir != Upstream {
				for _, next := range g.Targets(id) {
					visit(next)
				}
			}
			if dir != Downstream {
				for _, next := range g.Sources(id) {
					visit(next)
				}
			}
		}
		border = frontier
	}
	return seen
}

// IsTranscriptional reports whether node is the target of any
// transcriptional interaction.
func (g *Graph) IsTranscriptional(node string) bool {
	for _, tags := range g.in[node] {
		for r := range tags {
			if r.Transcriptional() {
				return true
			}
		}
	}
	return false
}

// TranscriptionalTargets returns every node downstream of node that
// is reached through a transcriptional interaction.
func (g *Graph) TranscriptionalTargets(node string) []string {
	var targets []string
	found := map[string]bool{}
	seen := map[string]bool{node: true}
	queue := []string{node}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, target := range g.Targets(id) {
			if seen[target] {
				continue
			}
			seen[target] = true
			queue = append(queue, target)
			for r := range g.out[id][target] {
				if r.Transcriptional() && !found[target] {
					found[target] = true
					targets = append(targets, target)
				}
			}
		}
	}
	return targets
}
