package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// TopoSort returns a deterministic topological order of the graph's
// nodes using Kahn's algorithm. Loop back-edges are excluded from the
// ordering so loop bodies sort as straight-line flow. Any other cycle
// is an error naming the nodes left unordered.
func TopoSort(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	adjacency := make(map[string][]string, len(g.Nodes))

	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		if e.Branch == BranchBack {
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
		inDegree[e.To]++
	}

	// Seed in declaration order so the result is stable across runs.
	var queue []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("cycle through nodes %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
