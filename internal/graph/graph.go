// Package graph builds the derived PipelineGraph from a validated
// domain.Manifest: adjacency, a deterministic topological order, and
// the linear/DAG classification. The classification is reported only:
// the scheduler runs both shapes through the same buffered engine and
// has no separate linear fast path.
package graph

import (
	"fmt"
	"sort"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
)

// Class is the linear/DAG shape classification of a graph. The scheduler
// does not branch on it.
type Class string

const (
	ClassLinear Class = "linear"
	ClassDAG    Class = "dag"
)

// Graph is the derived, ready-to-execute pipeline structure.
type Graph struct {
	Nodes    map[string]domain.NodeDefinition
	Order    []string            // manifest order, for tie-breaking
	Out      map[string][]domain.Edge // node id -> outgoing edges, in manifest order
	In       map[string][]domain.Edge // node id -> incoming edges, in manifest order
	Topo     []string            // topological order (Kahn, manifest-order tie-break)
	Class    Class
}

// Build constructs a Graph from m. m is assumed already validated by
// internal/manifest (acyclic, ids unique, endpoints known); Build still
// performs its own Kahn pass because the scheduler needs the
// topological order, not just an acyclicity check.
func Build(m *domain.Manifest) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]domain.NodeDefinition, len(m.Nodes)),
		Out:   make(map[string][]domain.Edge),
		In:    make(map[string][]domain.Edge),
	}

	for _, n := range m.Nodes {
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
	}
	for _, e := range m.Connections {
		g.Out[e.From] = append(g.Out[e.From], e)
		g.In[e.To] = append(g.In[e.To], e)
	}

	topo, remaining := kahn(g)
	if len(remaining) > 0 {
		sort.Strings(remaining)
		return nil, flowerr.New(flowerr.KindGraph, fmt.Sprintf("cycle among nodes not drained by topological pass: %v", remaining))
	}
	g.Topo = topo
	g.Class = classify(g)
	return g, nil
}

// kahn runs Kahn's algorithm, breaking ties by manifest declaration
// order so that output ordering is deterministic for a fixed manifest.
// Returns the topological order and the set of node ids left undrained
// (non-empty iff there is a cycle).
func kahn(g *Graph) ([]string, []string) {
	indeg := make(map[string]int, len(g.Nodes))
	for _, id := range g.Order {
		indeg[id] = len(g.In[id])
	}

	ready := make([]string, 0)
	readySet := make(map[string]bool)
	for _, id := range g.Order {
		if indeg[id] == 0 {
			ready = append(ready, id)
			readySet[id] = true
		}
	}

	var topo []string
	for len(ready) > 0 {
		// pop manifest-order-first candidate
		sort.SliceStable(ready, func(i, j int) bool {
			return indexOf(g.Order, ready[i]) < indexOf(g.Order, ready[j])
		})
		id := ready[0]
		ready = ready[1:]
		delete(readySet, id)
		topo = append(topo, id)

		for _, e := range g.Out[id] {
			indeg[e.To]--
			if indeg[e.To] == 0 && !readySet[e.To] {
				ready = append(ready, e.To)
				readySet[e.To] = true
			}
		}
	}

	drained := make(map[string]bool, len(topo))
	for _, id := range topo {
		drained[id] = true
	}
	var remaining []string
	for _, id := range g.Order {
		if !drained[id] {
			remaining = append(remaining, id)
		}
	}
	return topo, remaining
}

func indexOf(order []string, id string) int {
	for i, o := range order {
		if o == id {
			return i
		}
	}
	return len(order)
}

// classify returns ClassLinear iff every node has in-degree ≤ 1 and
// out-degree ≤ 1.
func classify(g *Graph) Class {
	for id := range g.Nodes {
		if len(g.In[id]) > 1 || len(g.Out[id]) > 1 {
			return ClassDAG
		}
	}
	return ClassLinear
}

// Sources returns node ids with no incoming edges, in manifest order.
func (g *Graph) Sources() []string {
	var out []string
	for _, id := range g.Order {
		if len(g.In[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns node ids with no outgoing edges, in manifest order.
func (g *Graph) Sinks() []string {
	var out []string
	for _, id := range g.Order {
		if len(g.Out[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
