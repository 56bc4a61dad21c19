// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package depgraph computes dependency-respecting load and stop orders
// over the plugin graph and detects cycles.
package depgraph

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// node is one registered plugin with its declared dependencies.
type node struct {
	id       string
	deps     []string
	priority int
	seq      int // declaration order, used as the final tie-break
}

// Graph is a registry of plugin ids and their declared dependencies.
// Safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	next  int
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Register adds or replaces a plugin's dependency declaration.
// Re-registering keeps the original declaration order.
func (g *Graph) Register(id string, deps []string, priority int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq := g.next
	if existing, ok := g.nodes[id]; ok {
		seq = existing.seq
	} else {
		g.next++
	}
	g.nodes[id] = &node{
		id:       id,
		deps:     append([]string(nil), deps...),
		priority: priority,
		seq:      seq,
	}
}

// Remove deletes a plugin from the graph. Edges pointing at the removed
// id remain declared on their owners and show up via Missing.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Dependencies returns the declared dependencies of id, or nil if the id
// is unknown.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.deps...)
}

// Missing returns the declared dependencies of id that are absent from
// available. It never mutates graph state.
func (g *Graph) Missing(id string, available []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}

	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[a] = true
	}

	var missing []string
	for _, dep := range n.deps {
		if !have[dep] {
			missing = append(missing, dep)
		}
	}
	return missing
}

// LoadOrder performs Kahn's topological sort over ids, respecting every
// dependency edge between them. Ties in the ready set break by priority
// (higher first), then declaration order. Edges pointing outside ids are
// ignored; Missing reports those separately.
//
// If a cycle prevents full resolution, the unresolved ids are appended in
// declaration order and an error describing the cycle is returned
// alongside the complete slice — never silently dropped.
func (g *Graph) LoadOrder(ids []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	include := make(map[string]bool, len(ids))
	for _, id := range ids {
		include[id] = true
	}

	// In-degree counts only edges between the requested ids.
	indeg := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		indeg[id] = 0
	}
	for _, id := range ids {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, dep := range n.deps {
			if include[dep] {
				indeg[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	g.sortReady(ready)

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			g.sortReady(ready)
		}
	}

	if len(order) == len(ids) {
		return order, nil
	}

	// Cycle: append the unresolved ids in declaration order so callers
	// still receive every id they asked about.
	placed := make(map[string]bool, len(order))
	for _, id := range order {
		placed[id] = true
	}
	var unresolved []string
	for _, id := range ids {
		if !placed[id] {
			unresolved = append(unresolved, id)
		}
	}
	sort.SliceStable(unresolved, func(a, b int) bool {
		return g.seqOf(unresolved[a]) < g.seqOf(unresolved[b])
	})
	order = append(order, unresolved...)

	return order, oops.In("depgraph").
		Code("DEPENDENCY_CYCLE").
		With("unresolved", strings.Join(unresolved, ",")).
		Errorf("circular dependency among %d plugin(s)", len(unresolved))
}

// StopOrder is the exact reverse of LoadOrder. The same cycle error is
// reported when present.
func (g *Graph) StopOrder(ids []string) ([]string, error) {
	order, err := g.LoadOrder(ids)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, err
}

// HasCycle reports whether id sits on a dependency cycle, which is the
// case exactly when id can reach itself through its dependency edges.
// Nodes that merely depend on a cycle elsewhere report false.
func (g *Graph) HasCycle(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}

	visited := make(map[string]bool)
	var reaches func(cur string) bool
	reaches = func(cur string) bool {
		n, ok := g.nodes[cur]
		if !ok {
			return false
		}
		for _, dep := range n.deps {
			if dep == id {
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if reaches(dep) {
				return true
			}
		}
		return false
	}
	return reaches(id)
}

// sortReady orders the ready set by priority (higher first), then
// declaration order. Stable so repeated sorts cannot reorder equals.
func (g *Graph) sortReady(ready []string) {
	sort.SliceStable(ready, func(a, b int) bool {
		na, nb := g.nodes[ready[a]], g.nodes[ready[b]]
		pa, pb := 0, 0
		if na != nil {
			pa = na.priority
		}
		if nb != nil {
			pb = nb.priority
		}
		if pa != pb {
			return pa > pb
		}
		return g.seqOf(ready[a]) < g.seqOf(ready[b])
	})
}

func (g *Graph) seqOf(id string) int {
	if n, ok := g.nodes[id]; ok {
		return n.seq
	}
	return int(^uint(0) >> 1)
}
