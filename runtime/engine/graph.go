package engine

import (
	"goa.design/flow/runtime/workflow"
)

type (
	// graph is the prepared execution scope of one run: the nodes reachable
	// from the start node via forward connections, with per-node dependency
	// and dependent sets restricted to that scope.
	graph struct {
		start string
		// scope is the reachable node set R.
		scope map[string]bool
		// deps maps node id to its upstream node ids within R.
		deps map[string][]string
		// dependents maps node id to its downstream node ids within R.
		dependents map[string][]string
		// incoming maps node id to its in-scope incoming connections, in
		// workflow declaration order.
		incoming map[string][]workflow.Connection
		// outgoing maps node id to its in-scope outgoing connections.
		outgoing map[string][]workflow.Connection
	}
)

// buildGraph computes the per-trigger execution scope. Scoping to the nodes
// reachable from the start prevents an unrelated upstream trigger from
// blocking a shared node forever. Returns ErrStartNodeNotFound or
// ErrWorkflowCycle on invalid input.
func buildGraph(w *workflow.Workflow, startID string) (*graph, error) {
	if _, ok := w.NodeByID(startID); !ok {
		return nil, ErrStartNodeNotFound
	}

	forward := make(map[string][]string)
	for _, c := range w.Connections {
		forward[c.SourceNodeID] = append(forward[c.SourceNodeID], c.TargetNodeID)
	}

	// BFS from the start node.
	scope := map[string]bool{startID: true}
	frontier := []string{startID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range forward[id] {
			if !scope[next] {
				scope[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	g := &graph{
		start:      startID,
		scope:      scope,
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		incoming:   make(map[string][]workflow.Connection),
		outgoing:   make(map[string][]workflow.Connection),
	}
	for _, c := range w.Connections {
		if !scope[c.SourceNodeID] || !scope[c.TargetNodeID] {
			continue
		}
		g.deps[c.TargetNodeID] = append(g.deps[c.TargetNodeID], c.SourceNodeID)
		g.dependents[c.SourceNodeID] = append(g.dependents[c.SourceNodeID], c.TargetNodeID)
		g.incoming[c.TargetNodeID] = append(g.incoming[c.TargetNodeID], c)
		g.outgoing[c.SourceNodeID] = append(g.outgoing[c.SourceNodeID], c)
	}

	if g.hasCycle() {
		return nil, ErrWorkflowCycle
	}
	return g, nil
}

// hasCycle runs Kahn's algorithm over the scoped subgraph.
func (g *graph) hasCycle() bool {
	indegree := make(map[string]int, len(g.scope))
	for id := range g.scope {
		indegree[id] = len(g.deps[id])
	}
	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	seen := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		seen++
		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return seen != len(g.scope)
}
