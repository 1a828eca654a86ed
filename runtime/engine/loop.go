package engine

import (
	"context"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/node"
	"goa.design/flow/runtime/workflow"
)

// runLoop drives a loop node through the iteration protocol. The node is
// invoked repeatedly; while its loop branch carries items the subgraph behind
// the loop connections runs to completion as a nested sub-run, then the node
// is invoked again. The done branch exits the loop and hands control back to
// the main scheduler. Cancellation is checked between iterations.
func (r *run) runLoop(ctx context.Context, n workflow.Node, t node.Type, st *NodeExecutionState, queue []string) []string {
	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			r.ec.markCancelled()
			r.ec.setNodeStatus(st, api.NodeCancelled)
			return queue
		}
		if iter >= r.eng.maxLoopIterations {
			r.failNode(ctx, n.ID, st, KindLoopIterationLimit, ErrLoopIterationLimit)
			return queue
		}

		out, err := r.invoke(ctx, n, t, st)
		if err != nil {
			r.failNode(ctx, n.ID, st, KindNodeFailure, err)
			return queue
		}
		loopItems := out.Branches[node.LoopBranch]
		doneItems := out.Branches[node.DoneBranch]
		switch {
		case len(loopItems) > 0:
			// Body nodes assemble their input from this output's loop
			// branch.
			r.ec.setNodeOutput(st, out)
			r.runLoopBody(ctx, n.ID)
		case len(doneItems) > 0:
			r.completeNode(ctx, n.ID, st, out)
			return r.enqueueDependents(queue, st)
		default:
			r.failNode(ctx, n.ID, st, KindLoopStuck, ErrLoopStuck)
			return queue
		}
	}
}

// runLoopBody executes the subgraph reachable through the loop connections to
// completion within the same execution context. Body node states are reset so
// each iteration re-runs them from idle; handler scratch state survives.
func (r *run) runLoopBody(ctx context.Context, loopID string) {
	var seeds []string
	for _, c := range r.graph.outgoing[loopID] {
		if c.SourceOutputOrDefault() == node.LoopBranch {
			seeds = append(seeds, c.TargetNodeID)
		}
	}
	if len(seeds) == 0 {
		return
	}

	body := make(map[string]bool)
	frontier := append([]string(nil), seeds...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == loopID || body[id] {
			continue
		}
		body[id] = true
		frontier = append(frontier, r.graph.dependents[id]...)
	}
	for id := range body {
		r.ec.resetNode(r.ec.state(id))
	}
	r.schedule(ctx, seeds)
}
