// Package engine implements the flow execution engine: it takes a workflow, a
// starting node and a trigger payload, computes the reachable execution scope,
// and runs the nodes in dependency order with per-connection data routing,
// branch gating, loop iteration and continue-on-fail handling.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/credentials"
	"goa.design/flow/runtime/execution"
	"goa.design/flow/runtime/hooks"
	"goa.design/flow/runtime/node"
	"goa.design/flow/runtime/telemetry"
	"goa.design/flow/runtime/workflow"
)

const (
	// defaultMaxRequeues bounds how often a node is requeued while waiting
	// for its dependencies.
	defaultMaxRequeues = 10
	// defaultMaxLoopIterations bounds loop node iterations.
	defaultMaxLoopIterations = 100000
)

type (
	// Engine executes workflows. Implementations are safe for concurrent
	// use; each Execute call runs independently.
	Engine interface {
		// Execute runs the workflow from the starting node with the given
		// trigger payload and returns the terminal result. Structural
		// failures (cycle, unknown start node) return an error alongside a
		// failed result. Cancelling the context cancels the run
		// cooperatively.
		Execute(ctx context.Context, req *Request) (*api.ExecutionResult, error)

		// Status returns a snapshot of a recent or in-flight execution.
		// Terminated contexts remain queryable for about a minute.
		Status(executionID string) (*api.ExecutionResult, bool)
	}

	// Request describes one execution to run.
	Request struct {
		// ExecutionID is the run identifier; generated when empty.
		ExecutionID string
		// Workflow is the workflow to execute.
		Workflow *workflow.Workflow
		// StartNodeID is the trigger node the run starts from.
		StartNodeID string
		// UserID is the invoking user.
		UserID string
		// TriggerData is the payload handed to the start node.
		TriggerData map[string]any
	}

	// Options configures a new Engine.
	Options struct {
		// Registry resolves node type tags to handlers. Required.
		Registry node.Registry
		// Bus receives lifecycle events. Optional.
		Bus hooks.Bus
		// Store persists execution rows when the workflow opts in. Optional.
		Store execution.Store
		// Credentials resolves node credential references. Optional.
		Credentials credentials.Store
		// Logger, Tracer and Metrics plug in observability. Optional.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
		// MaxRequeues overrides the per-node requeue budget.
		MaxRequeues int
		// MaxLoopIterations overrides the loop iteration cap.
		MaxLoopIterations int
	}

	engine struct {
		registry node.Registry
		bus      hooks.Bus
		store    execution.Store
		creds    credentials.Store
		logger   telemetry.Logger
		tracer   telemetry.Tracer
		metrics  telemetry.Metrics

		maxRequeues       int
		maxLoopIterations int

		mu       sync.RWMutex
		contexts map[string]*ExecutionContext
	}

	// run bundles the per-execution state threaded through the scheduler.
	run struct {
		eng   *engine
		wf    *workflow.Workflow
		graph *graph
		ec    *ExecutionContext
	}
)

// New constructs an Engine from the options.
func New(opts Options) (Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("node registry is required")
	}
	e := &engine{
		registry:          opts.Registry,
		bus:               opts.Bus,
		store:             opts.Store,
		creds:             opts.Credentials,
		logger:            opts.Logger,
		tracer:            opts.Tracer,
		metrics:           opts.Metrics,
		maxRequeues:       opts.MaxRequeues,
		maxLoopIterations: opts.MaxLoopIterations,
		contexts:          make(map[string]*ExecutionContext),
	}
	if e.logger == nil {
		e.logger = telemetry.NoopLogger{}
	}
	if e.maxRequeues <= 0 {
		e.maxRequeues = defaultMaxRequeues
	}
	if e.maxLoopIterations <= 0 {
		e.maxLoopIterations = defaultMaxLoopIterations
	}
	return e, nil
}

// Execute implements Engine.
func (e *engine) Execute(ctx context.Context, req *Request) (*api.ExecutionResult, error) {
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if e.tracer != nil {
		var span telemetry.Span
		ctx, span = e.tracer.StartSpan(ctx, "flow.execute",
			telemetry.Attr{Key: "workflow_id", Value: req.Workflow.ID},
			telemetry.Attr{Key: "execution_id", Value: executionID})
		defer span.End()
	}

	g, err := buildGraph(req.Workflow, req.StartNodeID)
	if err != nil {
		res := structuralFailure(executionID, req.Workflow.ID, err)
		e.emitTerminal(res)
		return res, err
	}

	ec := newExecutionContext(executionID, req.Workflow.ID, req.UserID,
		req.StartNodeID, req.TriggerData, req.Workflow.Settings.SaveExecutionToDatabase, g)
	e.retain(ec)

	r := &run{eng: e, wf: req.Workflow, graph: g, ec: ec}
	r.persistStart(ctx)
	e.emit(hooks.Event{
		Type:        hooks.ExecutionStarted,
		ExecutionID: executionID,
		WorkflowID:  req.Workflow.ID,
		Timestamp:   time.Now().UTC(),
	})

	r.schedule(ctx, []string{req.StartNodeID})

	res := r.finish(ctx)
	if e.metrics != nil {
		e.metrics.Count(ctx, "flow.executions", 1,
			telemetry.Attr{Key: "status", Value: string(res.Status)})
		e.metrics.Duration(ctx, "flow.execution.duration", res.FinishedAt.Sub(res.StartedAt))
	}
	return res, nil
}

// Status implements Engine.
func (e *engine) Status(executionID string) (*api.ExecutionResult, bool) {
	e.mu.RLock()
	ec, ok := e.contexts[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ec.Result(), true
}

func (e *engine) retain(ec *ExecutionContext) {
	e.mu.Lock()
	e.contexts[ec.ExecutionID] = ec
	e.mu.Unlock()
}

func (e *engine) release(executionID string) {
	time.AfterFunc(contextRetention, func() {
		e.mu.Lock()
		delete(e.contexts, executionID)
		e.mu.Unlock()
	})
}

// schedule is the main scheduling loop. It is re-entered for loop sub-runs
// with the loop body's entry nodes as the seed.
func (r *run) schedule(ctx context.Context, seed []string) {
	queue := make([]string, 0, len(r.graph.scope))
	for _, id := range seed {
		if st := r.ec.state(id); st != nil && st.Status == api.NodeIdle {
			r.ec.setNodeStatus(st, api.NodeQueued)
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			r.ec.markCancelled()
			return
		}
		id := queue[0]
		queue = queue[1:]
		st := r.ec.state(id)
		if st.Status != api.NodeIdle && st.Status != api.NodeQueued {
			continue
		}

		if !r.depsResolved(st) {
			st.requeues++
			if st.requeues > r.eng.maxRequeues {
				r.failNode(ctx, id, st, KindDependencyUnsatisfiable, ErrDependencyUnsatisfiable)
				continue
			}
			queue = append(queue, id)
			continue
		}

		// Branch gating: a non-start node runs only when at least one
		// incoming connection carries data.
		if id != r.graph.start && !r.hasIncomingData(id) {
			r.ec.setNodeStatus(st, api.NodeSkipped)
			queue = r.enqueueDependents(queue, st)
			continue
		}

		queue = r.executeNode(ctx, id, st, queue)
	}
}

// depsResolved reports whether every dependency reached a terminal state. A
// running loop node that already produced an iteration output counts as
// resolved so its body nodes can run inside the sub-run.
func (r *run) depsResolved(st *NodeExecutionState) bool {
	for _, dep := range st.Dependencies {
		ds := r.ec.state(dep)
		switch ds.Status {
		case api.NodeCompleted, api.NodeFailed, api.NodeSkipped, api.NodeCancelled:
		case api.NodeRunning:
			if ds.Output == nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// sourceOutput returns the output of a connection source if it produced one:
// completed sources always, running loop sources mid-iteration.
func (r *run) sourceOutput(id string) *api.NodeOutput {
	src := r.ec.state(id)
	if src.Output == nil {
		return nil
	}
	if src.Status == api.NodeCompleted || src.Status == api.NodeRunning {
		return src.Output
	}
	return nil
}

// hasIncomingData reports whether any incoming connection of the node carries
// items.
func (r *run) hasIncomingData(id string) bool {
	for _, c := range r.graph.incoming[id] {
		out := r.sourceOutput(c.SourceNodeID)
		if out == nil {
			continue
		}
		if len(branchOrMain(out, c.SourceOutputOrDefault())) > 0 {
			return true
		}
	}
	return false
}

// assembleInput builds the per-connection input lists. The start node with no
// incoming connections receives a single sub-list wrapping the trigger data.
func (r *run) assembleInput(id string) *api.NodeInput {
	conns := r.graph.incoming[id]
	if len(conns) == 0 && id == r.graph.start {
		return &api.NodeInput{Main: [][]api.Item{{{JSON: r.ec.TriggerData}}}}
	}
	in := &api.NodeInput{Main: make([][]api.Item, 0, len(conns))}
	for _, c := range conns {
		out := r.sourceOutput(c.SourceNodeID)
		if out == nil {
			in.Main = append(in.Main, []api.Item{})
			continue
		}
		in.Main = append(in.Main, branchOrMain(out, c.SourceOutputOrDefault()))
	}
	return in
}

// branchOrMain returns the output contribution for a connection port: the
// named branch when the output carries one, the main list otherwise.
func branchOrMain(out *api.NodeOutput, port string) []api.Item {
	if out.Branches != nil {
		if items, ok := out.Branches[port]; ok {
			return items
		}
	}
	return out.Main
}

func (r *run) executeNode(ctx context.Context, id string, st *NodeExecutionState, queue []string) []string {
	n, _ := r.wf.NodeByID(id)

	r.ec.markNodeRunning(st, r.assembleInput(id), time.Now().UTC())
	r.eng.emit(hooks.Event{
		Type:        hooks.NodeStarted,
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		NodeID:      id,
		Timestamp:   st.StartedAt,
	})
	if r.wf.Settings.SaveExecutionProgress {
		r.persistNode(ctx, st)
	}

	// Disabled nodes pass their input through unchanged.
	if n.Disabled {
		var all []api.Item
		for _, items := range st.Input.Main {
			all = append(all, items...)
		}
		r.completeNode(ctx, id, st, api.NewOutput(n.Type, all, nil))
		return r.enqueueDependents(queue, st)
	}

	t, err := r.eng.registry.Lookup(n.Type)
	if err != nil {
		r.failNode(ctx, id, st, KindUnknownNodeType, err)
		return queue
	}

	if t.Name == node.TypeLoop {
		return r.runLoop(ctx, n, t, st, queue)
	}

	out, err := r.invoke(ctx, n, t, st)
	if err != nil {
		if n.Settings.ContinueOnFail && out != nil {
			r.completeNode(ctx, id, st, withErrorData(out, err))
			return r.enqueueDependents(queue, st)
		}
		r.failNode(ctx, id, st, KindNodeFailure, err)
		return queue
	}
	r.completeNode(ctx, id, st, out)
	return r.enqueueDependents(queue, st)
}

// invoke calls the node handler with a span around it.
func (r *run) invoke(ctx context.Context, n workflow.Node, t node.Type, st *NodeExecutionState) (*api.NodeOutput, error) {
	if r.eng.tracer != nil {
		var span telemetry.Span
		ctx, span = r.eng.tracer.StartSpan(ctx, "flow.node",
			telemetry.Attr{Key: "node_id", Value: n.ID},
			telemetry.Attr{Key: "node_type", Value: n.Type})
		defer span.End()
	}
	req := &node.Request{
		Node:        n,
		Input:       *st.Input,
		Credentials: r.eng.creds,
		State:       st.scratch,
	}
	return t.Handler.Execute(ctx, req)
}

func (r *run) completeNode(ctx context.Context, id string, st *NodeExecutionState, out *api.NodeOutput) {
	r.ec.markNodeCompleted(st, out, time.Now().UTC())
	r.ec.appendPath(id)
	r.eng.emit(hooks.Event{
		Type:              hooks.NodeCompleted,
		ExecutionID:       r.ec.ExecutionID,
		WorkflowID:        r.ec.WorkflowID,
		NodeID:            id,
		ActiveConnections: r.activeConnections(id, out),
		Output:            out,
		Timestamp:         st.FinishedAt,
	})
	r.persistNode(ctx, st)
}

func (r *run) failNode(ctx context.Context, id string, st *NodeExecutionState, kind string, err error) {
	r.ec.markNodeFailed(st, &api.ExecutionError{Kind: kind, Message: err.Error(), NodeID: id}, time.Now().UTC())
	r.eng.logger.Warn(ctx, "node failed",
		"execution_id", r.ec.ExecutionID, "node_id", id, "kind", kind, "err", err)
	r.eng.emit(hooks.Event{
		Type:        hooks.NodeFailed,
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		NodeID:      id,
		Err:         st.Err,
		Timestamp:   st.FinishedAt,
	})
	r.persistNode(ctx, st)
}

// enqueueDependents queues every idle dependent of a finished node.
func (r *run) enqueueDependents(queue []string, st *NodeExecutionState) []string {
	for _, dep := range st.Dependents {
		ds := r.ec.state(dep)
		if ds.Status == api.NodeIdle {
			r.ec.setNodeStatus(ds, api.NodeQueued)
			queue = append(queue, dep)
		}
	}
	return queue
}

// activeConnections lists the outgoing connection ids that carry data after
// the node completed.
func (r *run) activeConnections(id string, out *api.NodeOutput) []string {
	var active []string
	for _, c := range r.graph.outgoing[id] {
		if len(branchOrMain(out, c.SourceOutputOrDefault())) > 0 {
			active = append(active, c.ID)
		}
	}
	return active
}

// withErrorData records the handler error inside the emitted items so
// downstream nodes and observers can see it.
func withErrorData(out *api.NodeOutput, err error) *api.NodeOutput {
	for i := range out.Main {
		if out.Main[i].JSON == nil {
			out.Main[i].JSON = make(map[string]any)
		}
		if _, exists := out.Main[i].JSON["error"]; !exists {
			out.Main[i].JSON["error"] = err.Error()
		}
	}
	return out
}

// finish computes the terminal status, emits the terminal event, persists the
// final row and schedules the context for release.
func (r *run) finish(ctx context.Context) *api.ExecutionResult {
	r.ec.mu.RLock()
	cancelled := r.ec.cancelled
	var completed, failed int
	for _, st := range r.ec.states {
		switch st.Status {
		case api.NodeCompleted:
			completed++
		case api.NodeFailed:
			failed++
		}
	}
	r.ec.mu.RUnlock()

	var status api.ExecutionStatus
	switch {
	case cancelled:
		status = api.ExecutionCancelled
	case failed == 0:
		status = api.ExecutionCompleted
	case completed <= failed:
		status = api.ExecutionFailed
	default:
		status = api.ExecutionPartial
	}
	r.ec.setStatus(status)

	res := r.ec.Result()
	res.FinishedAt = time.Now().UTC()
	r.persistFinish(ctx, res)
	r.eng.emitTerminal(res)
	r.eng.release(r.ec.ExecutionID)
	return res
}

func (e *engine) emit(event hooks.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

func (e *engine) emitTerminal(res *api.ExecutionResult) {
	var typ hooks.EventType
	switch res.Status {
	case api.ExecutionCancelled:
		typ = hooks.ExecutionCancelled
	case api.ExecutionFailed:
		typ = hooks.ExecutionFailed
	default:
		typ = hooks.ExecutionCompleted
	}
	e.emit(hooks.Event{
		Type:        typ,
		ExecutionID: res.ExecutionID,
		WorkflowID:  res.WorkflowID,
		Result:      res,
		Err:         res.Error,
		Timestamp:   time.Now().UTC(),
	})
}

func structuralFailure(executionID, workflowID string, err error) *api.ExecutionResult {
	kind := KindWorkflowCycle
	if err == ErrStartNodeNotFound {
		kind = KindStartNodeNotFound
	}
	now := time.Now().UTC()
	return &api.ExecutionResult{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      api.ExecutionFailed,
		StartedAt:   now,
		FinishedAt:  now,
		Error:       &api.ExecutionError{Kind: kind, Message: err.Error()},
	}
}
