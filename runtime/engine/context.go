package engine

import (
	"sync"
	"time"

	"goa.design/flow/runtime/api"
)

// contextRetention is how long terminated execution contexts remain queryable
// through Status.
const contextRetention = 60 * time.Second

type (
	// ExecutionContext is the in-memory state of one run. It is created when
	// the engine accepts a trigger request, lives until the run terminates
	// and is retained briefly afterwards for late status queries.
	ExecutionContext struct {
		// ExecutionID uniquely identifies the run.
		ExecutionID string
		// WorkflowID and UserID identify the executed workflow and its owner.
		WorkflowID string
		UserID     string
		// TriggerNodeID is the node the run started from.
		TriggerNodeID string
		// TriggerData is the payload supplied by the trigger.
		TriggerData map[string]any
		// StartedAt is when the run began.
		StartedAt time.Time
		// SaveToDatabase mirrors the workflow's persistence setting.
		SaveToDatabase bool

		mu        sync.RWMutex
		status    api.ExecutionStatus
		states    map[string]*NodeExecutionState
		path      []string
		cancelled bool
	}

	// NodeExecutionState tracks one node within an execution.
	NodeExecutionState struct {
		// NodeID is the workflow node id.
		NodeID string
		// Status is the node lifecycle state.
		Status api.NodeStatus
		// Dependencies and Dependents are the scope-local neighbor sets.
		Dependencies []string
		Dependents   []string
		// Input is the assembled node input of the last invocation.
		Input *api.NodeInput
		// Output is the standardized output; loop nodes hold their most
		// recent (finally, last) output here.
		Output *api.NodeOutput
		// StartedAt and FinishedAt bound the node run.
		StartedAt  time.Time
		FinishedAt time.Time
		// Err is set when the node failed.
		Err *api.ExecutionError

		// requeues counts scheduler requeue attempts.
		requeues int
		// scratch is handler state preserved across invocations (loop
		// cursors).
		scratch map[string]any
	}
)

func newExecutionContext(executionID, workflowID, userID, startID string, triggerData map[string]any, save bool, g *graph) *ExecutionContext {
	ec := &ExecutionContext{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		UserID:         userID,
		TriggerNodeID:  startID,
		TriggerData:    triggerData,
		StartedAt:      time.Now().UTC(),
		SaveToDatabase: save,
		status:         api.ExecutionRunning,
		states:         make(map[string]*NodeExecutionState, len(g.scope)),
	}
	for id := range g.scope {
		ec.states[id] = &NodeExecutionState{
			NodeID:       id,
			Status:       api.NodeIdle,
			Dependencies: g.deps[id],
			Dependents:   g.dependents[id],
			scratch:      make(map[string]any),
		}
	}
	return ec
}

func (ec *ExecutionContext) state(id string) *NodeExecutionState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.states[id]
}

func (ec *ExecutionContext) setStatus(s api.ExecutionStatus) {
	ec.mu.Lock()
	ec.status = s
	ec.mu.Unlock()
}

func (ec *ExecutionContext) appendPath(id string) {
	ec.mu.Lock()
	ec.path = append(ec.path, id)
	ec.mu.Unlock()
}

func (ec *ExecutionContext) markCancelled() {
	ec.mu.Lock()
	ec.cancelled = true
	ec.mu.Unlock()
}

// Node state mutations go through these setters. The scheduler goroutine is
// the single writer; the write lock orders its mutations against concurrent
// Result snapshots.

func (ec *ExecutionContext) setNodeStatus(st *NodeExecutionState, status api.NodeStatus) {
	ec.mu.Lock()
	st.Status = status
	ec.mu.Unlock()
}

func (ec *ExecutionContext) setNodeOutput(st *NodeExecutionState, out *api.NodeOutput) {
	ec.mu.Lock()
	st.Output = out
	ec.mu.Unlock()
}

func (ec *ExecutionContext) markNodeRunning(st *NodeExecutionState, in *api.NodeInput, at time.Time) {
	ec.mu.Lock()
	st.Input = in
	st.Status = api.NodeRunning
	st.StartedAt = at
	ec.mu.Unlock()
}

func (ec *ExecutionContext) markNodeCompleted(st *NodeExecutionState, out *api.NodeOutput, at time.Time) {
	ec.mu.Lock()
	st.Output = out
	st.Status = api.NodeCompleted
	st.FinishedAt = at
	ec.mu.Unlock()
}

func (ec *ExecutionContext) markNodeFailed(st *NodeExecutionState, execErr *api.ExecutionError, at time.Time) {
	ec.mu.Lock()
	st.Status = api.NodeFailed
	st.FinishedAt = at
	st.Err = execErr
	ec.mu.Unlock()
}

// resetNode returns a loop body node to idle for the next iteration.
func (ec *ExecutionContext) resetNode(st *NodeExecutionState) {
	ec.mu.Lock()
	st.Status = api.NodeIdle
	st.requeues = 0
	st.Output = nil
	st.Err = nil
	ec.mu.Unlock()
}

// Result snapshots the context into an ExecutionResult. Running contexts
// yield a result with status running and no finish timestamp.
func (ec *ExecutionContext) Result() *api.ExecutionResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	res := &api.ExecutionResult{
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.WorkflowID,
		Status:       ec.status,
		StartedAt:    ec.StartedAt,
		ExecutedPath: append([]string(nil), ec.path...),
		NodeOutputs:  make(map[string]*api.NodeOutput),
	}
	var firstErr *api.ExecutionError
	for id, st := range ec.states {
		if st.Output != nil {
			res.NodeOutputs[id] = st.Output
		}
		if st.Err != nil && firstErr == nil {
			firstErr = st.Err
		}
	}
	if res.Status == api.ExecutionFailed || res.Status == api.ExecutionPartial {
		res.Error = firstErr
	}
	return res
}
