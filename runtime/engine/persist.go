package engine

import (
	"context"
	"errors"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/execution"
	"goa.design/flow/runtime/workflow"
)

// Persistence is best-effort: store failures are logged and never abort the
// run.

func (r *run) persistStart(ctx context.Context) {
	if !r.ec.SaveToDatabase || r.eng.store == nil {
		return
	}
	err := r.eng.store.CreateExecution(ctx, &execution.Record{
		ID:          r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		Status:      execution.StatusRunning,
		StartedAt:   r.ec.StartedAt,
		TriggerData: r.ec.TriggerData,
	})
	if err != nil {
		r.eng.logger.Error(ctx, "persist execution start failed",
			"execution_id", r.ec.ExecutionID, "err", err)
	}
}

func (r *run) persistNode(ctx context.Context, st *NodeExecutionState) {
	if !r.ec.SaveToDatabase || r.eng.store == nil {
		return
	}
	rec := &execution.NodeRecord{
		ID:          r.ec.ExecutionID + ":" + st.NodeID,
		ExecutionID: r.ec.ExecutionID,
		NodeID:      st.NodeID,
		Status:      st.Status,
		StartedAt:   st.StartedAt,
		FinishedAt:  st.FinishedAt,
		Error:       st.Err,
	}
	if r.saveNodeData(st.Status) {
		rec.InputData = st.Input
		rec.OutputData = st.Output
	}
	// Nodes finish after the run context expired on the timeout and
	// cancellation paths; the row is written on a detached context.
	if err := r.eng.store.SaveNode(context.WithoutCancel(ctx), rec); err != nil {
		r.eng.logger.Error(ctx, "persist node state failed",
			"execution_id", r.ec.ExecutionID, "node_id", st.NodeID, "err", err)
	}
}

// saveNodeData honors the workflow's save-data settings: node payloads are
// retained unless the matching setting is "none".
func (r *run) saveNodeData(status api.NodeStatus) bool {
	if status == api.NodeFailed {
		return r.wf.Settings.SaveDataErrorExecution != workflow.SaveNone
	}
	return r.wf.Settings.SaveDataSuccessExecution != workflow.SaveNone
}

func (r *run) persistFinish(ctx context.Context, res *api.ExecutionResult) {
	if !r.ec.SaveToDatabase || r.eng.store == nil {
		return
	}
	status := execution.StatusSuccess
	switch res.Status {
	case api.ExecutionFailed, api.ExecutionPartial:
		status = execution.StatusError
	case api.ExecutionCancelled:
		status = execution.StatusCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = execution.StatusTimeout
		}
	}
	// The run context is already dead whenever status is CANCELLED or
	// TIMEOUT; the terminal row is written on a detached context.
	if err := r.eng.store.FinishExecution(context.WithoutCancel(ctx), res.ExecutionID, status, res.FinishedAt, res.Error); err != nil {
		r.eng.logger.Error(ctx, "persist execution finish failed",
			"execution_id", res.ExecutionID, "err", err)
	}
}
