// Package execution defines the persisted execution records and the store
// contract the engine writes through when a workflow opts into database
// persistence. The in-memory store backs tests and single-process
// deployments; features/store/mongo provides the durable implementation.
package execution

import (
	"context"
	"errors"
	"time"

	"goa.design/flow/runtime/api"
)

// Status is the persisted execution row status.
type Status string

// Persisted execution statuses.
const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// ErrNotFound is returned by stores when no record exists for an id.
var ErrNotFound = errors.New("execution not found")

type (
	// Record is one row of the execution table.
	Record struct {
		// ID is the execution id.
		ID string
		// WorkflowID identifies the executed workflow.
		WorkflowID string
		// Status is the row status.
		Status Status
		// StartedAt and FinishedAt bound the run. FinishedAt is zero while
		// the run is in progress.
		StartedAt  time.Time
		FinishedAt time.Time
		// TriggerData is the payload the trigger supplied.
		TriggerData map[string]any
		// Error describes the failure for ERROR rows.
		Error *api.ExecutionError
	}

	// NodeRecord is one row of the nodeExecution table.
	NodeRecord struct {
		// ID is the row id.
		ID string
		// ExecutionID links the row to its execution.
		ExecutionID string
		// NodeID is the workflow node that ran.
		NodeID string
		// Status is the node's terminal status.
		Status api.NodeStatus
		// StartedAt and FinishedAt bound the node run.
		StartedAt  time.Time
		FinishedAt time.Time
		// InputData is the assembled node input.
		InputData *api.NodeInput
		// OutputData is the standardized node output.
		OutputData *api.NodeOutput
		// Error describes the failure for failed nodes.
		Error *api.ExecutionError
	}

	// Store persists execution and node rows. Implementations must be safe
	// for concurrent use.
	Store interface {
		// CreateExecution inserts the execution row.
		CreateExecution(ctx context.Context, rec *Record) error

		// FinishExecution sets the terminal status, finish timestamp and
		// error of an execution row.
		FinishExecution(ctx context.Context, id string, status Status, finishedAt time.Time, execErr *api.ExecutionError) error

		// GetExecution returns the execution row or ErrNotFound.
		GetExecution(ctx context.Context, id string) (*Record, error)

		// SaveNode upserts a node row keyed by (executionId, nodeId).
		SaveNode(ctx context.Context, rec *NodeRecord) error

		// ListNodes returns the node rows of an execution.
		ListNodes(ctx context.Context, executionID string) ([]*NodeRecord, error)
	}
)
