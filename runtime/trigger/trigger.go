// Package trigger implements the admission layer between trigger sources
// (webhooks, schedules, manual invocations) and the execution engine:
// per-process concurrency caps, a bounded priority queue with conflict
// policies, cancellation of active runs and admission statistics.
package trigger

import (
	"errors"
	"time"

	"goa.design/flow/runtime/workflow"
)

var (
	// ErrNotActive rejects triggers for inactive or missing workflows.
	ErrNotActive = errors.New("workflow not active")

	// ErrConcurrencyLimit rejects triggers under the reject conflict policy
	// when a concurrency cap is full.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")

	// ErrQueueFull rejects triggers when the pending queue is at capacity.
	ErrQueueFull = errors.New("trigger queue full")

	// ErrNotFound is returned by Cancel for unknown execution ids.
	ErrNotFound = errors.New("execution not active")

	// ErrNoTriggerNode rejects requests that name no start node when the
	// workflow declares no trigger to resolve one from.
	ErrNoTriggerNode = errors.New("no trigger node for workflow")
)

// ConflictPolicy selects what happens when a concurrency cap is full.
type ConflictPolicy string

// Conflict policies.
const (
	PolicyQueue        ConflictPolicy = "queue"
	PolicyReject       ConflictPolicy = "reject"
	PolicyCancelOldest ConflictPolicy = "cancel-oldest"
)

// Default priorities per trigger kind; 1 is highest.
const (
	PriorityManual   = 1
	PriorityWebhook  = 2
	PrioritySchedule = 3
)

// Default per-variant execution timeouts.
const (
	DefaultManualTimeout   = 10 * time.Minute
	DefaultScheduleTimeout = 5 * time.Minute
	DefaultWebhookTimeout  = 30 * time.Second
)

type (
	// Request is one trigger execution request.
	Request struct {
		// Kind is the trigger variant.
		Kind workflow.TriggerKind
		// WorkflowID identifies the workflow to run.
		WorkflowID string
		// UserID is the invoking user; defaults to the workflow owner.
		UserID string
		// NodeID is the trigger node the execution starts from.
		NodeID string
		// Data is the trigger payload handed to the start node.
		Data map[string]any
		// Priority orders queued requests; zero picks the kind default.
		Priority int
		// EnqueuedAt is set by the manager when the request is queued.
		EnqueuedAt time.Time
	}

	// Admission is the manager's reply to an accepted request.
	Admission struct {
		// ExecutionID identifies the run; waiters poll the result cache
		// with it.
		ExecutionID string
		// Status is "started" for admitted requests and "queued" for
		// requests parked in the priority queue.
		Status string
	}

	// Stats is a point-in-time snapshot of the manager state.
	Stats struct {
		// Active is the number of running executions.
		Active int
		// Queued is the number of pending requests.
		Queued int
		// PerWorkflow and PerUser count active executions per key.
		PerWorkflow map[string]int
		PerUser     map[string]int
	}
)

// DefaultPriority returns the default priority for a trigger kind.
func DefaultPriority(kind workflow.TriggerKind) int {
	switch kind {
	case workflow.TriggerManual:
		return PriorityManual
	case workflow.TriggerSchedule:
		return PrioritySchedule
	default:
		return PriorityWebhook
	}
}

// StartNodeID resolves the node an execution of the given kind starts from
// when the request names none: the first active trigger definition of that
// kind wins. Manual runs of workflows without a declared manual trigger fall
// back to the first node with no incoming connections.
func StartNodeID(wf *workflow.Workflow, kind workflow.TriggerKind) string {
	for _, t := range wf.Triggers {
		if t.Kind == kind && t.Active {
			return t.NodeID
		}
	}
	if kind != workflow.TriggerManual {
		return ""
	}
	targets := make(map[string]bool, len(wf.Connections))
	for _, c := range wf.Connections {
		targets[c.TargetNodeID] = true
	}
	for _, n := range wf.Nodes {
		if !targets[n.ID] {
			return n.ID
		}
	}
	return ""
}

// ExecutionTimeout returns the default execution timeout for a trigger kind.
func ExecutionTimeout(kind workflow.TriggerKind) time.Duration {
	switch kind {
	case workflow.TriggerManual:
		return DefaultManualTimeout
	case workflow.TriggerSchedule:
		return DefaultScheduleTimeout
	default:
		return DefaultWebhookTimeout
	}
}
