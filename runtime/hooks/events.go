package hooks

import (
	"time"

	"goa.design/flow/runtime/api"
)

// EventType identifies the lifecycle event carried by an Event.
type EventType string

// Lifecycle event types published by the execution engine and the webhook
// layer.
const (
	ExecutionStarted   EventType = "execution-started"
	ExecutionCompleted EventType = "execution-completed"
	ExecutionFailed    EventType = "execution-failed"
	ExecutionCancelled EventType = "execution-cancelled"

	NodeStarted   EventType = "node-started"
	NodeCompleted EventType = "node-completed"
	NodeFailed    EventType = "node-failed"

	WebhookTestTriggered EventType = "webhook-test-triggered"
)

type (
	// Event is a single lifecycle notification. Fields beyond Type,
	// ExecutionID and Timestamp are populated per event type.
	Event struct {
		// Type identifies the event.
		Type EventType
		// ExecutionID scopes the event to one execution.
		ExecutionID string
		// WorkflowID identifies the workflow being executed.
		WorkflowID string
		// NodeID is set on node-* events.
		NodeID string
		// ActiveConnections lists the ids of downstream connections
		// activated by a completed node, computed from branch
		// non-emptiness. Set on node-completed.
		ActiveConnections []string
		// Output is the node output on node-completed, nil otherwise.
		Output *api.NodeOutput
		// Result is the terminal result on execution-completed,
		// execution-failed and execution-cancelled.
		Result *api.ExecutionResult
		// Err describes the failure on node-failed and execution-failed.
		Err *api.ExecutionError
		// Timestamp is when the event was emitted.
		Timestamp time.Time
	}
)
