// Package schedule implements durable cron scheduling for workflow schedule
// triggers: persisted ScheduledJob rows, a replicated map mirroring the
// active jobs across replicas, and a distributed ticker so exactly one
// replica evaluates due jobs per tick. Jobs survive restarts and firing
// rebalances when a replica disappears.
package schedule

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCron rejects malformed cron expressions or timezones at
	// registration time.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNotFound is returned by stores when no job row exists for a key.
	ErrNotFound = errors.New("scheduled job not found")
)

type (
	// Job is one row of the scheduledJob table, keyed uniquely by
	// (workflowId, triggerId).
	Job struct {
		// WorkflowID and TriggerID identify the owning trigger.
		WorkflowID string
		TriggerID  string
		// NodeID is the trigger node executions start from.
		NodeID string
		// CronExpression is the 5-field cron spec.
		CronExpression string
		// Timezone is the IANA zone the expression is evaluated in;
		// defaults to UTC.
		Timezone string
		// Active mirrors the workflow and trigger active flags.
		Active bool
		// LastRun and NextRun track firing times.
		LastRun time.Time
		NextRun time.Time
		// FailCount counts consecutive firing failures.
		FailCount int
		// LastError is the most recent firing error.
		LastError string
	}

	// Store persists scheduled job rows. Implementations must be safe for
	// concurrent use and enforce the (workflowId, triggerId) unique key.
	Store interface {
		// Upsert inserts or replaces the row for the job's key.
		Upsert(ctx context.Context, job *Job) error

		// Get returns the row for the key or ErrNotFound.
		Get(ctx context.Context, workflowID, triggerID string) (*Job, error)

		// List returns all rows.
		List(ctx context.Context) ([]*Job, error)

		// ListByWorkflow returns the rows of one workflow.
		ListByWorkflow(ctx context.Context, workflowID string) ([]*Job, error)

		// Delete removes the row for the key. Missing rows return
		// ErrNotFound.
		Delete(ctx context.Context, workflowID, triggerID string) error
	}
)

// Key returns the durable job key "workflowId-triggerId".
func (j *Job) Key() string {
	return j.WorkflowID + "-" + j.TriggerID
}
