package workflow

import (
	"context"
	"fmt"
	"time"

	"goa.design/flow/runtime/telemetry"
)

type (
	// TriggerSync reconciles a trigger subsystem (webhook registry,
	// schedule manager) with a workflow's current trigger definitions.
	TriggerSync interface {
		// SyncWorkflow activates new triggers, updates changed ones and
		// deactivates removed ones for the workflow.
		SyncWorkflow(ctx context.Context, wf *Workflow) error

		// RemoveWorkflow removes every trigger registration of the
		// workflow.
		RemoveWorkflow(ctx context.Context, workflowID string) error
	}

	// Service is the workflow sync facade: saving a workflow validates it,
	// persists it and reconciles every trigger subsystem in one operation,
	// so the registries never drift from the stored documents.
	Service struct {
		store  Store
		syncs  []TriggerSync
		logger telemetry.Logger
	}
)

// NewService constructs the sync facade over a store and the trigger
// subsystems to keep in sync.
func NewService(store Store, logger telemetry.Logger, syncs ...TriggerSync) *Service {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Service{store: store, syncs: syncs, logger: logger}
}

// Get returns the stored workflow.
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.store.Get(ctx, id)
}

// List returns stored workflows, optionally restricted to active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Workflow, error) {
	return s.store.List(ctx, activeOnly)
}

// Save validates the workflow, persists it and reconciles the trigger
// subsystems. Validation or reconciliation errors abort the save; a
// reconciliation failure after persistence is returned so callers can retry.
func (s *Service) Save(ctx context.Context, wf *Workflow) error {
	if err := Validate(wf); err != nil {
		return fmt.Errorf("validate workflow %q: %w", wf.ID, err)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := s.store.Save(ctx, wf); err != nil {
		return fmt.Errorf("save workflow %q: %w", wf.ID, err)
	}
	for _, sync := range s.syncs {
		if err := sync.SyncWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("sync triggers of workflow %q: %w", wf.ID, err)
		}
	}
	s.logger.Info(ctx, "workflow saved", "workflow_id", wf.ID, "active", wf.Active)
	return nil
}

// Delete removes the workflow's trigger registrations and then the document
// itself.
func (s *Service) Delete(ctx context.Context, id string) error {
	for _, sync := range s.syncs {
		if err := sync.RemoveWorkflow(ctx, id); err != nil {
			return fmt.Errorf("remove triggers of workflow %q: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete workflow %q: %w", id, err)
	}
	s.logger.Info(ctx, "workflow deleted", "workflow_id", id)
	return nil
}
