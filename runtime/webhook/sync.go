package webhook

import (
	"context"

	"goa.design/flow/runtime/workflow"
)

// Syncer adapts the webhook registry to the workflow sync facade: on save the
// workflow's webhook entries are re-registered from scratch, on delete they
// are dropped.
type Syncer struct {
	Registry *Registry
}

// SyncWorkflow implements workflow.TriggerSync.
func (s *Syncer) SyncWorkflow(_ context.Context, wf *workflow.Workflow) error {
	s.Registry.UnregisterWorkflow(wf.ID)
	if !wf.Active {
		return nil
	}
	for _, t := range wf.Triggers {
		if t.Kind != workflow.TriggerWebhook || !t.Active || t.Webhook == nil {
			continue
		}
		s.Registry.Register(&Entry{
			WorkflowID: wf.ID,
			TriggerID:  t.ID,
			NodeID:     t.NodeID,
			Settings:   *t.Webhook,
		})
	}
	return nil
}

// RemoveWorkflow implements workflow.TriggerSync.
func (s *Syncer) RemoveWorkflow(_ context.Context, workflowID string) error {
	s.Registry.UnregisterWorkflow(workflowID)
	return nil
}
