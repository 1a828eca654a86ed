package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/workflow"
	"goa.design/flow/runtime/workflow/inmem"
)

type recordingSync struct {
	synced  []string
	removed []string
	fail    error
}

func (r *recordingSync) SyncWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if r.fail != nil {
		return r.fail
	}
	r.synced = append(r.synced, wf.ID)
	return nil
}

func (r *recordingSync) RemoveWorkflow(_ context.Context, workflowID string) error {
	if r.fail != nil {
		return r.fail
	}
	r.removed = append(r.removed, workflowID)
	return nil
}

func testWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:     id,
		UserID: "u1",
		Active: true,
		Nodes:  []workflow.Node{{ID: "start", Type: "noop"}},
		Triggers: []workflow.TriggerDefinition{
			{ID: "t1", Kind: workflow.TriggerManual, NodeID: "start", Active: true},
		},
	}
}

func TestServiceSaveSyncsTriggers(t *testing.T) {
	ctx := context.Background()
	sync := &recordingSync{}
	svc := workflow.NewService(inmem.New(), nil, sync)

	wf := testWorkflow("wf1")
	require.NoError(t, svc.Save(ctx, wf))
	require.Equal(t, []string{"wf1"}, sync.synced)
	require.False(t, wf.CreatedAt.IsZero())
	require.False(t, wf.UpdatedAt.IsZero())

	got, err := svc.Get(ctx, "wf1")
	require.NoError(t, err)
	require.Equal(t, "wf1", got.ID)
}

func TestServiceSaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	sync := &recordingSync{}
	svc := workflow.NewService(inmem.New(), nil, sync)

	wf := testWorkflow("wf1")
	wf.Connections = []workflow.Connection{{ID: "c1", SourceNodeID: "start", TargetNodeID: "ghost"}}
	require.Error(t, svc.Save(ctx, wf))
	require.Empty(t, sync.synced)
}

func TestServiceSaveSyncFailure(t *testing.T) {
	ctx := context.Background()
	sync := &recordingSync{fail: errors.New("registry down")}
	svc := workflow.NewService(inmem.New(), nil, sync)

	err := svc.Save(ctx, testWorkflow("wf1"))
	require.ErrorContains(t, err, "registry down")
}

func TestServiceDeleteRemovesTriggers(t *testing.T) {
	ctx := context.Background()
	sync := &recordingSync{}
	svc := workflow.NewService(inmem.New(), nil, sync)

	require.NoError(t, svc.Save(ctx, testWorkflow("wf1")))
	require.NoError(t, svc.Delete(ctx, "wf1"))
	require.Equal(t, []string{"wf1"}, sync.removed)

	_, err := svc.Get(ctx, "wf1")
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestServiceListActiveOnly(t *testing.T) {
	ctx := context.Background()
	svc := workflow.NewService(inmem.New(), nil)

	active := testWorkflow("wf1")
	inactive := testWorkflow("wf2")
	inactive.Active = false
	require.NoError(t, svc.Save(ctx, active))
	require.NoError(t, svc.Save(ctx, inactive))

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	got, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "wf1", got[0].ID)
}
