package schedule_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/schedule"
	"goa.design/flow/runtime/schedule/inmem"
	"goa.design/flow/runtime/trigger"
	"goa.design/flow/runtime/workflow"
	wfinmem "goa.design/flow/runtime/workflow/inmem"
)

// fakeTriggers records fired requests and fails according to the queued
// errors, one per call.
type fakeTriggers struct {
	mu   sync.Mutex
	reqs []*trigger.Request
	errs []error
}

func (f *fakeTriggers) ExecuteTrigger(_ context.Context, req *trigger.Request) (*trigger.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &trigger.Admission{ExecutionID: "e1", Status: "started"}, nil
}

func (f *fakeTriggers) ExecuteTriggerAndWait(context.Context, *trigger.Request, time.Duration) (*api.ExecutionResult, error) {
	return nil, nil
}

func (f *fakeTriggers) Cancel(string) error  { return nil }
func (f *fakeTriggers) Stats() trigger.Stats { return trigger.Stats{} }
func (f *fakeTriggers) Close()               {}

func (f *fakeTriggers) fired() []*trigger.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*trigger.Request(nil), f.reqs...)
}

type managerFixture struct {
	store     *inmem.Store
	workflows *wfinmem.Store
	triggers  *fakeTriggers
	mirror    *schedule.LocalMirror
	mgr       *schedule.Manager
}

func newManagerFixture(t *testing.T, opts schedule.Options) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:     inmem.New(),
		workflows: wfinmem.New(),
		triggers:  &fakeTriggers{},
		mirror:    schedule.NewLocalMirror(),
	}
	opts.Store = f.store
	opts.Workflows = f.workflows
	opts.Triggers = f.triggers
	opts.Mirror = f.mirror
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Millisecond
	}
	f.mgr = schedule.NewManager(opts)
	return f
}

func scheduledWorkflow(id, cronExpr string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:     id,
		UserID: "u1",
		Active: true,
		Nodes:  []workflow.Node{{ID: "start", Type: "noop"}},
		Triggers: []workflow.TriggerDefinition{
			{
				ID:       "t1",
				Kind:     workflow.TriggerSchedule,
				NodeID:   "start",
				Active:   true,
				Schedule: &workflow.ScheduleSettings{CronExpression: cronExpr},
			},
		},
	}
}

func TestSyncWorkflowMirrorsActiveJobs(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	wf := scheduledWorkflow("wf1", "*/5 * * * *")

	require.NoError(t, f.mgr.SyncWorkflow(ctx, wf))

	job, err := f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	require.True(t, job.Active)
	require.Equal(t, "*/5 * * * *", job.CronExpression)
	require.True(t, job.NextRun.After(time.Now().UTC()))

	raw, ok := f.mirror.Get(job.Key())
	require.True(t, ok)
	var e schedule.MirrorEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	require.Equal(t, "start", e.NodeID)
	require.Equal(t, "*/5 * * * *", e.Cron)
}

func TestSyncWorkflowRejectsInvalidCron(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	wf := scheduledWorkflow("wf1", "not a cron")

	require.ErrorIs(t, f.mgr.SyncWorkflow(ctx, wf), schedule.ErrInvalidCron)
	_, err := f.store.Get(ctx, "wf1", "t1")
	require.ErrorIs(t, err, schedule.ErrNotFound)
}

func TestSyncWorkflowDeactivates(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	wf := scheduledWorkflow("wf1", "*/5 * * * *")
	require.NoError(t, f.mgr.SyncWorkflow(ctx, wf))

	wf.Active = false
	require.NoError(t, f.mgr.SyncWorkflow(ctx, wf))

	job, err := f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	require.False(t, job.Active)
	_, ok := f.mirror.Get(job.Key())
	require.False(t, ok)
}

func TestSyncWorkflowRemovesStaleTriggers(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	wf := scheduledWorkflow("wf1", "*/5 * * * *")
	require.NoError(t, f.mgr.SyncWorkflow(ctx, wf))

	// The schedule trigger disappears from the workflow.
	wf.Triggers = nil
	require.NoError(t, f.mgr.SyncWorkflow(ctx, wf))

	_, err := f.store.Get(ctx, "wf1", "t1")
	require.ErrorIs(t, err, schedule.ErrNotFound)
	require.Empty(t, f.mirror.Keys())
}

func TestRemoveWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	require.NoError(t, f.mgr.SyncWorkflow(ctx, scheduledWorkflow("wf1", "*/5 * * * *")))

	require.NoError(t, f.mgr.RemoveWorkflow(ctx, "wf1"))
	_, err := f.store.Get(ctx, "wf1", "t1")
	require.ErrorIs(t, err, schedule.ErrNotFound)
	require.Empty(t, f.mirror.Keys())
}

func TestEvaluateDueFiresAndAdvances(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{})
	require.NoError(t, f.mgr.SyncWorkflow(ctx, scheduledWorkflow("wf1", "* * * * *")))

	// Rewind the mirrored next-run so the job is due.
	job, err := f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	raw, err := json.Marshal(schedule.MirrorEntry{
		WorkflowID: "wf1", TriggerID: "t1", NodeID: "start",
		Cron: "* * * * *", NextRun: past,
	})
	require.NoError(t, err)
	_, err = f.mirror.Set(ctx, job.Key(), string(raw))
	require.NoError(t, err)

	now := time.Now().UTC()
	f.mgr.EvaluateDue(ctx, now)

	fired := f.triggers.fired()
	require.Len(t, fired, 1)
	require.Equal(t, workflow.TriggerSchedule, fired[0].Kind)
	require.Equal(t, "wf1", fired[0].WorkflowID)
	require.Equal(t, "start", fired[0].NodeID)
	require.Equal(t, "t1", fired[0].Data["triggerId"])

	// The mirror entry moved past now and the row recorded the firing.
	stored, ok := f.mirror.Get(job.Key())
	require.True(t, ok)
	var e schedule.MirrorEntry
	require.NoError(t, json.Unmarshal([]byte(stored), &e))
	require.True(t, e.NextRun.After(now))

	job, err = f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	require.Equal(t, now, job.LastRun)
	require.Zero(t, job.FailCount)

	// Not due again until the next minute boundary.
	f.mgr.EvaluateDue(ctx, now)
	require.Len(t, f.triggers.fired(), 1)
}

func TestEvaluateDueRetriesFailures(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{RetryAttempts: 3})
	require.NoError(t, f.mgr.SyncWorkflow(ctx, scheduledWorkflow("wf1", "* * * * *")))
	f.triggers.errs = []error{errors.New("transient"), errors.New("transient")}

	job, _ := f.store.Get(ctx, "wf1", "t1")
	raw, _ := json.Marshal(schedule.MirrorEntry{
		WorkflowID: "wf1", TriggerID: "t1", NodeID: "start",
		Cron: "* * * * *", NextRun: time.Now().UTC().Add(-time.Minute),
	})
	_, err := f.mirror.Set(ctx, job.Key(), string(raw))
	require.NoError(t, err)

	f.mgr.EvaluateDue(ctx, time.Now().UTC())

	// Two failures, then success on the third attempt.
	require.Len(t, f.triggers.fired(), 3)
	job, err = f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	require.Zero(t, job.FailCount)
	require.Empty(t, job.LastError)
}

func TestEvaluateDueNotActiveStopsRetrying(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{RetryAttempts: 3})
	require.NoError(t, f.mgr.SyncWorkflow(ctx, scheduledWorkflow("wf1", "* * * * *")))
	f.triggers.errs = []error{trigger.ErrNotActive}

	job, _ := f.store.Get(ctx, "wf1", "t1")
	raw, _ := json.Marshal(schedule.MirrorEntry{
		WorkflowID: "wf1", TriggerID: "t1", NodeID: "start",
		Cron: "* * * * *", NextRun: time.Now().UTC().Add(-time.Minute),
	})
	_, err := f.mirror.Set(ctx, job.Key(), string(raw))
	require.NoError(t, err)

	f.mgr.EvaluateDue(ctx, time.Now().UTC())

	require.Len(t, f.triggers.fired(), 1)
	job, err = f.store.Get(ctx, "wf1", "t1")
	require.NoError(t, err)
	require.Equal(t, 1, job.FailCount)
	require.NotEmpty(t, job.LastError)
}

func TestStartReloadsActiveJobs(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, schedule.Options{Resolution: time.Hour})

	require.NoError(t, f.workflows.Save(ctx, scheduledWorkflow("wf1", "* * * * *")))
	inactive := scheduledWorkflow("wf2", "* * * * *")
	inactive.Active = false
	require.NoError(t, f.workflows.Save(ctx, inactive))

	require.NoError(t, f.store.Upsert(ctx, &schedule.Job{
		WorkflowID: "wf1", TriggerID: "t1", NodeID: "start",
		CronExpression: "* * * * *", Active: true,
	}))
	require.NoError(t, f.store.Upsert(ctx, &schedule.Job{
		WorkflowID: "wf2", TriggerID: "t1", NodeID: "start",
		CronExpression: "* * * * *", Active: true,
	}))

	// Stale entries from a previous deployment are cleared on start.
	_, err := f.mirror.Set(ctx, "wf9-t9", "{}")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Start(ctx))
	defer f.mgr.Stop()

	keys := f.mirror.Keys()
	require.Equal(t, []string{"wf1-t1"}, keys)
}

func TestLocalMirror(t *testing.T) {
	ctx := context.Background()
	m := schedule.NewLocalMirror()

	prev, err := m.Set(ctx, "k1", "v1")
	require.NoError(t, err)
	require.Empty(t, prev)

	prev, err = m.Set(ctx, "k1", "v2")
	require.NoError(t, err)
	require.Equal(t, "v1", prev)

	v, ok := m.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v2", v)

	require.ElementsMatch(t, []string{"k1"}, m.Keys())

	prev, err = m.Delete(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v2", prev)
	_, ok = m.Get("k1")
	require.False(t, ok)
}
