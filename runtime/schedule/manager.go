package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"goa.design/flow/runtime/telemetry"
	"goa.design/flow/runtime/trigger"
	"goa.design/flow/runtime/workflow"
)

// tickerName identifies the shared distributed ticker. Only one replica in
// the pool receives each tick, so due-job evaluation runs exactly once per
// interval cluster-wide and moves to a surviving replica on failure.
const tickerName = "flow:schedule:tick"

// Firing retry defaults: exponential backoff per firing attempt.
const (
	defaultResolution      = time.Minute
	defaultRetryAttempts   = 3
	defaultRetryBase       = 2 * time.Second
	defaultRetryMultiplier = 2
)

type (
	// Mirror is the replicated map the active jobs are mirrored into. It is
	// satisfied by *rmap.Map from goa.design/pulse/rmap.
	Mirror interface {
		Set(ctx context.Context, key, value string) (string, error)
		Get(key string) (string, bool)
		Delete(ctx context.Context, key string) (string, error)
		Keys() []string
	}

	// Manager owns the scheduled job lifecycle: persistence, the replicated
	// mirror, workflow save/delete synchronization and firing.
	Manager struct {
		store     Store
		workflows workflow.Store
		triggers  trigger.Manager
		mirror    Mirror
		pool      *pool.Node
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		resolution      time.Duration
		retryAttempts   int
		retryBase       time.Duration
		retryMultiplier int

		mu      sync.Mutex
		started bool
		stop    chan struct{}
		wg      sync.WaitGroup
	}

	// Options configures a Manager.
	Options struct {
		// Store persists job rows. Required.
		Store Store
		// Workflows resolves workflow active flags on reload. Required.
		Workflows workflow.Store
		// Triggers receives the schedule trigger requests. Required.
		Triggers trigger.Manager
		// Mirror is the shared replicated job map. Required.
		Mirror Mirror
		// Pool provides the distributed ticker. When nil the manager falls
		// back to a process-local ticker (single-replica deployments).
		Pool *pool.Node
		// Logger and Metrics plug in observability. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Resolution is the tick interval; defaults to one minute, the
		// resolution floor of 5-field cron.
		Resolution time.Duration
		// RetryAttempts, RetryBase and RetryMultiplier shape the firing
		// backoff.
		RetryAttempts   int
		RetryBase       time.Duration
		RetryMultiplier int
	}

	// mirrorEntry is the JSON value stored in the replicated map per job.
	mirrorEntry struct {
		WorkflowID string    `json:"workflowId"`
		TriggerID  string    `json:"triggerId"`
		NodeID     string    `json:"nodeId"`
		Cron       string    `json:"cron"`
		Timezone   string    `json:"timezone,omitempty"`
		NextRun    time.Time `json:"nextRun"`
	}
)

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:           opts.Store,
		workflows:       opts.Workflows,
		triggers:        opts.Triggers,
		mirror:          opts.Mirror,
		pool:            opts.Pool,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		resolution:      opts.Resolution,
		retryAttempts:   opts.RetryAttempts,
		retryBase:       opts.RetryBase,
		retryMultiplier: opts.RetryMultiplier,
		stop:            make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = telemetry.NoopLogger{}
	}
	if m.resolution <= 0 {
		m.resolution = defaultResolution
	}
	if m.retryAttempts <= 0 {
		m.retryAttempts = defaultRetryAttempts
	}
	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}
	if m.retryMultiplier <= 0 {
		m.retryMultiplier = defaultRetryMultiplier
	}
	return m
}

// Start reloads the mirror from the job table and begins ticking. Reload
// clears this manager's mirror namespace first so stale entries from previous
// deployments disappear.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	for _, key := range m.mirror.Keys() {
		if _, err := m.mirror.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear schedule mirror: %w", err)
		}
	}

	jobs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Active {
			continue
		}
		wf, err := m.workflows.Get(ctx, job.WorkflowID)
		if err != nil || !wf.Active {
			continue
		}
		if err := m.mirrorJob(ctx, job, now); err != nil {
			return err
		}
	}

	if m.pool != nil {
		ticker, err := m.pool.NewTicker(ctx, tickerName, m.resolution)
		if err != nil {
			return fmt.Errorf("create distributed ticker: %w", err)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-ticker.C:
					m.evaluateDue(context.Background(), time.Now().UTC())
				}
			}
		}()
		return nil
	}

	ticker := time.NewTicker(m.resolution)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.evaluateDue(context.Background(), time.Now().UTC())
			}
		}
	}()
	return nil
}

// Stop halts ticking. Job rows and mirror entries are left in place for the
// next replica.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()
	close(m.stop)
	m.wg.Wait()
}

// SyncWorkflow reconciles the job rows and mirror entries of a workflow with
// its current schedule triggers: rows for removed triggers are deleted,
// current triggers are upserted, and inactive workflows have their entries
// deactivated. Invalid cron settings reject the sync.
func (m *Manager) SyncWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	current := make(map[string]workflow.TriggerDefinition)
	for _, t := range wf.Triggers {
		if t.Kind == workflow.TriggerSchedule {
			current[t.ID] = t
		}
	}

	rows, err := m.store.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	for _, row := range rows {
		if _, ok := current[row.TriggerID]; ok {
			continue
		}
		if err := m.store.Delete(ctx, row.WorkflowID, row.TriggerID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete scheduled job %s: %w", row.Key(), err)
		}
		if _, err := m.mirror.Delete(ctx, row.Key()); err != nil {
			return fmt.Errorf("remove mirror entry %s: %w", row.Key(), err)
		}
	}

	now := time.Now().UTC()
	for _, t := range current {
		if t.Schedule == nil {
			return fmt.Errorf("%w: trigger %s has no schedule settings", ErrInvalidCron, t.ID)
		}
		expr, err := CronFromSettings(t.Schedule)
		if err != nil {
			return err
		}
		job := &Job{WorkflowID: wf.ID, TriggerID: t.ID}
		if existing, err := m.store.Get(ctx, wf.ID, t.ID); err == nil {
			job = existing
		}
		job.NodeID = t.NodeID
		job.CronExpression = expr
		job.Timezone = t.Schedule.Timezone
		job.Active = wf.Active && t.Active
		if job.Active {
			next, err := NextRun(expr, job.Timezone, now)
			if err != nil {
				return err
			}
			job.NextRun = next
		}
		if err := m.store.Upsert(ctx, job); err != nil {
			return fmt.Errorf("upsert scheduled job %s: %w", job.Key(), err)
		}
		if job.Active {
			if err := m.mirrorJob(ctx, job, now); err != nil {
				return err
			}
		} else if _, err := m.mirror.Delete(ctx, job.Key()); err != nil {
			return fmt.Errorf("remove mirror entry %s: %w", job.Key(), err)
		}
	}
	return nil
}

// RemoveWorkflow deletes every job row and mirror entry of a workflow.
func (m *Manager) RemoveWorkflow(ctx context.Context, workflowID string) error {
	rows, err := m.store.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	for _, row := range rows {
		if err := m.store.Delete(ctx, row.WorkflowID, row.TriggerID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete scheduled job %s: %w", row.Key(), err)
		}
		if _, err := m.mirror.Delete(ctx, row.Key()); err != nil {
			return fmt.Errorf("remove mirror entry %s: %w", row.Key(), err)
		}
	}
	return nil
}

func (m *Manager) mirrorJob(ctx context.Context, job *Job, now time.Time) error {
	next := job.NextRun
	if next.IsZero() || !next.After(now) {
		var err error
		next, err = NextRun(job.CronExpression, job.Timezone, now)
		if err != nil {
			return err
		}
	}
	raw, err := json.Marshal(mirrorEntry{
		WorkflowID: job.WorkflowID,
		TriggerID:  job.TriggerID,
		NodeID:     job.NodeID,
		Cron:       job.CronExpression,
		Timezone:   job.Timezone,
		NextRun:    next,
	})
	if err != nil {
		return fmt.Errorf("encode mirror entry: %w", err)
	}
	if _, err := m.mirror.Set(ctx, job.Key(), string(raw)); err != nil {
		return fmt.Errorf("set mirror entry %s: %w", job.Key(), err)
	}
	return nil
}

// evaluateDue fires every mirrored job whose next-run time has passed and
// advances its schedule. It runs on whichever replica receives the tick.
func (m *Manager) evaluateDue(ctx context.Context, now time.Time) {
	for _, key := range m.mirror.Keys() {
		raw, ok := m.mirror.Get(key)
		if !ok {
			continue
		}
		var e mirrorEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			m.logger.Error(ctx, "corrupt schedule mirror entry", "key", key, "err", err)
			continue
		}
		if e.NextRun.After(now) {
			continue
		}

		fireErr := m.fire(ctx, &e)
		next, err := NextRun(e.Cron, e.Timezone, now)
		if err != nil {
			m.logger.Error(ctx, "schedule next-run computation failed", "key", key, "err", err)
			continue
		}
		e.NextRun = next
		if raw, err := json.Marshal(e); err == nil {
			if _, err := m.mirror.Set(ctx, key, string(raw)); err != nil {
				m.logger.Error(ctx, "schedule mirror update failed", "key", key, "err", err)
			}
		}
		m.recordFiring(ctx, &e, now, next, fireErr)
	}
}

// fire emits the schedule trigger request with bounded exponential backoff.
func (m *Manager) fire(ctx context.Context, e *mirrorEntry) error {
	var err error
	delay := m.retryBase
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		_, err = m.triggers.ExecuteTrigger(ctx, &trigger.Request{
			Kind:       workflow.TriggerSchedule,
			WorkflowID: e.WorkflowID,
			NodeID:     e.NodeID,
			Data: map[string]any{
				"triggerId": e.TriggerID,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		})
		if err == nil {
			return nil
		}
		// A deactivated workflow will not recover within this firing.
		if errors.Is(err, trigger.ErrNotActive) {
			return err
		}
		if attempt < m.retryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= time.Duration(m.retryMultiplier)
		}
	}
	return err
}

// recordFiring persists lastRun, nextRun and the failure bookkeeping on the
// job row.
func (m *Manager) recordFiring(ctx context.Context, e *mirrorEntry, firedAt, next time.Time, fireErr error) {
	job, err := m.store.Get(ctx, e.WorkflowID, e.TriggerID)
	if err != nil {
		m.logger.Error(ctx, "scheduled job row missing after firing",
			"key", e.WorkflowID+"-"+e.TriggerID, "err", err)
		return
	}
	job.LastRun = firedAt
	job.NextRun = next
	if fireErr != nil {
		job.FailCount++
		job.LastError = fireErr.Error()
		m.logger.Warn(ctx, "schedule firing failed",
			"key", job.Key(), "fail_count", job.FailCount, "err", fireErr)
	} else {
		job.FailCount = 0
		job.LastError = ""
	}
	if err := m.store.Upsert(ctx, job); err != nil {
		m.logger.Error(ctx, "scheduled job update failed", "key", job.Key(), "err", err)
	}
	if m.metrics != nil {
		outcome := "fired"
		if fireErr != nil {
			outcome = "failed"
		}
		m.metrics.Count(ctx, "flow.schedule.firings", 1,
			telemetry.Attr{Key: "outcome", Value: outcome})
	}
}
