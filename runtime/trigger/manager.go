package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/cache"
	"goa.design/flow/runtime/engine"
	"goa.design/flow/runtime/telemetry"
	"goa.design/flow/runtime/workflow"
)

// Defaults for the admission options.
const (
	defaultMaxConcurrent  = 10
	defaultMaxPerWorkflow = 5
	defaultMaxPerUser     = 5
	defaultMaxQueueSize   = 100
	defaultQueueTimeout   = 30 * time.Second
)

type (
	// Manager admits trigger requests into the engine under concurrency
	// caps, parks overflow in a priority queue and exposes cancellation and
	// stats. All methods are safe for concurrent use.
	Manager interface {
		// ExecuteTrigger admits the request and starts the execution
		// asynchronously, or parks it in the queue under the queue policy.
		ExecuteTrigger(ctx context.Context, req *Request) (*Admission, error)

		// ExecuteTriggerAndWait admits the request and blocks on the result
		// cache until the execution finishes or the timeout elapses.
		ExecuteTriggerAndWait(ctx context.Context, req *Request, timeout time.Duration) (*api.ExecutionResult, error)

		// Cancel cancels an active execution. Unknown ids return
		// ErrNotFound.
		Cancel(executionID string) error

		// Stats snapshots the active set and queue.
		Stats() Stats

		// Close stops the queue sweeper and rejects further triggers.
		// Active executions run to completion.
		Close()
	}

	// Options configures a new Manager.
	Options struct {
		// Workflows loads workflow documents at admission time. Required.
		Workflows workflow.Store
		// Engine runs admitted executions. Required.
		Engine engine.Engine
		// Cache carries terminal results to synchronous waiters. Required.
		Cache cache.Cache
		// Logger and Metrics plug in observability. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// MaxConcurrent, MaxPerWorkflow and MaxPerUser bound concurrent
		// executions globally and per key.
		MaxConcurrent  int
		MaxPerWorkflow int
		MaxPerUser     int
		// Policy selects the conflict behavior when a cap is full.
		Policy ConflictPolicy
		// MaxQueueSize bounds the pending queue under the queue policy.
		MaxQueueSize int
		// QueueTimeout fails requests parked longer than this.
		QueueTimeout time.Duration
		// Timeouts overrides the per-kind execution timeouts.
		Timeouts map[workflow.TriggerKind]time.Duration
	}

	manager struct {
		workflows workflow.Store
		engine    engine.Engine
		cache     cache.Cache
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		maxConcurrent  int
		maxPerWorkflow int
		maxPerUser     int
		policy         ConflictPolicy
		maxQueueSize   int
		queueTimeout   time.Duration
		timeouts       map[workflow.TriggerKind]time.Duration

		mu          sync.Mutex
		closed      bool
		active      map[string]*activeRun
		perWorkflow map[string]int
		perUser     map[string]int
		queue       requestQueue

		stop chan struct{}
		wg   sync.WaitGroup
	}

	activeRun struct {
		executionID string
		workflowID  string
		userID      string
		kind        workflow.TriggerKind
		startedAt   time.Time
		cancel      context.CancelFunc
	}
)

// NewManager constructs a Manager and starts its queue sweeper.
func NewManager(opts Options) Manager {
	m := &manager{
		workflows:      opts.Workflows,
		engine:         opts.Engine,
		cache:          opts.Cache,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		maxConcurrent:  opts.MaxConcurrent,
		maxPerWorkflow: opts.MaxPerWorkflow,
		maxPerUser:     opts.MaxPerUser,
		policy:         opts.Policy,
		maxQueueSize:   opts.MaxQueueSize,
		queueTimeout:   opts.QueueTimeout,
		timeouts:       opts.Timeouts,
		active:         make(map[string]*activeRun),
		perWorkflow:    make(map[string]int),
		perUser:        make(map[string]int),
		stop:           make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = telemetry.NoopLogger{}
	}
	if m.maxConcurrent <= 0 {
		m.maxConcurrent = defaultMaxConcurrent
	}
	if m.maxPerWorkflow <= 0 {
		m.maxPerWorkflow = defaultMaxPerWorkflow
	}
	if m.maxPerUser <= 0 {
		m.maxPerUser = defaultMaxPerUser
	}
	if m.policy == "" {
		m.policy = PolicyQueue
	}
	if m.maxQueueSize <= 0 {
		m.maxQueueSize = defaultMaxQueueSize
	}
	if m.queueTimeout <= 0 {
		m.queueTimeout = defaultQueueTimeout
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

// ExecuteTrigger implements Manager.
func (m *manager) ExecuteTrigger(ctx context.Context, req *Request) (*Admission, error) {
	wf, err := m.workflows.Get(ctx, req.WorkflowID)
	if err != nil || !wf.Active {
		return nil, ErrNotActive
	}
	if req.UserID == "" {
		req.UserID = wf.UserID
	}
	if req.NodeID == "" {
		if req.NodeID = StartNodeID(wf, req.Kind); req.NodeID == "" {
			return nil, ErrNoTriggerNode
		}
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority(req.Kind)
	}
	executionID := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	if key := m.fullCapLocked(req); key != "" {
		switch m.policy {
		case PolicyReject:
			m.mu.Unlock()
			m.count(ctx, "rejected", req)
			return nil, ErrConcurrencyLimit
		case PolicyCancelOldest:
			if victim := m.oldestLocked(key, req); victim != nil {
				if victim.cancel != nil {
					victim.cancel()
				}
				m.releaseLocked(victim.executionID)
			}
		default: // queue
			if m.queue.Len() >= m.maxQueueSize {
				m.mu.Unlock()
				return nil, ErrQueueFull
			}
			req.EnqueuedAt = time.Now().UTC()
			m.queue.push(&queued{req: req, executionID: executionID})
			m.mu.Unlock()
			m.count(ctx, "queued", req)
			return &Admission{ExecutionID: executionID, Status: "queued"}, nil
		}
	}
	m.reserveLocked(req, executionID)
	m.mu.Unlock()

	m.start(req, executionID, wf)
	m.count(ctx, "started", req)
	return &Admission{ExecutionID: executionID, Status: "started"}, nil
}

// ExecuteTriggerAndWait implements Manager.
func (m *manager) ExecuteTriggerAndWait(ctx context.Context, req *Request, timeout time.Duration) (*api.ExecutionResult, error) {
	adm, err := m.ExecuteTrigger(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.cache.WaitForResult(ctx, adm.ExecutionID, timeout)
}

// Cancel implements Manager.
func (m *manager) Cancel(executionID string) error {
	m.mu.Lock()
	run, ok := m.active[executionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if run.cancel != nil {
		run.cancel()
	}
	return nil
}

// Stats implements Manager.
func (m *manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Active:      len(m.active),
		Queued:      m.queue.Len(),
		PerWorkflow: make(map[string]int, len(m.perWorkflow)),
		PerUser:     make(map[string]int, len(m.perUser)),
	}
	for k, v := range m.perWorkflow {
		s.PerWorkflow[k] = v
	}
	for k, v := range m.perUser {
		s.PerUser[k] = v
	}
	return s
}

// Close implements Manager.
func (m *manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
}

// fullCapLocked returns the name of the first full concurrency cap, or empty
// when the request can be admitted.
func (m *manager) fullCapLocked(req *Request) string {
	switch {
	case len(m.active) >= m.maxConcurrent:
		return "global"
	case m.perWorkflow[req.WorkflowID] >= m.maxPerWorkflow:
		return "workflow"
	case m.perUser[req.UserID] >= m.maxPerUser:
		return "user"
	}
	return ""
}

// oldestLocked finds the oldest active run for the conflicting cap key.
func (m *manager) oldestLocked(key string, req *Request) *activeRun {
	var oldest *activeRun
	for _, run := range m.active {
		switch key {
		case "workflow":
			if run.workflowID != req.WorkflowID {
				continue
			}
		case "user":
			if run.userID != req.UserID {
				continue
			}
		}
		if oldest == nil || run.startedAt.Before(oldest.startedAt) {
			oldest = run
		}
	}
	return oldest
}

func (m *manager) reserveLocked(req *Request, executionID string) {
	m.active[executionID] = &activeRun{
		executionID: executionID,
		workflowID:  req.WorkflowID,
		userID:      req.UserID,
		kind:        req.Kind,
		startedAt:   time.Now().UTC(),
	}
	m.perWorkflow[req.WorkflowID]++
	m.perUser[req.UserID]++
}

// releaseLocked drops an active entry and its counter contributions. Safe to
// call for ids already released.
func (m *manager) releaseLocked(executionID string) {
	run, ok := m.active[executionID]
	if !ok {
		return
	}
	delete(m.active, executionID)
	if m.perWorkflow[run.workflowID]--; m.perWorkflow[run.workflowID] <= 0 {
		delete(m.perWorkflow, run.workflowID)
	}
	if m.perUser[run.userID]--; m.perUser[run.userID] <= 0 {
		delete(m.perUser, run.userID)
	}
}

// start launches the execution goroutine for a reserved request.
func (m *manager) start(req *Request, executionID string, wf *workflow.Workflow) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeoutFor(req.Kind))
	m.mu.Lock()
	if run, ok := m.active[executionID]; ok {
		run.cancel = cancel
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res, err := m.engine.Execute(ctx, &engine.Request{
			ExecutionID: executionID,
			Workflow:    wf,
			StartNodeID: req.NodeID,
			UserID:      req.UserID,
			TriggerData: req.Data,
		})
		if err != nil {
			m.logger.Warn(ctx, "execution failed structurally",
				"execution_id", executionID, "workflow_id", wf.ID, "err", err)
		}
		m.complete(executionID, res)
	}()
}

// complete is the completion hook: cache the result, free the slot and drain
// the queue.
func (m *manager) complete(executionID string, res *api.ExecutionResult) {
	if res != nil {
		if err := m.cache.Set(context.Background(), res); err != nil {
			m.logger.Error(context.Background(), "result cache write failed",
				"execution_id", executionID, "err", err)
		}
	}
	m.mu.Lock()
	m.releaseLocked(executionID)
	m.mu.Unlock()
	m.drain()
}

// drain expires stale queued requests and starts as many pending requests as
// the caps allow, in priority order.
func (m *manager) drain() {
	for {
		m.mu.Lock()
		now := time.Now().UTC()
		stale := m.queue.removeStale(func(q *queued) bool {
			return now.Sub(q.req.EnqueuedAt) > m.queueTimeout
		})
		item := m.queue.peek()
		if item == nil || m.fullCapLocked(item.req) != "" || m.closed {
			m.mu.Unlock()
			m.failQueued(stale, "QueueTimeout", "queued longer than the queue timeout")
			return
		}
		m.queue.pop()
		m.reserveLocked(item.req, item.executionID)
		m.mu.Unlock()
		m.failQueued(stale, "QueueTimeout", "queued longer than the queue timeout")

		// The workflow may have changed or been deactivated while queued.
		wf, err := m.workflows.Get(context.Background(), item.req.WorkflowID)
		if err != nil || !wf.Active {
			m.mu.Lock()
			m.releaseLocked(item.executionID)
			m.mu.Unlock()
			m.failQueued([]*queued{item}, "NotActive", "workflow no longer active")
			continue
		}
		m.start(item.req, item.executionID, wf)
	}
}

// failQueued writes a failed result for dropped queue entries so synchronous
// waiters unblock with a classified error.
func (m *manager) failQueued(items []*queued, kind, msg string) {
	for _, item := range items {
		now := time.Now().UTC()
		res := &api.ExecutionResult{
			ExecutionID: item.executionID,
			WorkflowID:  item.req.WorkflowID,
			Status:      api.ExecutionFailed,
			StartedAt:   item.req.EnqueuedAt,
			FinishedAt:  now,
			Error:       &api.ExecutionError{Kind: kind, Message: msg},
		}
		if err := m.cache.Set(context.Background(), res); err != nil {
			m.logger.Error(context.Background(), "result cache write failed",
				"execution_id", item.executionID, "err", err)
		}
	}
}

// sweep periodically expires stale queue entries even when no completion
// triggers a drain.
func (m *manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.queueTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.drain()
		}
	}
}

func (m *manager) timeoutFor(kind workflow.TriggerKind) time.Duration {
	if d, ok := m.timeouts[kind]; ok && d > 0 {
		return d
	}
	return ExecutionTimeout(kind)
}

func (m *manager) count(ctx context.Context, outcome string, req *Request) {
	if m.metrics == nil {
		return
	}
	m.metrics.Count(ctx, "flow.trigger.admissions", 1,
		telemetry.Attr{Key: "outcome", Value: outcome},
		telemetry.Attr{Key: "kind", Value: string(req.Kind)})
}
