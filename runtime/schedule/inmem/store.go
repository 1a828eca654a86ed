// Package inmem provides an in-memory schedule.Store.
package inmem

import (
	"context"
	"sync"

	"goa.design/flow/runtime/schedule"
)

// Store implements schedule.Store in memory with no durability.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*schedule.Job
}

// New constructs an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*schedule.Job)}
}

// Upsert implements schedule.Store.
func (s *Store) Upsert(_ context.Context, job *schedule.Job) error {
	c := *job
	s.mu.Lock()
	s.jobs[job.Key()] = &c
	s.mu.Unlock()
	return nil
}

// Get implements schedule.Store.
func (s *Store) Get(_ context.Context, workflowID, triggerID string) (*schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[workflowID+"-"+triggerID]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	c := *job
	return &c, nil
}

// List implements schedule.Store.
func (s *Store) List(_ context.Context) ([]*schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schedule.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := *job
		out = append(out, &c)
	}
	return out, nil
}

// ListByWorkflow implements schedule.Store.
func (s *Store) ListByWorkflow(_ context.Context, workflowID string) ([]*schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schedule.Job
	for _, job := range s.jobs {
		if job.WorkflowID == workflowID {
			c := *job
			out = append(out, &c)
		}
	}
	return out, nil
}

// Delete implements schedule.Store.
func (s *Store) Delete(_ context.Context, workflowID, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workflowID + "-" + triggerID
	if _, ok := s.jobs[key]; !ok {
		return schedule.ErrNotFound
	}
	delete(s.jobs, key)
	return nil
}
