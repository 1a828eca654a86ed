// Package inmem provides an in-memory workflow.Store for tests and local
// development. Documents are deep-copied through JSON on both write and read
// so callers can never mutate stored state. Production deployments use the
// MongoDB-backed store in features/store/mongo.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/flow/runtime/workflow"
)

// Store implements workflow.Store in memory with no durability.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{workflows: make(map[string]*workflow.Workflow)}
}

// Get implements workflow.Store.
func (s *Store) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return clone(w)
}

// List implements workflow.Store.
func (s *Store) List(_ context.Context, activeOnly bool) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if activeOnly && !w.Active {
			continue
		}
		c, err := clone(w)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Save implements workflow.Store.
func (s *Store) Save(_ context.Context, w *workflow.Workflow) error {
	c, err := clone(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workflows[w.ID] = c
	s.mu.Unlock()
	return nil
}

// Delete implements workflow.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

func clone(w *workflow.Workflow) (*workflow.Workflow, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	var c workflow.Workflow
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	return &c, nil
}
