// Package inmem provides an in-memory execution.Store.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/execution"
)

// Store implements execution.Store in memory with no durability.
type Store struct {
	mu         sync.RWMutex
	executions map[string]*execution.Record
	nodes      map[string]map[string]*execution.NodeRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*execution.Record),
		nodes:      make(map[string]map[string]*execution.NodeRecord),
	}
}

// CreateExecution implements execution.Store.
func (s *Store) CreateExecution(_ context.Context, rec *execution.Record) error {
	c := *rec
	s.mu.Lock()
	s.executions[rec.ID] = &c
	s.mu.Unlock()
	return nil
}

// FinishExecution implements execution.Store.
func (s *Store) FinishExecution(_ context.Context, id string, status execution.Status, finishedAt time.Time, execErr *api.ExecutionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return execution.ErrNotFound
	}
	rec.Status = status
	rec.FinishedAt = finishedAt
	rec.Error = execErr
	return nil
}

// GetExecution implements execution.Store.
func (s *Store) GetExecution(_ context.Context, id string) (*execution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, execution.ErrNotFound
	}
	c := *rec
	return &c, nil
}

// SaveNode implements execution.Store.
func (s *Store) SaveNode(_ context.Context, rec *execution.NodeRecord) error {
	c := *rec
	s.mu.Lock()
	byNode, ok := s.nodes[rec.ExecutionID]
	if !ok {
		byNode = make(map[string]*execution.NodeRecord)
		s.nodes[rec.ExecutionID] = byNode
	}
	byNode[rec.NodeID] = &c
	s.mu.Unlock()
	return nil
}

// ListNodes implements execution.Store.
func (s *Store) ListNodes(_ context.Context, executionID string) ([]*execution.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode := s.nodes[executionID]
	out := make([]*execution.NodeRecord, 0, len(byNode))
	for _, rec := range byNode {
		c := *rec
		out = append(out, &c)
	}
	return out, nil
}
