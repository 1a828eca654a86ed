package cache

import (
	"context"
	"sync"
	"time"

	"goa.design/flow/runtime/api"
)

type (
	// Memory is an in-process Cache for tests and single-replica
	// deployments. Expired entries are dropped lazily on read.
	Memory struct {
		mu      sync.RWMutex
		entries map[string]memEntry
	}

	memEntry struct {
		result    *api.ExecutionResult
		expiresAt time.Time
	}
)

// NewMemory constructs an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, result *api.ExecutionResult) error {
	m.mu.Lock()
	m.entries[result.ExecutionID] = memEntry{result: result, expiresAt: time.Now().Add(TTL)}
	m.mu.Unlock()
	return nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, executionID string) (*api.ExecutionResult, error) {
	m.mu.RLock()
	e, ok := m.entries[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, executionID)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.result, nil
}

// WaitForResult implements Cache.
func (m *Memory) WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (*api.ExecutionResult, error) {
	return Wait(ctx, func(ctx context.Context) (*api.ExecutionResult, error) {
		return m.Get(ctx, executionID)
	}, timeout)
}
