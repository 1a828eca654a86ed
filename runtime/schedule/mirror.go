package schedule

import (
	"context"
	"sync"
)

// LocalMirror is a process-local Mirror for single-replica deployments and
// tests. Replicated deployments use *rmap.Map instead.
type LocalMirror struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewLocalMirror constructs an empty LocalMirror.
func NewLocalMirror() *LocalMirror {
	return &LocalMirror{entries: make(map[string]string)}
}

// Set implements Mirror.
func (m *LocalMirror) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.entries[key]
	m.entries[key] = value
	return prev, nil
}

// Get implements Mirror.
func (m *LocalMirror) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Delete implements Mirror.
func (m *LocalMirror) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.entries[key]
	delete(m.entries, key)
	return prev, nil
}

// Keys implements Mirror.
func (m *LocalMirror) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}
