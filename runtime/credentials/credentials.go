// Package credentials defines the credential store collaborator contract.
// Credential storage, encryption and rotation live outside the runtime; the
// trigger layer and node handlers only resolve typed secret maps by id.
package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no credential exists for an id.
var ErrNotFound = errors.New("credential not found")

type (
	// Credential is a typed secret map resolved from the store.
	Credential struct {
		// ID is the stored credential identifier.
		ID string
		// Type tags the credential shape (e.g. "httpBasicAuth",
		// "httpHeaderAuth").
		Type string
		// Data holds the decrypted secret fields.
		Data map[string]string
	}

	// Store resolves credentials by id.
	Store interface {
		// GetByID returns the credential for the given id or ErrNotFound.
		GetByID(ctx context.Context, id string) (*Credential, error)
	}
)

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{creds: make(map[string]*Credential)}
}

// Put stores a credential, replacing any existing one with the same id.
func (s *MemStore) Put(c *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.ID] = c
}

// GetByID implements Store.
func (s *MemStore) GetByID(_ context.Context, id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	data := make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return &Credential{ID: c.ID, Type: c.Type, Data: data}, nil
}
