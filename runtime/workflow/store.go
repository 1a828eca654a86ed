package workflow

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no workflow exists for an id.
var ErrNotFound = errors.New("workflow not found")

// Store is the persistence contract for workflow documents. Implementations
// must be safe for concurrent use. Save replaces the full document; reads
// return defensive copies.
type Store interface {
	// Get returns the workflow with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Workflow, error)

	// List returns all workflows, optionally restricted to active ones.
	List(ctx context.Context, activeOnly bool) ([]*Workflow, error)

	// Save inserts or replaces the workflow document.
	Save(ctx context.Context, w *Workflow) error

	// Delete removes the workflow with the given id. Deleting a missing
	// workflow returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}
