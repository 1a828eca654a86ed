// Package cache defines the short-term result cache contract used to hand
// terminal execution results from the engine to synchronous waiters (webhook
// last-node responses, ExecuteTriggerAndWait) and across replicas. Entries
// live for a minute; the cache is a completion carrier, not an execution
// store.
package cache

import (
	"context"
	"errors"
	"time"

	"goa.design/flow/runtime/api"
)

// TTL is how long cached results remain retrievable.
const TTL = 60 * time.Second

// pollInterval bounds how often WaitForResult implementations re-check the
// cache.
const pollInterval = 100 * time.Millisecond

var (
	// ErrNotFound is returned by Get when no result is cached for the id.
	ErrNotFound = errors.New("result not cached")

	// ErrWaitTimeout is returned by WaitForResult when no result appears
	// within the timeout.
	ErrWaitTimeout = errors.New("timed out waiting for result")

	// ErrCacheUnavailable indicates the backing store cannot be reached.
	ErrCacheUnavailable = errors.New("result cache unavailable")
)

// Cache stores terminal execution results keyed by execution id.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Set stores the result under its execution id with the cache TTL.
	Set(ctx context.Context, result *api.ExecutionResult) error

	// Get returns the cached result for the execution id or ErrNotFound.
	Get(ctx context.Context, executionID string) (*api.ExecutionResult, error)

	// WaitForResult polls until a result is cached for the execution id or
	// the timeout elapses (ErrWaitTimeout). Cancelling the context returns
	// its error.
	WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (*api.ExecutionResult, error)
}

// Wait implements the shared polling loop over get. Backend packages call it
// from their WaitForResult methods so all caches poll identically.
func Wait(ctx context.Context, get func(context.Context) (*api.ExecutionResult, error), timeout time.Duration) (*api.ExecutionResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := get(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
