// Package redis provides the Redis-backed result cache shared across
// replicas. Backend outages degrade gracefully: writes log and continue,
// waiters time out cleanly instead of erroring.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/cache"
	"goa.design/flow/runtime/telemetry"
)

// keyPrefix namespaces result entries in Redis.
const keyPrefix = "execution:result:"

// Cache implements cache.Cache on Redis.
type Cache struct {
	client *goredis.Client
	logger telemetry.Logger
}

// New constructs a Redis result cache.
func New(client *goredis.Client, logger telemetry.Logger) *Cache {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Cache{client: client, logger: logger}
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return "result-cache-redis" }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrCacheUnavailable, err)
	}
	return nil
}

// Set implements cache.Cache. Backend failures are logged and swallowed so an
// unreachable cache never fails an execution.
func (c *Cache) Set(ctx context.Context, result *api.ExecutionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode execution result: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+result.ExecutionID, raw, cache.TTL).Err(); err != nil {
		c.logger.Error(ctx, "result cache set failed",
			"execution_id", result.ExecutionID, "err", err)
	}
	return nil
}

// Get implements cache.Cache. Backend failures report the entry as missing so
// waiters time out instead of aborting.
func (c *Cache) Get(ctx context.Context, executionID string) (*api.ExecutionResult, error) {
	raw, err := c.client.Get(ctx, keyPrefix+executionID).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Error(ctx, "result cache get failed",
				"execution_id", executionID, "err", err)
		}
		return nil, cache.ErrNotFound
	}
	var result api.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}
	return &result, nil
}

// WaitForResult implements cache.Cache.
func (c *Cache) WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (*api.ExecutionResult, error) {
	return cache.Wait(ctx, func(ctx context.Context) (*api.ExecutionResult, error) {
		return c.Get(ctx, executionID)
	}, timeout)
}
