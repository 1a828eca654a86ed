// Package mongo provides the MongoDB-backed stores of the flow runtime:
// workflow documents, execution and node-execution rows, and scheduled job
// rows. Graph-shaped fields (nodes, connections, triggers, settings) are
// stored as JSON strings so documents round-trip exactly through the model's
// JSON encoding.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	workflowsCollection     = "workflows"
	executionsCollection    = "executions"
	nodeExecsCollection     = "node_executions"
	scheduledJobsCollection = "scheduled_jobs"
)

const defaultOpTimeout = 5 * time.Second

// Options configures the Mongo stores.
type Options struct {
	// Client is the shared Mongo connection. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Timeout bounds individual operations; defaults to 5s.
	Timeout time.Duration
}

func (o *Options) validate() error {
	if o.Client == nil {
		return errors.New("mongo client is required")
	}
	if o.Database == "" {
		return errors.New("database name is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultOpTimeout
	}
	return nil
}

// base carries the pieces shared by every store type.
type base struct {
	mongo   *mongodriver.Client
	timeout time.Duration
	name    string
}

// Name implements health.Pinger.
func (b *base) Name() string { return b.name }

// Ping implements health.Pinger.
func (b *base) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.mongo.Ping(ctx, readpref.Primary())
}

func (b *base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}
