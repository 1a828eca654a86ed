package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/runtime/hooks"
)

// ExecutionStreams wires a caller-provided Pulse client into the runtime
// event bus. It owns a publishing sink registered on the bus and can spawn
// subscribers that reuse the same client so services do not need to manage
// multiple Pulse connections.
type ExecutionStreams struct {
	sink   *Sink
	sub    hooks.Subscription
	client clientspulse.Client
}

// ExecutionStreamsOptions configures the helper returned by
// NewExecutionStreams.
type ExecutionStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required.
	Client clientspulse.Client
	// Bus is the runtime event bus to bridge. Required.
	Bus hooks.Bus
	// Sink holds optional overrides for the publishing sink. Leave
	// zero-valued for defaults.
	Sink Options
}

// NewExecutionStreams constructs the bridge and registers its sink on the
// bus. Callers keep the helper around to create subscribers (e.g. SSE
// fan-out) and close it during shutdown.
func NewExecutionStreams(opts ExecutionStreamsOptions) (*ExecutionStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	sub, err := opts.Bus.Register(sink)
	if err != nil {
		return nil, err
	}
	return &ExecutionStreams{sink: sink, sub: sub, client: opts.Client}, nil
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the
// helper's client, keeping publishing and consumption on the same Redis
// connection pool.
func (e *ExecutionStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = e.client
	return NewSubscriber(opts)
}

// Close unregisters the sink from the bus and releases the underlying Pulse
// client. Call during service shutdown after subscribers have been
// cancelled.
func (e *ExecutionStreams) Close(ctx context.Context) error {
	if err := e.sub.Close(); err != nil {
		return err
	}
	return e.sink.Close(ctx)
}
