// Package pulse bridges the runtime event bus to goa.design/pulse streams so
// observers on other replicas can follow executions live. Each execution gets
// its own stream named "execution/<id>"; the sink subscribes to the in-process
// bus and republishes every event it sees.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "execution/<ExecutionID>".
		StreamID func(hooks.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes bus events into Pulse streams. It implements
	// hooks.Subscriber so it can be registered directly on the bus.
	// Thread-safe for concurrent HandleEvent calls.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(hooks.Event) (string, error)
		marshalEnvelope func(Envelope) ([]byte, error)
	}

	// Envelope is the wire form of a bus event on a Pulse stream.
	Envelope struct {
		// Type identifies the event kind (e.g. "node-completed").
		Type string `json:"type"`
		// ExecutionID scopes the event to one execution.
		ExecutionID string `json:"executionId"`
		// WorkflowID identifies the workflow being executed.
		WorkflowID string `json:"workflowId,omitempty"`
		// NodeID is set on node lifecycle events.
		NodeID string `json:"nodeId,omitempty"`
		// ActiveConnections lists activated downstream connections on
		// node-completed events.
		ActiveConnections []string `json:"activeConnections,omitempty"`
		// Output carries the node output on node-completed events.
		Output *api.NodeOutput `json:"output,omitempty"`
		// Result carries the terminal result on execution-* events.
		Result *api.ExecutionResult `json:"result,omitempty"`
		// Error describes the failure on failed events.
		Error *api.ExecutionError `json:"error,omitempty"`
		// Timestamp records when the event was emitted (UTC).
		Timestamp time.Time `json:"timestamp"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{client: opts.Client, opts: cfg}, nil
}

// HandleEvent implements hooks.Subscriber. It derives the stream name, wraps
// the event in an envelope and publishes it.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:              string(event.Type),
		ExecutionID:       event.ExecutionID,
		WorkflowID:        event.WorkflowID,
		NodeID:            event.NodeID,
		ActiveConnections: event.ActiveConnections,
		Output:            event.Output,
		Result:            event.Result,
		Error:             event.Err,
		Timestamp:         event.Timestamp.UTC(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the Pulse
// client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event hooks.Event) (string, error) {
	if event.ExecutionID == "" {
		return "", errors.New("event missing execution id")
	}
	return fmt.Sprintf("execution/%s", event.ExecutionID), nil
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
