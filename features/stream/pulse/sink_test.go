package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/hooks"
)

type fakeClient struct {
	stream    func(name string) (clientspulse.Stream, error)
	closeFn   func(ctx context.Context) error
	closeSeen bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.stream(name)
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeSeen = true
	if f.closeFn != nil {
		return f.closeFn(ctx)
	}
	return nil
}

type fakeStream struct {
	add     func(ctx context.Context, event string, payload []byte) (string, error)
	newSink func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return f.add(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	if f.newSink == nil {
		return nil, errors.New("not implemented")
	}
	return f.newSink(ctx, name, opts...)
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func TestHandleEventPublishesEnvelope(t *testing.T) {
	var added []string
	str := &fakeStream{add: func(_ context.Context, event string, payload []byte) (string, error) {
		added = append(added, event)
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, "node-completed", env.Type)
		require.Equal(t, "exec-1", env.ExecutionID)
		require.Equal(t, "wf-1", env.WorkflowID)
		require.Equal(t, "set1", env.NodeID)
		require.Equal(t, []string{"c1"}, env.ActiveConnections)
		require.NotNil(t, env.Output)
		return "1-0", nil
	}}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "execution/exec-1", name)
		return str, nil
	}}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.HandleEvent(context.Background(), hooks.Event{
		Type:              hooks.NodeCompleted,
		ExecutionID:       "exec-1",
		WorkflowID:        "wf-1",
		NodeID:            "set1",
		ActiveConnections: []string{"c1"},
		Output:            &api.NodeOutput{Main: []api.Item{{JSON: map[string]any{"a": 1}}}},
		Timestamp:         time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"node-completed"}, added)
}

func TestHandleEventRequiresExecutionID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.Event{Type: hooks.NodeStarted})
	require.EqualError(t, err, "event missing execution id")
}

func TestCustomStreamID(t *testing.T) {
	str := &fakeStream{add: func(context.Context, string, []byte) (string, error) { return "1-0", nil }}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "custom/exec-1", name)
		return str, nil
	}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(e hooks.Event) (string, error) {
			return "custom/" + e.ExecutionID, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.HandleEvent(context.Background(), hooks.Event{
		Type:        hooks.ExecutionStarted,
		ExecutionID: "exec-1",
	}))
}

func TestStreamCreationError(t *testing.T) {
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) {
		return nil, errors.New("boom")
	}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.Event{
		Type:        hooks.ExecutionStarted,
		ExecutionID: "exec-1",
	})
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	str := &fakeStream{add: func(context.Context, string, []byte) (string, error) {
		return "", errors.New("add-failed")
	}}
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.Event{
		Type:        hooks.ExecutionStarted,
		ExecutionID: "exec-1",
	})
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closeSeen)
}
