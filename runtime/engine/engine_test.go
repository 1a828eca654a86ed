package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/execution"
	exinmem "goa.design/flow/runtime/execution/inmem"
	"goa.design/flow/runtime/hooks"
	"goa.design/flow/runtime/node"
	"goa.design/flow/runtime/workflow"
)

func testRegistry(t *testing.T, extra ...node.Type) node.Registry {
	t.Helper()
	reg := node.NewBuiltinRegistry()
	for _, typ := range extra {
		require.NoError(t, reg.Register(typ))
	}
	return reg
}

func newTestEngine(t *testing.T, opts Options) Engine {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testRegistry(t)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return eng
}

func conn(id, src, dst string) workflow.Connection {
	return workflow.Connection{ID: id, SourceNodeID: src, TargetNodeID: dst}
}

func branchConn(id, src, port, dst string) workflow.Connection {
	return workflow.Connection{ID: id, SourceNodeID: src, SourceOutput: port, TargetNodeID: dst}
}

// eventCollector records published events behind a mutex; the bus dispatches
// on its own goroutine.
type eventCollector struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (c *eventCollector) HandleEvent(_ context.Context, event hooks.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) types() []hooks.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]hooks.EventType, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return types
}

func TestExecuteLinear(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "enrich", Type: node.TypeSet, Parameters: map[string]any{"values": map[string]any{"b": "x"}}},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "enrich"),
			conn("c2", "enrich", "end"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)
	require.Equal(t, []string{"start", "enrich", "end"}, res.ExecutedPath)
	require.False(t, res.FinishedAt.IsZero())

	end := res.NodeOutputs["end"]
	require.NotNil(t, end)
	require.Len(t, end.Main, 1)
	require.Equal(t, 1, end.Main[0].JSON["a"])
	require.Equal(t, "x", end.Main[0].JSON["b"])
}

func TestExecuteGeneratesExecutionID(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID:    "wf1",
		Nodes: []workflow.Node{{ID: "start", Type: node.TypeNoop}},
	}
	res, err := eng.Execute(context.Background(), &Request{Workflow: wf, StartNodeID: "start"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ExecutionID)
}

func TestExecuteBranchGating(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "route", Type: node.TypeIf, Parameters: map[string]any{"condition": "$json.n > 5"}},
			{ID: "big", Type: node.TypeNoop},
			{ID: "small", Type: node.TypeNoop},
			{ID: "after", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "route"),
			branchConn("c2", "route", "true", "big"),
			branchConn("c3", "route", "false", "small"),
			conn("c4", "small", "after"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"n": 10},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)

	require.Contains(t, res.NodeOutputs, "big")
	require.NotContains(t, res.NodeOutputs, "small")
	// The skip propagates through the empty branch.
	require.NotContains(t, res.NodeOutputs, "after")
	require.NotContains(t, res.ExecutedPath, "small")
	require.NotContains(t, res.ExecutedPath, "after")
}

func TestExecuteFanInAssemblesPerConnection(t *testing.T) {
	var (
		mu   sync.Mutex
		seen api.NodeInput
	)
	record := node.Type{
		Name: "record",
		Handler: node.HandlerFunc(func(_ context.Context, req *node.Request) (*api.NodeOutput, error) {
			mu.Lock()
			seen = req.Input
			mu.Unlock()
			return api.NewOutput("record", req.AllInput(), nil), nil
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, record)})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "a", Type: node.TypeSet, Parameters: map[string]any{"values": map[string]any{"from": "a"}}},
			{ID: "b", Type: node.TypeSet, Parameters: map[string]any{"values": map[string]any{"from": "b"}}},
			{ID: "join", Type: "record"},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "a"),
			conn("c2", "start", "b"),
			conn("c3", "a", "join"),
			conn("c4", "b", "join"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"n": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)

	// One sub-list per incoming connection, in declaration order.
	require.Len(t, seen.Main, 2)
	require.Equal(t, "a", seen.Main[0][0].JSON["from"])
	require.Equal(t, "b", seen.Main[1][0].JSON["from"])
}

func TestExecuteLoop(t *testing.T) {
	var bodyRuns int
	seed := node.Type{
		Name: "seed",
		Handler: node.HandlerFunc(func(context.Context, *node.Request) (*api.NodeOutput, error) {
			items := []api.Item{
				{JSON: map[string]any{"i": 1}},
				{JSON: map[string]any{"i": 2}},
				{JSON: map[string]any{"i": 3}},
			}
			return api.NewOutput("seed", items, nil), nil
		}),
	}
	body := node.Type{
		Name: "body",
		Handler: node.HandlerFunc(func(_ context.Context, req *node.Request) (*api.NodeOutput, error) {
			bodyRuns++
			return api.NewOutput("body", req.AllInput(), nil), nil
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, seed, body)})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: "seed"},
			{ID: "batch", Type: node.TypeLoop, Parameters: map[string]any{"batchSize": 1}},
			{ID: "work", Type: "body"},
			{ID: "tail", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "batch"),
			branchConn("c2", "batch", node.LoopBranch, "work"),
			branchConn("c3", "batch", node.DoneBranch, "tail"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{Workflow: wf, StartNodeID: "start"})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)
	require.Equal(t, 3, bodyRuns)

	tail := res.NodeOutputs["tail"]
	require.NotNil(t, tail)
	require.Len(t, tail.Main, 3)

	// The body node completed once per iteration.
	var workRuns int
	for _, id := range res.ExecutedPath {
		if id == "work" {
			workRuns++
		}
	}
	require.Equal(t, 3, workRuns)
}

func TestExecuteLoopStuck(t *testing.T) {
	reg := node.NewRegistry()
	require.NoError(t, reg.Register(node.Type{
		Name: node.TypeNoop,
		Handler: node.HandlerFunc(func(_ context.Context, req *node.Request) (*api.NodeOutput, error) {
			return api.NewOutput(node.TypeNoop, req.AllInput(), nil), nil
		}),
	}))
	require.NoError(t, reg.Register(node.Type{
		Name: node.TypeLoop,
		Handler: node.HandlerFunc(func(context.Context, *node.Request) (*api.NodeOutput, error) {
			return api.NewOutput(node.TypeLoop, nil, map[string][]api.Item{
				node.LoopBranch: {},
				node.DoneBranch: {},
			}), nil
		}),
	}))
	eng := newTestEngine(t, Options{Registry: reg})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "batch", Type: node.TypeLoop},
		},
		Connections: []workflow.Connection{conn("c1", "start", "batch")},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"n": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, KindLoopStuck, res.Error.Kind)
}

func TestExecuteLoopIterationLimit(t *testing.T) {
	seed := node.Type{
		Name: "many",
		Handler: node.HandlerFunc(func(context.Context, *node.Request) (*api.NodeOutput, error) {
			items := make([]api.Item, 10)
			for i := range items {
				items[i] = api.Item{JSON: map[string]any{"i": i}}
			}
			return api.NewOutput("many", items, nil), nil
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, seed), MaxLoopIterations: 3})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: "many"},
			{ID: "batch", Type: node.TypeLoop, Parameters: map[string]any{"batchSize": 1}},
			{ID: "work", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "batch"),
			branchConn("c2", "batch", node.LoopBranch, "work"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{Workflow: wf, StartNodeID: "start"})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.Equal(t, KindLoopIterationLimit, res.Error.Kind)
}

func TestExecuteContinueOnFail(t *testing.T) {
	flaky := node.Type{
		Name: "flaky",
		Handler: node.HandlerFunc(func(_ context.Context, req *node.Request) (*api.NodeOutput, error) {
			return api.NewOutput("flaky", req.AllInput(), nil), errors.New("boom")
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, flaky)})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "mid", Type: "flaky", Settings: workflow.NodeSettings{ContinueOnFail: true}},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "mid"),
			conn("c2", "mid", "end"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)

	end := res.NodeOutputs["end"]
	require.NotNil(t, end)
	require.Len(t, end.Main, 1)
	require.Equal(t, "boom", end.Main[0].JSON["error"])
}

func TestExecuteNodeFailureFailsRun(t *testing.T) {
	flaky := node.Type{
		Name: "flaky",
		Handler: node.HandlerFunc(func(context.Context, *node.Request) (*api.NodeOutput, error) {
			return nil, errors.New("boom")
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, flaky)})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "mid", Type: "flaky"},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "mid"),
			conn("c2", "mid", "end"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, KindNodeFailure, res.Error.Kind)
	require.Equal(t, "mid", res.Error.NodeID)
	require.NotContains(t, res.NodeOutputs, "end")
}

func TestExecutePartialStatus(t *testing.T) {
	flaky := node.Type{
		Name: "flaky",
		Handler: node.HandlerFunc(func(context.Context, *node.Request) (*api.NodeOutput, error) {
			return nil, errors.New("boom")
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, flaky)})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "a", Type: node.TypeNoop},
			{ID: "bad", Type: "flaky"},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "a"),
			conn("c2", "a", "bad"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionPartial, res.Status)
	require.NotNil(t, res.Error)
}

func TestExecuteUnknownNodeType(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "mid", Type: "ghost"},
		},
		Connections: []workflow.Connection{conn("c1", "start", "mid")},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.Equal(t, KindUnknownNodeType, res.Error.Kind)
}

func TestExecuteCycle(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "end"),
			conn("c2", "end", "start"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{Workflow: wf, StartNodeID: "start"})
	require.ErrorIs(t, err, ErrWorkflowCycle)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.Equal(t, KindWorkflowCycle, res.Error.Kind)
}

func TestExecuteStartNodeNotFound(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID:    "wf1",
		Nodes: []workflow.Node{{ID: "start", Type: node.TypeNoop}},
	}

	res, err := eng.Execute(context.Background(), &Request{Workflow: wf, StartNodeID: "ghost"})
	require.ErrorIs(t, err, ErrStartNodeNotFound)
	require.Equal(t, api.ExecutionFailed, res.Status)
	require.Equal(t, KindStartNodeNotFound, res.Error.Kind)
}

func TestExecuteCancellation(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{conn("c1", "start", "end")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Execute(ctx, &Request{Workflow: wf, StartNodeID: "start"})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCancelled, res.Status)
	require.Empty(t, res.ExecutedPath)
}

func TestExecuteDisabledNodePassthrough(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "mid", Type: node.TypeSet, Disabled: true, Parameters: map[string]any{
				"values": map[string]any{"b": "x"},
			}},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "mid"),
			conn("c2", "mid", "end"),
		},
	}

	res, err := eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)

	end := res.NodeOutputs["end"]
	require.Len(t, end.Main, 1)
	require.Equal(t, 1, end.Main[0].JSON["a"])
	require.NotContains(t, end.Main[0].JSON, "b")
}

func TestStatusSnapshot(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID:    "wf1",
		Nodes: []workflow.Node{{ID: "start", Type: node.TypeNoop}},
	}

	res, err := eng.Execute(context.Background(), &Request{
		ExecutionID: "exec-1",
		Workflow:    wf,
		StartNodeID: "start",
	})
	require.NoError(t, err)
	require.Equal(t, "exec-1", res.ExecutionID)

	snap, ok := eng.Status("exec-1")
	require.True(t, ok)
	require.Equal(t, api.ExecutionCompleted, snap.Status)

	_, ok = eng.Status("unknown")
	require.False(t, ok)
}

func TestExecuteEventSequence(t *testing.T) {
	bus := hooks.NewBus(context.Background(), nil)
	c := &eventCollector{}
	_, err := bus.Register(c)
	require.NoError(t, err)

	eng := newTestEngine(t, Options{Bus: bus})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{conn("c1", "start", "end")},
	}

	_, err = eng.Execute(context.Background(), &Request{
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	bus.Close()

	require.Equal(t, []hooks.EventType{
		hooks.ExecutionStarted,
		hooks.NodeStarted,
		hooks.NodeCompleted,
		hooks.NodeStarted,
		hooks.NodeCompleted,
		hooks.ExecutionCompleted,
	}, c.types())

	// The start node's completion names its data-carrying connections.
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, "start", c.events[2].NodeID)
	require.Equal(t, []string{"c1"}, c.events[2].ActiveConnections)
	require.NotNil(t, c.events[5].Result)
}

func TestExecutePersistsRows(t *testing.T) {
	store := exinmem.New()
	eng := newTestEngine(t, Options{Store: store})
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{conn("c1", "start", "end")},
		Settings: workflow.Settings{
			SaveExecutionToDatabase:  true,
			SaveDataSuccessExecution: workflow.SaveAll,
			SaveDataErrorExecution:   workflow.SaveAll,
		},
	}

	ctx := context.Background()
	res, err := eng.Execute(ctx, &Request{
		ExecutionID: "exec-1",
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)

	rec, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, rec.Status)
	require.False(t, rec.FinishedAt.IsZero())

	nodes, err := store.ListNodes(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		require.Equal(t, api.NodeCompleted, n.Status)
		require.NotNil(t, n.OutputData)
	}
}

func TestExecuteSkipsNodeDataWhenSaveNone(t *testing.T) {
	store := exinmem.New()
	eng := newTestEngine(t, Options{Store: store})
	wf := &workflow.Workflow{
		ID:    "wf1",
		Nodes: []workflow.Node{{ID: "start", Type: node.TypeNoop}},
		Settings: workflow.Settings{
			SaveExecutionToDatabase:  true,
			SaveDataSuccessExecution: workflow.SaveNone,
		},
	}

	ctx := context.Background()
	_, err := eng.Execute(ctx, &Request{ExecutionID: "exec-1", Workflow: wf, StartNodeID: "start"})
	require.NoError(t, err)

	nodes, err := store.ListNodes(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Nil(t, nodes[0].OutputData)
	require.Nil(t, nodes[0].InputData)
}

func TestScheduleRequeueBudget(t *testing.T) {
	eng, err := New(Options{Registry: node.NewBuiltinRegistry(), MaxRequeues: 2})
	require.NoError(t, err)
	e := eng.(*engine)

	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "a", Type: node.TypeNoop},
			{ID: "b", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "a"),
			conn("c2", "a", "b"),
		},
	}
	g, err := buildGraph(wf, "start")
	require.NoError(t, err)
	ec := newExecutionContext("exec-1", "wf1", "", "start", nil, false, g)
	r := &run{eng: e, wf: wf, graph: g, ec: ec}

	// Park the dependency so it never reaches a terminal state.
	ec.state("a").Status = api.NodeQueued
	r.schedule(context.Background(), []string{"b"})

	st := ec.state("b")
	require.Equal(t, api.NodeFailed, st.Status)
	require.Equal(t, KindDependencyUnsatisfiable, st.Err.Kind)
}

func TestBuildGraphScopesToReachable(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "end", Type: node.TypeNoop},
			{ID: "other", Type: node.TypeNoop},
			{ID: "shared", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "end"),
			conn("c2", "end", "shared"),
			// A second trigger path into the shared node stays out of scope.
			conn("c3", "other", "shared"),
		},
	}

	g, err := buildGraph(wf, "start")
	require.NoError(t, err)
	require.True(t, g.scope["start"])
	require.True(t, g.scope["shared"])
	require.False(t, g.scope["other"])
	// The shared node's dependency set is scope-local.
	require.Equal(t, []string{"end"}, g.deps["shared"])
}

func TestResultRetention(t *testing.T) {
	eng := newTestEngine(t, Options{})
	wf := &workflow.Workflow{
		ID:    "wf1",
		Nodes: []workflow.Node{{ID: "start", Type: node.TypeNoop}},
	}
	_, err := eng.Execute(context.Background(), &Request{
		ExecutionID: "exec-1",
		Workflow:    wf,
		StartNodeID: "start",
	})
	require.NoError(t, err)

	// Terminated contexts remain queryable immediately after the run.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := eng.Status("exec-1"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("status not retained")
}

// ctxStore honors context cancellation the way a real driver does: writes
// fail once the context is done.
type ctxStore struct {
	mu       sync.Mutex
	finished []execution.Status
	nodes    map[string]api.NodeStatus
	failed   []error
}

func newCtxStore() *ctxStore {
	return &ctxStore{nodes: make(map[string]api.NodeStatus)}
}

func (s *ctxStore) CreateExecution(ctx context.Context, _ *execution.Record) error {
	return ctx.Err()
}

func (s *ctxStore) FinishExecution(ctx context.Context, _ string, status execution.Status, _ time.Time, _ *api.ExecutionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.failed = append(s.failed, err)
		return err
	}
	s.finished = append(s.finished, status)
	return nil
}

func (s *ctxStore) GetExecution(context.Context, string) (*execution.Record, error) {
	return nil, execution.ErrNotFound
}

func (s *ctxStore) SaveNode(ctx context.Context, rec *execution.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.failed = append(s.failed, err)
		return err
	}
	s.nodes[rec.NodeID] = rec.Status
	return nil
}

func (s *ctxStore) ListNodes(context.Context, string) ([]*execution.NodeRecord, error) {
	return nil, nil
}

func TestExecutePersistsTerminalRowAfterTimeout(t *testing.T) {
	store := newCtxStore()
	slow := node.Type{
		Name: "slow",
		Handler: node.HandlerFunc(func(ctx context.Context, req *node.Request) (*api.NodeOutput, error) {
			<-ctx.Done()
			return api.NewOutput("slow", req.AllInput(), nil), nil
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, slow), Store: store})
	wf := &workflow.Workflow{
		ID:       "wf1",
		Settings: workflow.Settings{SaveExecutionToDatabase: true},
		Nodes: []workflow.Node{
			{ID: "start", Type: node.TypeNoop},
			{ID: "slow1", Type: "slow"},
			{ID: "end", Type: node.TypeNoop},
		},
		Connections: []workflow.Connection{
			conn("c1", "start", "slow1"),
			conn("c2", "slow1", "end"),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := eng.Execute(ctx, &Request{
		ExecutionID: "e1",
		Workflow:    wf,
		StartNodeID: "start",
		TriggerData: map[string]any{"n": 1},
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCancelled, res.Status)

	// The node that finished after the deadline and the terminal row both
	// reach the store despite the dead run context.
	require.Empty(t, store.failed)
	require.Equal(t, []execution.Status{execution.StatusTimeout}, store.finished)
	require.Equal(t, api.NodeCompleted, store.nodes["slow1"])
}

func TestStatusDuringExecution(t *testing.T) {
	tick := node.Type{
		Name: "tick",
		Handler: node.HandlerFunc(func(_ context.Context, req *node.Request) (*api.NodeOutput, error) {
			time.Sleep(time.Millisecond)
			return api.NewOutput("tick", req.AllInput(), nil), nil
		}),
	}
	eng := newTestEngine(t, Options{Registry: testRegistry(t, tick)})

	wf := &workflow.Workflow{ID: "wf1"}
	for i := 0; i < 20; i++ {
		wf.Nodes = append(wf.Nodes, workflow.Node{ID: fmt.Sprintf("n%d", i), Type: "tick"})
		if i > 0 {
			wf.Connections = append(wf.Connections,
				conn(fmt.Sprintf("c%d", i), fmt.Sprintf("n%d", i-1), fmt.Sprintf("n%d", i)))
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if res, ok := eng.Status("e1"); ok {
				_ = len(res.NodeOutputs)
			}
		}
	}()

	res, err := eng.Execute(context.Background(), &Request{
		ExecutionID: "e1",
		Workflow:    wf,
		StartNodeID: "n0",
		TriggerData: map[string]any{"n": 1},
	})
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	require.Equal(t, api.ExecutionCompleted, res.Status)
	require.Len(t, res.ExecutedPath, 20)
}

func TestBuildGraphReachabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Nodes n0..n{count-1}; the mask selects forward edges i->j (i<j), so
	// every generated workflow is acyclic.
	properties.Property("scope is the forward closure of the start node", prop.ForAll(
		func(count int, mask int64) bool {
			wf := &workflow.Workflow{ID: "wf1"}
			edges := make(map[string][]string)
			for i := 0; i < count; i++ {
				wf.Nodes = append(wf.Nodes, workflow.Node{ID: fmt.Sprintf("n%d", i), Type: node.TypeNoop})
			}
			bit := 0
			for i := 0; i < count; i++ {
				for j := i + 1; j < count; j++ {
					if mask&(1<<bit) != 0 {
						src, dst := fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", j)
						wf.Connections = append(wf.Connections, conn(fmt.Sprintf("c%d", bit), src, dst))
						edges[src] = append(edges[src], dst)
					}
					bit++
				}
			}

			g, err := buildGraph(wf, "n0")
			if err != nil {
				return false
			}

			want := map[string]bool{"n0": true}
			frontier := []string{"n0"}
			for len(frontier) > 0 {
				id := frontier[0]
				frontier = frontier[1:]
				for _, next := range edges[id] {
					if !want[next] {
						want[next] = true
						frontier = append(frontier, next)
					}
				}
			}
			if len(g.scope) != len(want) {
				return false
			}
			for id := range want {
				if !g.scope[id] {
					return false
				}
			}

			// Neighbor sets stay inside the scope and agree with each other.
			for id, deps := range g.deps {
				if !g.scope[id] {
					return false
				}
				for _, dep := range deps {
					if !g.scope[dep] {
						return false
					}
					back := false
					for _, d := range g.dependents[dep] {
						if d == id {
							back = true
						}
					}
					if !back {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.Int64Range(0, 1<<28-1),
	))

	properties.TestingRun(t)
}
