// Package node defines the node-type plug-in contract consumed by the flow
// execution engine: a registry of named types, each declaring its input and
// output ports and providing a handler that turns connection-shaped input
// into the standardized node output.
//
// The runtime ships a handful of built-in types (noop, set, if, switch, loop,
// respond) so workflows are executable without external plug-ins; anything
// domain-specific (HTTP clients, database queries, AI calls) registers its
// own types through the same contract.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/credentials"
	"goa.design/flow/runtime/workflow"
)

// ErrUnknownType is returned when no node type is registered for a type tag.
var ErrUnknownType = errors.New("unknown node type")

type (
	// Request carries everything a handler needs for one invocation.
	Request struct {
		// Node is the workflow node being executed.
		Node workflow.Node
		// Input holds one item sub-list per incoming connection.
		Input api.NodeInput
		// Credentials resolves credential references declared in the node
		// settings. Nil when the deployment has no credential store.
		Credentials credentials.Store
		// State is scratch storage preserved across invocations of the same
		// node within one execution. Loop nodes keep their iteration cursor
		// here.
		State map[string]any
	}

	// Handler executes a node's business logic. Handlers return the
	// standardized output on success. A handler that fails but still has
	// meaningful data to emit returns both a non-nil output and an error;
	// the engine honors the node's continueOnFail setting in that case.
	Handler interface {
		Execute(ctx context.Context, req *Request) (*api.NodeOutput, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, req *Request) (*api.NodeOutput, error)

	// Type describes a registered node type.
	Type struct {
		// Name is the type tag referenced by workflow nodes.
		Name string
		// Inputs and Outputs declare the port names of the type. A type
		// whose outputs are not solely "main" is branching; the engine
		// requires its handler to emit the branches map.
		Inputs  []string
		Outputs []string
		// Handler executes nodes of this type.
		Handler Handler
	}

	// Registry resolves type tags to registered node types.
	Registry interface {
		// Register adds a node type. Registering a duplicate name fails.
		Register(t Type) error
		// Lookup returns the type registered under name.
		Lookup(name string) (Type, error)
	}

	registry struct {
		mu    sync.RWMutex
		types map[string]Type
	}
)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (*api.NodeOutput, error) {
	return f(ctx, req)
}

// Branching reports whether the type declares output ports other than "main".
func (t Type) Branching() bool {
	for _, out := range t.Outputs {
		if out != workflow.DefaultPort {
			return true
		}
	}
	return false
}

// NewRegistry constructs an empty node type registry.
func NewRegistry() Registry {
	return &registry{types: make(map[string]Type)}
}

// NewBuiltinRegistry constructs a registry pre-populated with the built-in
// node types.
func NewBuiltinRegistry() Registry {
	r := NewRegistry()
	for _, t := range builtinTypes() {
		// Built-in names are unique; Register cannot fail here.
		_ = r.Register(t)
	}
	return r
}

func (r *registry) Register(t Type) error {
	if t.Name == "" {
		return errors.New("node type name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("node type %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[t.Name]; dup {
		return fmt.Errorf("node type %q already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

func (r *registry) Lookup(name string) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// FirstInput returns the items of the first incoming connection, or nil when
// the node has no input.
func (req *Request) FirstInput() []api.Item {
	if len(req.Input.Main) == 0 {
		return nil
	}
	return req.Input.Main[0]
}

// AllInput flattens all incoming connections into a single item list.
func (req *Request) AllInput() []api.Item {
	var all []api.Item
	for _, items := range req.Input.Main {
		all = append(all, items...)
	}
	return all
}

// StringParam returns the named node parameter as a string.
func (req *Request) StringParam(name string) string {
	if v, ok := req.Node.Parameters[name].(string); ok {
		return v
	}
	return ""
}

// IntParam returns the named node parameter as an int, or def when absent.
func (req *Request) IntParam(name string, def int) int {
	switch v := req.Node.Parameters[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
