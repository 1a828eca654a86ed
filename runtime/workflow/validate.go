package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrCycle indicates the connection graph contains a cycle.
	ErrCycle = errors.New("workflow graph contains a cycle")
	// ErrSelfConnection indicates a connection whose source and target are
	// the same node.
	ErrSelfConnection = errors.New("connection references the same node on both ends")
	// ErrUnknownNode indicates a connection or trigger references a node id
	// not present in the workflow.
	ErrUnknownNode = errors.New("reference to unknown node")
)

// settingsSchema constrains the recognized workflow settings. Unknown keys are
// tolerated at the JSON boundary; recognized keys must have the right shape.
const settingsSchema = `{
	"type": "object",
	"properties": {
		"saveExecutionToDatabase": {"type": "boolean"},
		"timezone": {"type": "string"},
		"saveExecutionProgress": {"type": "boolean"},
		"saveDataErrorExecution": {"enum": ["all", "none", ""]},
		"saveDataSuccessExecution": {"enum": ["all", "none", ""]}
	}
}`

var compiledSettingsSchema = mustCompileSchema(settingsSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		panic(fmt.Sprintf("unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// Validate checks the structural invariants of a workflow: node ids are
// unique, connection endpoints resolve, no self-connections, the connection
// graph is acyclic, trigger definitions are well formed, and the settings
// document conforms to the recognized schema.
func Validate(w *Workflow) error {
	if w == nil {
		return errors.New("workflow is required")
	}
	if w.ID == "" {
		return errors.New("workflow id is required")
	}

	nodes := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return errors.New("node id is required")
		}
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("node %q has no type", n.ID)
		}
		nodes[n.ID] = true
	}

	for _, c := range w.Connections {
		if !nodes[c.SourceNodeID] {
			return fmt.Errorf("%w: connection %q source %q", ErrUnknownNode, c.ID, c.SourceNodeID)
		}
		if !nodes[c.TargetNodeID] {
			return fmt.Errorf("%w: connection %q target %q", ErrUnknownNode, c.ID, c.TargetNodeID)
		}
		if c.SourceNodeID == c.TargetNodeID {
			return fmt.Errorf("%w: connection %q on node %q", ErrSelfConnection, c.ID, c.SourceNodeID)
		}
	}

	if err := checkAcyclic(w.Connections); err != nil {
		return err
	}

	for _, t := range w.Triggers {
		if err := validateTrigger(t, nodes); err != nil {
			return err
		}
	}

	return validateSettings(w.Settings)
}

func validateTrigger(t TriggerDefinition, nodes map[string]bool) error {
	if t.ID == "" {
		return errors.New("trigger id is required")
	}
	if !nodes[t.NodeID] {
		return fmt.Errorf("%w: trigger %q node %q", ErrUnknownNode, t.ID, t.NodeID)
	}
	switch t.Kind {
	case TriggerWebhook:
		if t.Webhook == nil {
			return fmt.Errorf("trigger %q: webhook settings are required", t.ID)
		}
		switch t.Webhook.Method {
		case "GET", "POST", "PUT", "DELETE", "PATCH":
		default:
			return fmt.Errorf("trigger %q: unsupported method %q", t.ID, t.Webhook.Method)
		}
	case TriggerSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("trigger %q: schedule settings are required", t.ID)
		}
	case TriggerManual, TriggerWorkflowCalled:
	default:
		return fmt.Errorf("trigger %q: unknown kind %q", t.ID, t.Kind)
	}
	return nil
}

// validateSettings round-trips the settings through JSON and validates the
// document against the recognized schema.
func validateSettings(s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := compiledSettingsSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// checkAcyclic detects cycles in the full connection graph using Kahn's
// algorithm over the node ids that appear in connections.
func checkAcyclic(conns []Connection) error {
	indegree := make(map[string]int)
	adjacent := make(map[string][]string)
	for _, c := range conns {
		if _, ok := indegree[c.SourceNodeID]; !ok {
			indegree[c.SourceNodeID] = 0
		}
		indegree[c.TargetNodeID]++
		adjacent[c.SourceNodeID] = append(adjacent[c.SourceNodeID], c.TargetNodeID)
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return ErrCycle
	}
	return nil
}
