// Package api defines the data types shared by the flow runtime components:
// the items that travel along workflow connections, the standardized node
// output shape, the per-execution result delivered to callers, and the
// lifecycle statuses of executions and nodes. Components exchange these types
// exclusively so the engine, trigger layer, stores and caches never depend on
// one another's internals.
package api

import (
	"sort"
	"time"
)

type (
	// Item is the unit of data flowing between nodes. JSON carries the
	// structured payload; Binary carries file attachments keyed by property
	// name (webhook uploads, generated documents).
	Item struct {
		JSON   map[string]any         `json:"json"`
		Binary map[string]*BinaryFile `json:"binary,omitempty"`
	}

	// BinaryFile is a base64-encoded file attachment carried by an Item.
	BinaryFile struct {
		// Data is the base64-encoded file content.
		Data string `json:"data"`
		// MimeType is the declared content type of the file.
		MimeType string `json:"mimeType"`
		// FileName is the original upload file name.
		FileName string `json:"fileName"`
		// FileSize is the decoded size in bytes.
		FileSize int64 `json:"fileSize"`
	}

	// NodeInput is the input the engine hands to a node. Main holds one
	// sub-list per incoming connection, preserving connection identity for
	// merge-style nodes. The start node receives a single sub-list wrapping
	// the trigger data.
	NodeInput struct {
		Main [][]Item `json:"main"`
	}

	// NodeOutput is the standardized shape every node execution produces.
	// Branching nodes (if/switch/loop) populate Branches with per-port data
	// and Main with the concatenation of all branches for backward
	// compatibility. Non-branching nodes leave Branches nil.
	NodeOutput struct {
		Main     []Item            `json:"main"`
		Branches map[string][]Item `json:"branches,omitempty"`
		Metadata OutputMetadata    `json:"metadata"`
	}

	// OutputMetadata annotates a NodeOutput with provenance information.
	OutputMetadata struct {
		// NodeType is the type tag of the node that produced the output.
		NodeType string `json:"nodeType"`
		// OutputCount is the total number of items across all branches.
		OutputCount int `json:"outputCount"`
		// HasMultipleBranches reports whether Branches carries per-port data.
		HasMultipleBranches bool `json:"hasMultipleBranches"`
	}

	// ExecutionStatus is the terminal (or current) state of an execution.
	ExecutionStatus string

	// NodeStatus is the lifecycle state of a single node within an execution.
	NodeStatus string

	// ExecutionError describes a failure in a serializable form.
	ExecutionError struct {
		// Kind classifies the failure (e.g. "WorkflowCycle", "NodeFailure").
		Kind string `json:"kind"`
		// Message is the human-readable failure description.
		Message string `json:"message"`
		// NodeID identifies the failing node, if the failure is node-scoped.
		NodeID string `json:"nodeId,omitempty"`
	}

	// ExecutionResult is the terminal outcome of an execution. It is what the
	// trigger manager writes into the result cache and what synchronous
	// webhook callers ultimately receive.
	ExecutionResult struct {
		ExecutionID string          `json:"executionId"`
		WorkflowID  string          `json:"workflowId"`
		Status      ExecutionStatus `json:"status"`
		StartedAt   time.Time       `json:"startedAt"`
		FinishedAt  time.Time       `json:"finishedAt"`
		// ExecutedPath lists node ids in execution order.
		ExecutedPath []string `json:"executedPath,omitempty"`
		// NodeOutputs maps node id to that node's standardized output. Loop
		// nodes report their final output.
		NodeOutputs map[string]*NodeOutput `json:"nodeOutputs,omitempty"`
		Error       *ExecutionError        `json:"error,omitempty"`
	}

	// HTTPResponse is the reply a workflow designates for a synchronous
	// webhook caller via an item flagged with the _httpResponse sentinel.
	HTTPResponse struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers,omitempty"`
		Body       any               `json:"body,omitempty"`
		Cookies    []string          `json:"cookies,omitempty"`
	}
)

const (
	// ExecutionCompleted indicates every executed node succeeded.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionPartial indicates some nodes succeeded and some failed.
	ExecutionPartial ExecutionStatus = "partial"
	// ExecutionFailed indicates the run failed (failures >= successes or a
	// structural error aborted the run).
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled indicates cancellation was observed before the run
	// could finish.
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionRunning indicates the run is still in progress.
	ExecutionRunning ExecutionStatus = "running"
)

const (
	// NodeIdle means the node has not been considered yet.
	NodeIdle NodeStatus = "idle"
	// NodeQueued means the node is waiting in the scheduler queue.
	NodeQueued NodeStatus = "queued"
	// NodeRunning means the node handler is executing.
	NodeRunning NodeStatus = "running"
	// NodeCompleted means the node finished successfully.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed means the node handler returned an error.
	NodeFailed NodeStatus = "failed"
	// NodeCancelled means the run was cancelled before the node finished.
	NodeCancelled NodeStatus = "cancelled"
	// NodeSkipped means branch gating determined no data reaches the node.
	NodeSkipped NodeStatus = "skipped"
)

// HTTPResponseKey is the sentinel item field a node sets to designate its
// item as the synchronous webhook reply.
const HTTPResponseKey = "_httpResponse"

// Terminal reports whether the status is a terminal execution state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// NewOutput builds a standardized NodeOutput from per-branch item lists. When
// branches is non-nil, Main is the concatenation of all branch items in
// deterministic (sorted port name) order.
func NewOutput(nodeType string, main []Item, branches map[string][]Item) *NodeOutput {
	out := &NodeOutput{
		Main:     main,
		Branches: branches,
		Metadata: OutputMetadata{NodeType: nodeType},
	}
	if len(branches) > 0 {
		out.Metadata.HasMultipleBranches = true
		total := 0
		for _, items := range branches {
			total += len(items)
		}
		out.Metadata.OutputCount = total
		if main == nil {
			out.Main = concatBranches(branches)
		}
	} else {
		out.Metadata.OutputCount = len(main)
	}
	return out
}

// HTTPResponseFromItem extracts the HTTPResponse designation from an item if
// the item carries the _httpResponse sentinel. Missing or malformed fields
// fall back to status 200 with the item JSON as body.
func HTTPResponseFromItem(item Item) (*HTTPResponse, bool) {
	flag, ok := item.JSON[HTTPResponseKey]
	if !ok {
		return nil, false
	}
	if b, ok := flag.(bool); !ok || !b {
		return nil, false
	}
	resp := &HTTPResponse{StatusCode: 200}
	if code, ok := numeric(item.JSON["statusCode"]); ok {
		resp.StatusCode = code
	}
	if hdrs, ok := item.JSON["headers"].(map[string]any); ok {
		resp.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				resp.Headers[k] = s
			}
		}
	}
	if body, ok := item.JSON["body"]; ok {
		resp.Body = body
	} else {
		resp.Body = item.JSON
	}
	if raw, ok := item.JSON["cookies"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				resp.Cookies = append(resp.Cookies, s)
			}
		}
	}
	return resp, true
}

func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func concatBranches(branches map[string][]Item) []Item {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)
	var all []Item
	for _, name := range names {
		all = append(all, branches[name]...)
	}
	return all
}
