package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/workflow"
)

// Built-in type tags.
const (
	TypeNoop    = "noop"
	TypeSet     = "set"
	TypeIf      = "if"
	TypeSwitch  = "switch"
	TypeLoop    = "loop"
	TypeRespond = "respond"
)

// Loop branch port names. The engine drives any type named "loop" through the
// iteration protocol and expects exactly these two branches.
const (
	LoopBranch = "loop"
	DoneBranch = "done"
)

func builtinTypes() []Type {
	return []Type{
		{
			Name:    TypeNoop,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{workflow.DefaultPort},
			Handler: HandlerFunc(executeNoop),
		},
		{
			Name:    TypeSet,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{workflow.DefaultPort},
			Handler: HandlerFunc(executeSet),
		},
		{
			Name:    TypeIf,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{"true", "false"},
			Handler: HandlerFunc(executeIf),
		},
		{
			Name:    TypeSwitch,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{workflow.DefaultPort},
			Handler: HandlerFunc(executeSwitch),
		},
		{
			Name:    TypeLoop,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{LoopBranch, DoneBranch},
			Handler: HandlerFunc(executeLoop),
		},
		{
			Name:    TypeRespond,
			Inputs:  []string{workflow.DefaultPort},
			Outputs: []string{workflow.DefaultPort},
			Handler: HandlerFunc(executeRespond),
		},
	}
}

// executeNoop passes its input through unchanged.
func executeNoop(_ context.Context, req *Request) (*api.NodeOutput, error) {
	return api.NewOutput(TypeNoop, req.AllInput(), nil), nil
}

// executeSet shallow-merges the "values" parameter into each item.
func executeSet(_ context.Context, req *Request) (*api.NodeOutput, error) {
	values, _ := req.Node.Parameters["values"].(map[string]any)
	items := req.AllInput()
	out := make([]api.Item, 0, len(items))
	for _, item := range items {
		merged := make(map[string]any, len(item.JSON)+len(values))
		for k, v := range item.JSON {
			merged[k] = v
		}
		for k, v := range values {
			merged[k] = v
		}
		out = append(out, api.Item{JSON: merged, Binary: item.Binary})
	}
	if len(items) == 0 && len(values) > 0 {
		out = append(out, api.Item{JSON: values})
	}
	return api.NewOutput(TypeSet, out, nil), nil
}

// executeIf routes each item to the "true" or "false" branch according to the
// "condition" expression parameter.
func executeIf(_ context.Context, req *Request) (*api.NodeOutput, error) {
	program, err := compileCondition(req.StringParam("condition"))
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", req.Node.ID, err)
	}
	branches := map[string][]api.Item{"true": {}, "false": {}}
	for _, item := range req.AllInput() {
		ok, err := evalCondition(program, item)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", req.Node.ID, err)
		}
		if ok {
			branches["true"] = append(branches["true"], item)
		} else {
			branches["false"] = append(branches["false"], item)
		}
	}
	return api.NewOutput(TypeIf, nil, branches), nil
}

// executeSwitch routes each item to the first case whose expression holds.
// The "cases" parameter maps branch names to expressions; unmatched items go
// to the "default" branch when declared via the "fallback" parameter.
func executeSwitch(_ context.Context, req *Request) (*api.NodeOutput, error) {
	rawCases, _ := req.Node.Parameters["cases"].(map[string]any)
	type compiledCase struct {
		branch  string
		program *vm.Program
	}
	cases := make([]compiledCase, 0, len(rawCases))
	for branch, raw := range rawCases {
		cond, _ := raw.(string)
		program, err := compileCondition(cond)
		if err != nil {
			return nil, fmt.Errorf("node %q case %q: %w", req.Node.ID, branch, err)
		}
		cases = append(cases, compiledCase{branch: branch, program: program})
	}
	fallback := req.StringParam("fallback")

	branches := make(map[string][]api.Item, len(cases)+1)
	for _, c := range cases {
		branches[c.branch] = []api.Item{}
	}
	if fallback != "" {
		branches[fallback] = []api.Item{}
	}
	for _, item := range req.AllInput() {
		routed := false
		for _, c := range cases {
			ok, err := evalCondition(c.program, item)
			if err != nil {
				return nil, fmt.Errorf("node %q case %q: %w", req.Node.ID, c.branch, err)
			}
			if ok {
				branches[c.branch] = append(branches[c.branch], item)
				routed = true
				break
			}
		}
		if !routed && fallback != "" {
			branches[fallback] = append(branches[fallback], item)
		}
	}
	return api.NewOutput(TypeSwitch, nil, branches), nil
}

// executeLoop batches its input. Each invocation emits the next batch on the
// loop branch; once exhausted it emits the accumulated items on done. The
// iteration cursor lives in the request state so the engine's re-invocations
// advance it.
func executeLoop(_ context.Context, req *Request) (*api.NodeOutput, error) {
	batchSize := req.IntParam("batchSize", 1)
	if batchSize < 1 {
		batchSize = 1
	}

	items, ok := req.State["items"].([]api.Item)
	if !ok {
		items = req.AllInput()
		req.State["items"] = items
		req.State["cursor"] = 0
	}
	cursor, _ := req.State["cursor"].(int)

	branches := map[string][]api.Item{LoopBranch: {}, DoneBranch: {}}
	if cursor < len(items) {
		end := cursor + batchSize
		if end > len(items) {
			end = len(items)
		}
		branches[LoopBranch] = items[cursor:end]
		req.State["cursor"] = end
	} else {
		done := items
		if len(done) == 0 {
			// An empty collection still terminates the loop with a done
			// signal instead of starving both branches.
			done = []api.Item{{JSON: map[string]any{}}}
		}
		branches[DoneBranch] = done
	}
	return api.NewOutput(TypeLoop, nil, branches), nil
}

// executeRespond flags its first item as the synchronous webhook reply. The
// "statusCode", "headers" and "body" parameters override the item fields.
func executeRespond(_ context.Context, req *Request) (*api.NodeOutput, error) {
	items := req.AllInput()
	reply := map[string]any{api.HTTPResponseKey: true, "statusCode": 200}
	if len(items) > 0 {
		for k, v := range items[0].JSON {
			reply[k] = v
		}
	}
	for _, key := range []string{"statusCode", "headers", "body"} {
		if v, ok := req.Node.Parameters[key]; ok {
			reply[key] = v
		}
	}
	if _, ok := reply["body"]; !ok {
		if len(items) > 0 {
			reply["body"] = items[0].JSON
		}
	}
	return api.NewOutput(TypeRespond, []api.Item{{JSON: reply}}, nil), nil
}

// compileCondition compiles an item condition. The $json prefix is rewritten
// to the json environment variable so expressions read like the editor shows
// them ($json.x > 5).
func compileCondition(cond string) (*vm.Program, error) {
	if cond == "" {
		return nil, fmt.Errorf("condition parameter is required")
	}
	rewritten := strings.ReplaceAll(cond, "$json", "json")
	program, err := expr.Compile(rewritten, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	return program, nil
}

func evalCondition(program *vm.Program, item api.Item) (bool, error) {
	env := map[string]any{"json": item.JSON}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition did not evaluate to a boolean")
	}
	return ok, nil
}
