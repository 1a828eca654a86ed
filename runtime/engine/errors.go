package engine

import "errors"

var (
	// ErrWorkflowCycle is returned when the scoped subgraph contains a cycle.
	ErrWorkflowCycle = errors.New("workflow cycle detected")

	// ErrStartNodeNotFound is returned when the starting node is not part of
	// the workflow.
	ErrStartNodeNotFound = errors.New("start node not found")

	// ErrDependencyUnsatisfiable marks a node whose dependencies never
	// completed within the requeue budget.
	ErrDependencyUnsatisfiable = errors.New("node dependencies unsatisfiable")

	// ErrLoopStuck is returned when a loop node emits neither loop nor done
	// items on an invocation.
	ErrLoopStuck = errors.New("loop emitted no items on either branch")

	// ErrLoopIterationLimit is returned when a loop node exceeds the
	// iteration cap.
	ErrLoopIterationLimit = errors.New("loop iteration limit exceeded")
)

// Error kinds recorded on api.ExecutionError values. They mirror the sentinel
// errors so callers can classify failures from serialized results.
const (
	KindWorkflowCycle           = "WorkflowCycle"
	KindStartNodeNotFound       = "StartNodeNotFound"
	KindDependencyUnsatisfiable = "DependencyUnsatisfiable"
	KindLoopStuck               = "LoopStuck"
	KindLoopIterationLimit      = "LoopIterationLimit"
	KindUnknownNodeType         = "UnknownNodeType"
	KindNodeFailure             = "NodeFailure"
	KindCancelled               = "Cancelled"
)
