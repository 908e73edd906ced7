// Package engine screens a sandboxed command before it is spawned. Each
// Evaluator inspects one aspect of the command; Aggregate turns their
// findings into a violation verdict.
package engine

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// Category groups evaluators by what they inspect.
type Category string

const (
	CategoryExecutable   Category = "executable"
	CategoryPathScope    Category = "path_scope"
	CategoryNetworkScope Category = "network_scope"
	CategoryInjection    Category = "injection"
	CategoryGuard        Category = "guard"
)

// Evaluator is the interface every pre-spawn check must implement.
// Implementations must respect context deadlines and return quickly.
type Evaluator interface {
	// Name returns the evaluator's unique identifier.
	Name() string

	// Category returns the evaluation category.
	Category() Category

	// Evaluate runs the check against the given request.
	// Must respect ctx deadline. Return early if ctx is cancelled.
	Evaluate(ctx context.Context, req *EvalRequest) (*EvalResult, error)
}

// EvalRequest describes the command about to be spawned.
type EvalRequest struct {
	ToolID     string
	Executable string
	Argv       []string
	Args       value.Object
	Policy     permission.Policy
	// WorkDir is the scratch directory the child runs in; relative paths
	// resolve against it.
	WorkDir string
}

// EvalResult is the outcome of a single evaluator run.
type EvalResult struct {
	Triggered  bool
	Confidence float32 // 0.0 - 1.0
	Details    string
}

// Finding is an evaluator's result tagged with its origin.
type Finding struct {
	Evaluator  string
	Category   Category
	Triggered  bool
	Confidence float32
	Details    string
}
