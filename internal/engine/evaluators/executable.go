package evaluators

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
)

// ExecutableEvaluator checks the resolved executable against the policy's
// executable allow-list.
type ExecutableEvaluator struct{}

func NewExecutableEvaluator() *ExecutableEvaluator {
	return &ExecutableEvaluator{}
}

func (e *ExecutableEvaluator) Name() string {
	return "executable"
}

func (e *ExecutableEvaluator) Category() engine.Category {
	return engine.CategoryExecutable
}

func (e *ExecutableEvaluator) Evaluate(_ context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	if req.Executable == "" {
		return &engine.EvalResult{
			Triggered:  true,
			Confidence: 1,
			Details:    "no executable bound",
		}, nil
	}
	if !filepath.IsAbs(req.Executable) {
		return &engine.EvalResult{
			Triggered:  true,
			Confidence: 0.9,
			Details:    fmt.Sprintf("executable %q is not an absolute path", req.Executable),
		}, nil
	}

	allowed := req.Policy.AllowList.Executables
	if len(allowed) == 0 {
		return &engine.EvalResult{Triggered: false}, nil
	}

	exe := filepath.Clean(req.Executable)
	for _, a := range allowed {
		if filepath.Clean(a) == exe {
			return &engine.EvalResult{Triggered: false}, nil
		}
	}
	return &engine.EvalResult{
		Triggered:  true,
		Confidence: 1,
		Details:    fmt.Sprintf("executable %s not in allow-list", exe),
	}, nil
}
