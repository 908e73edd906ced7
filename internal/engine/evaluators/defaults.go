package evaluators

import "github.com/triage-ai/palisade/services/tool_runner/internal/engine"

// Defaults returns the evaluators run before every sandboxed spawn.
func Defaults() []engine.Evaluator {
	return []engine.Evaluator{
		NewExecutableEvaluator(),
		NewPathScopeEvaluator(),
		NewNetworkScopeEvaluator(),
		NewInjectionEvaluator(),
	}
}
