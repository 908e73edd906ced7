package evaluators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
)

// Pre-compiled injection patterns for argument scanning.
var injectionPatterns = []struct {
	re         *regexp.Regexp
	detail     string
	confidence float32
}{
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection", 0.95},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)", 0.95},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution", 0.95},
	{regexp.MustCompile("(?i)`[^`]*`"), "backtick command execution", 0.95},
	// SQL is legitimate input for some tools; recorded, never blocking on its own.
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL keywords", 0.5},
}

// InjectionEvaluator scans argument strings for shell injection patterns.
type InjectionEvaluator struct{}

func NewInjectionEvaluator() *InjectionEvaluator {
	return &InjectionEvaluator{}
}

func (e *InjectionEvaluator) Name() string {
	return "injection"
}

func (e *InjectionEvaluator) Category() engine.Category {
	return engine.CategoryInjection
}

func (e *InjectionEvaluator) Evaluate(ctx context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	var issues []string
	var bestConfidence float32

	for _, s := range requestStrings(req) {
		for _, p := range injectionPatterns {
			if ctx.Err() != nil {
				return resultFromIssues(issues, bestConfidence), nil
			}
			if p.re.MatchString(s) {
				issues = append(issues, fmt.Sprintf("injection pattern in arguments: %s", p.detail))
				if bestConfidence < p.confidence {
					bestConfidence = p.confidence
				}
			}
		}
	}
	return resultFromIssues(issues, bestConfidence), nil
}

func resultFromIssues(issues []string, confidence float32) *engine.EvalResult {
	if len(issues) == 0 {
		return &engine.EvalResult{Triggered: false}
	}
	return &engine.EvalResult{
		Triggered:  true,
		Confidence: confidence,
		Details:    strings.Join(dedupe(issues), "; "),
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
