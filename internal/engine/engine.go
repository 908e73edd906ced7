package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultEvalTimeout is the max time evaluators get to complete.
const DefaultEvalTimeout = 250 * time.Millisecond

// GuardEngine fans a request out to all registered evaluators in parallel
// and collects their findings.
type GuardEngine struct {
	evaluators []Evaluator
	timeout    time.Duration
	logger     *zap.Logger
}

// NewGuardEngine creates an engine with the given evaluators and timeout.
func NewGuardEngine(evaluators []Evaluator, timeout time.Duration, logger *zap.Logger) *GuardEngine {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	return &GuardEngine{
		evaluators: evaluators,
		timeout:    timeout,
		logger:     logger,
	}
}

type evalOutput struct {
	name     string
	category Category
	result   *EvalResult
	err      error
}

// Evaluate runs evaluators in parallel against the request.
//
// Each goroutine sends its result through a buffered channel, so the main
// goroutine can stop reading at the deadline without racing in-flight
// writes. An evaluator that misses the deadline or errors is reported as a
// triggered finding: the guard fails closed.
func (e *GuardEngine) Evaluate(ctx context.Context, req *EvalRequest) ([]Finding, time.Duration) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan evalOutput, len(e.evaluators))

	for _, ev := range e.evaluators {
		go func(ev Evaluator) {
			result, err := ev.Evaluate(ctx, req)
			ch <- evalOutput{
				name:     ev.Name(),
				category: ev.Category(),
				result:   result,
				err:      err,
			}
		}(ev)
	}

	reported := make(map[string]bool, len(e.evaluators))
	findings := make([]Finding, 0, len(e.evaluators))
	remaining := len(e.evaluators)
	for remaining > 0 {
		select {
		case out := <-ch:
			remaining--
			reported[out.name] = true
			if out.err != nil {
				e.logger.Warn("evaluator error",
					zap.String("evaluator", out.name),
					zap.Error(out.err),
				)
				findings = append(findings, Finding{
					Evaluator:  out.name,
					Category:   out.category,
					Triggered:  true,
					Confidence: 1,
					Details:    "evaluator error: " + out.err.Error(),
				})
				continue
			}
			if out.result == nil {
				continue
			}
			findings = append(findings, Finding{
				Evaluator:  out.name,
				Category:   out.category,
				Triggered:  out.result.Triggered,
				Confidence: out.result.Confidence,
				Details:    out.result.Details,
			})
		case <-ctx.Done():
			e.logger.Warn("evaluator timeout exceeded, failing closed",
				zap.Duration("timeout", e.timeout),
				zap.String("tool_id", req.ToolID),
			)
			for _, ev := range e.evaluators {
				if reported[ev.Name()] {
					continue
				}
				findings = append(findings, Finding{
					Evaluator:  ev.Name(),
					Category:   CategoryGuard,
					Triggered:  true,
					Confidence: 1,
					Details:    ev.Name() + " did not finish before the guard deadline",
				})
			}
			remaining = 0
		}
	}

	return findings, time.Since(start)
}
