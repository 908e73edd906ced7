package engine

import "strings"

// AggregatorConfig holds the threshold for verdict determination.
type AggregatorConfig struct {
	ViolationThreshold float32 // Confidence >= this → violation (default 0.8)
}

// DefaultAggregatorConfig returns the default thresholds.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		ViolationThreshold: 0.8,
	}
}

// AggregateResult holds the verdict after aggregation.
type AggregateResult struct {
	Violation bool
	Reason    string
	// Evaluators lists the evaluators whose findings crossed the threshold.
	Evaluators []string
	// Notes carries triggered findings below the threshold.
	Notes []string
}

// Aggregate applies the threshold to the findings. Any triggered finding at
// or above the threshold is a violation; lower-confidence triggers are kept
// as notes only.
func Aggregate(findings []Finding, cfg AggregatorConfig) AggregateResult {
	var res AggregateResult
	var details []string

	for _, f := range findings {
		if !f.Triggered {
			continue
		}
		if f.Confidence >= cfg.ViolationThreshold {
			res.Violation = true
			res.Evaluators = append(res.Evaluators, f.Evaluator)
			details = append(details, f.Details)
			continue
		}
		res.Notes = append(res.Notes, f.Details)
	}

	res.Reason = strings.Join(details, "; ")
	return res
}
