package evaluators

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
)

var urlPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.\-]*://[^\s"'<>]+`)

// NetworkScopeEvaluator flags network targets in arguments when the tool
// does not declare network access.
type NetworkScopeEvaluator struct{}

func NewNetworkScopeEvaluator() *NetworkScopeEvaluator {
	return &NetworkScopeEvaluator{}
}

func (e *NetworkScopeEvaluator) Name() string {
	return "network_scope"
}

func (e *NetworkScopeEvaluator) Category() engine.Category {
	return engine.CategoryNetworkScope
}

func (e *NetworkScopeEvaluator) Evaluate(ctx context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	if req.Policy.Has(permission.CapNetworkAccess) {
		return &engine.EvalResult{Triggered: false}, nil
	}

	var hosts []string
	for _, s := range requestStrings(req) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, raw := range urlPattern.FindAllString(s, -1) {
			u, err := url.Parse(raw)
			if err != nil || strings.EqualFold(u.Scheme, "file") || u.Host == "" {
				continue
			}
			hosts = append(hosts, u.Scheme+"://"+u.Host)
		}
	}
	if len(hosts) == 0 {
		return &engine.EvalResult{Triggered: false}, nil
	}
	return &engine.EvalResult{
		Triggered:  true,
		Confidence: 0.9,
		Details:    fmt.Sprintf("network target without network-access: %s", strings.Join(hosts, ", ")),
	}, nil
}
