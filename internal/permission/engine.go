package permission

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Granted
	NeedsApproval
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case NeedsApproval:
		return "needs_approval"
	default:
		return "denied"
	}
}

// Result is a decision together with a human-readable reason.
type Result struct {
	Decision Decision
	Reason   string
}

// Subject is what gets authorized: a specific tool version's policy.
type Subject interface {
	ToolID() string
	PermissionPolicy() Policy
}

// Engine resolves policies against the process-wide capability ceiling.
type Engine struct {
	ceiling Ceiling
	logger  *zap.Logger
}

// NewEngine creates an Engine bound to a fixed ceiling.
func NewEngine(ceiling Ceiling, logger *zap.Logger) *Engine {
	return &Engine{ceiling: ceiling, logger: logger}
}

// Ceiling returns the engine's capability ceiling.
func (e *Engine) Ceiling() Ceiling { return e.ceiling }

// Authorize decides whether subject may execute for the session that owns
// approvals.
//
// Resolution order:
//  1. deny mode → Denied
//  2. any required capability outside the ceiling → Denied
//  3. auto-allow → Granted
//  4. ask-once-per-session → cached decision, else NeedsApproval
//  5. ask-every-call → NeedsApproval
func (e *Engine) Authorize(subject Subject, approvals *ApprovalCache) Result {
	policy := subject.PermissionPolicy()
	toolID := subject.ToolID()

	if policy.Mode == ModeDeny {
		return Result{Decision: Denied, Reason: "policy denies execution"}
	}

	if over := e.ceiling.Exceeding(policy.Capabilities); len(over) > 0 {
		e.logger.Warn("tool requires capabilities above ceiling",
			zap.String("tool_id", toolID),
			zap.Strings("capabilities", capStrings(over)),
		)
		return Result{
			Decision: Denied,
			Reason:   fmt.Sprintf("capabilities not permitted: %s", strings.Join(capStrings(over), ", ")),
		}
	}

	switch policy.Mode {
	case ModeAutoAllow:
		return Result{Decision: Granted, Reason: "auto-allow"}
	case ModeAskOnce:
		if granted, ok := approvals.Lookup(toolID); ok {
			if granted {
				return Result{Decision: Granted, Reason: "approved earlier this session"}
			}
			return Result{Decision: Denied, Reason: "denied earlier this session"}
		}
		return Result{Decision: NeedsApproval, Reason: "approval required once per session"}
	case ModeAskEveryCall:
		return Result{Decision: NeedsApproval, Reason: "approval required for every call"}
	}
	return Result{Decision: Denied, Reason: fmt.Sprintf("unknown approval mode %q", policy.Mode)}
}

// RecordDecision stores a user decision for modes that remember it.
func (e *Engine) RecordDecision(subject Subject, approvals *ApprovalCache, granted bool) {
	if subject.PermissionPolicy().Mode != ModeAskOnce {
		return
	}
	approvals.Record(subject.ToolID(), granted)
}

func capStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// ApprovalCache holds one session's ask-once decisions. It is owned by the
// session and discarded with it.
type ApprovalCache struct {
	mu        sync.Mutex
	decisions map[string]bool
}

// NewApprovalCache creates an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{decisions: make(map[string]bool)}
}

// Lookup returns the recorded decision for toolID. A nil cache has no entries.
func (c *ApprovalCache) Lookup(toolID string) (granted, ok bool) {
	if c == nil {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	granted, ok = c.decisions[toolID]
	return granted, ok
}

// Record stores a decision for toolID.
func (c *ApprovalCache) Record(toolID string, granted bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[toolID] = granted
}

// Clear drops every decision.
func (c *ApprovalCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = make(map[string]bool)
}

// Len returns the number of recorded decisions.
func (c *ApprovalCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.decisions)
}
