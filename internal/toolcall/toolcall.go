// Package toolcall defines the request and result types that flow through
// the dispatcher and its executors.
package toolcall

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// Mode is the execution mode of a call.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeReal      Mode = "real"
)

// ParseMode parses a mode name. The empty string yields "" so callers can
// fall back to a default.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSimulated, ModeReal:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Outcome is the stable result tag.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationError  Outcome = "validation-error"
	OutcomePermissionDenied Outcome = "permission-denied"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeExecutionError   Outcome = "execution-error"
	OutcomeNotFound         Outcome = "not-found"
)

// Stable machine reasons carried by non-success results.
const (
	ReasonUnknownTool      = "unknown-tool"
	ReasonToolDisabled     = "tool-disabled"
	ReasonInvalidArguments = "invalid-arguments"
	ReasonPolicyDenied     = "policy-denied"
	ReasonUserDenied       = "user-denied"
	ReasonApprovalTimeout  = "approval-timeout"
	ReasonCancelled        = "cancelled"
	ReasonExecTimeout      = "execution-timeout"
	ReasonOutputTooLarge   = "output-too-large"
	ReasonExitStatus       = "exit-status"
	ReasonSandboxViolation = "sandbox-violation"
	ReasonHandlerError     = "handler-error"
	ReasonNoExecutable     = "no-executable"
	ReasonSpawnFailed      = "spawn-failed"
	ReasonIsolation        = "isolation-unavailable"
	ReasonInvalidResult    = "invalid-result"
	ReasonInternal         = "internal-error"
)

// Request is a model-issued function call.
type Request struct {
	ID        string
	SessionID string
	ToolID    string
	Args      value.Object
	Mode      Mode
}

// Result is the answer to one Request.
type Result struct {
	RequestID   string
	ToolID      string
	ToolVersion int
	Outcome     Outcome
	Mode        Mode
	Payload     value.Value

	Reason string
	Detail string
	Field  string

	// ExitStatus is set for exit-status failures.
	ExitStatus int
	// Violation marks sandbox violations.
	Violation bool
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Success builds a success result.
func Success(req Request, mode Mode, payload value.Value) Result {
	return Result{
		RequestID: req.ID,
		ToolID:    req.ToolID,
		Outcome:   OutcomeSuccess,
		Mode:      mode,
		Payload:   payload,
	}
}

// Failure builds a non-success result.
func Failure(req Request, mode Mode, outcome Outcome, reason, detail string) Result {
	return Result{
		RequestID: req.ID,
		ToolID:    req.ToolID,
		Outcome:   outcome,
		Mode:      mode,
		Payload:   value.Null(),
		Reason:    reason,
		Detail:    detail,
	}
}

func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("%s %s@%d: %s", r.RequestID, r.ToolID, r.ToolVersion, r.Outcome)
	}
	return fmt.Sprintf("%s %s@%d: %s (%s): %s", r.RequestID, r.ToolID, r.ToolVersion, r.Outcome, r.Reason, r.Detail)
}
