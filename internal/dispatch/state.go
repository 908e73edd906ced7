package dispatch

import (
	"errors"

	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

var (
	// ErrSessionClosed is returned when submitting to an ended session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRequestNotFound is returned when cancelling a request that is
	// neither queued nor running.
	ErrRequestNotFound = errors.New("request not found")
	// ErrCancelled reports a request cancelled while awaiting approval.
	ErrCancelled = errors.New("request cancelled")
	// ErrApprovalTimeout reports an approval that was not given in time.
	ErrApprovalTimeout = errors.New("approval timed out")
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived         State = "received"
	StateValidating       State = "validating"
	StatePermissionCheck  State = "permission-check"
	StateAwaitingApproval State = "awaiting-approval"
	StateRouting          State = "routing"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FinalState returns the terminal state a result was produced in. Lookup and
// validation failures end in Failed, everything else in Completed.
func FinalState(res toolcall.Result) State {
	switch res.Outcome {
	case toolcall.OutcomeNotFound, toolcall.OutcomeValidationError:
		return StateFailed
	}
	return StateCompleted
}
