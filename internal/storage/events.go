package storage

import "time"

// EventWriter is the interface for writing dispatch events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DispatchEvent)
	Close()
}

// DispatchEvent records one finished tool call.
type DispatchEvent struct {
	EventID     string
	RequestID   string
	SessionID   string
	Timestamp   time.Time
	ToolID      string
	ToolVersion int32
	Mode        string // "simulated", "real"
	State       string // "completed", "failed"
	Outcome     string
	Reason      string
	Detail      string
	Field       string
	ExitStatus  int32
	Violation   bool
	// ArgumentsJSON is the canonical encoding of the call arguments.
	ArgumentsJSON  string
	ApprovalWaitMs float32
	LatencyMs      float32
}

// NopWriter discards events.
type NopWriter struct{}

func (NopWriter) Write(*DispatchEvent) {}
func (NopWriter) Close()               {}
