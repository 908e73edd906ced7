// Package sandbox runs tool executables under a bounded capability set.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when the wall-clock limit expires.
	ErrTimeout = errors.New("execution timed out")
	// ErrOutputTooLarge is returned when stdout or stderr exceeds the limit.
	ErrOutputTooLarge = errors.New("output exceeds limit")
	// ErrViolation marks a command refused by the argument guard.
	ErrViolation = errors.New("sandbox violation")
	// ErrTerminationUnverified is returned when the process group could not
	// be confirmed dead after a kill.
	ErrTerminationUnverified = errors.New("process termination not verified")
	// ErrIsolationUnavailable is returned when the child could not be
	// confined. The tool is never run unconfined in that case.
	ErrIsolationUnavailable = errors.New("process isolation unavailable")
)

// Command is what a Backend spawns. Path is never interpreted by a shell.
type Command struct {
	Path  string
	Args  []string
	Stdin []byte
	Dir   string
	Env   []string

	// ReadPaths and WritePaths are the only filesystem locations, besides
	// system library directories and Path itself, the child may open.
	ReadPaths  []string
	WritePaths []string
}

// Limits bound one run.
type Limits struct {
	Timeout     time.Duration
	OutputBytes int

	AllowProcessExec bool
	AllowNetwork     bool
}

// Outcome is what a Backend observed. It is populated as far as possible
// even when Run returns an error.
type Outcome struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Pid        int
	Duration   time.Duration
}

// Backend is the swappable isolation mechanism.
type Backend interface {
	Run(ctx context.Context, cmd Command, limits Limits) (Outcome, error)
}

// limitedBuffer keeps at most max bytes and reports the first overflow.
type limitedBuffer struct {
	mu         sync.Mutex
	buf        []byte
	max        int
	overflowed bool
	onOverflow func()
}

func newLimitedBuffer(max int, onOverflow func()) *limitedBuffer {
	return &limitedBuffer{max: max, onOverflow: onOverflow}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		if !b.overflowed {
			b.overflowed = true
			if b.onOverflow != nil {
				b.onOverflow()
			}
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *limitedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}
