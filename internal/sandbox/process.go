//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ProcessBackend runs the executable as a local child process in its own
// process group. Unless Unconfined is set, the child is confined before the
// tool starts: Landlock limits it to the paths the Command grants, and a
// fresh network namespace cuts it off when the tool lacks network-access.
// A child that cannot be confined is never run.
type ProcessBackend struct {
	logger     *zap.Logger
	confine    bool
	helperPath string

	killWait     time.Duration
	pollInterval time.Duration
}

// ProcessBackendConfig configures a ProcessBackend.
type ProcessBackendConfig struct {
	// Unconfined runs children without Landlock or namespaces. Only tests
	// of process-group control set it.
	Unconfined bool
	// HelperPath is the binary re-executed to confine the child. It must
	// call ServeHelper first thing in main. Defaults to os.Executable.
	HelperPath string
	// KillWait bounds how long termination verification may take.
	KillWait time.Duration
	Logger   *zap.Logger
}

// NewProcessBackend creates a ProcessBackend.
func NewProcessBackend(cfg ProcessBackendConfig) *ProcessBackend {
	killWait := cfg.KillWait
	if killWait == 0 {
		killWait = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	helper := cfg.HelperPath
	if helper == "" && !cfg.Unconfined {
		if self, err := os.Executable(); err == nil {
			helper = self
		}
	}
	return &ProcessBackend{
		logger:       logger,
		confine:      !cfg.Unconfined,
		helperPath:   helper,
		killWait:     killWait,
		pollInterval: 10 * time.Millisecond,
	}
}

// command builds the exec.Cmd for c. When confined, the helper binary is
// started instead and the returned pipe carries its setup failure, if any.
func (b *ProcessBackend) command(c Command, limits Limits) (*exec.Cmd, *os.File, *os.File, error) {
	if !b.confine {
		cmd := exec.Command(c.Path, c.Args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd, nil, nil, nil
	}
	if !confinementSupported || b.helperPath == "" {
		return nil, nil, nil, fmt.Errorf("Run: %w: no confinement on this platform", ErrIsolationUnavailable)
	}
	spec, err := encodeHelperSpec(c, limits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("Run: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("Run: status pipe: %w", err)
	}
	cmd := &exec.Cmd{
		Path:       b.helperPath,
		Args:       []string{helperArg0},
		Env:        []string{helperSpecEnv + "=" + spec},
		ExtraFiles: []*os.File{w},
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	applyIsolation(cmd, limits)
	return cmd, r, w, nil
}

// Run spawns cmd and waits for it to exit, time out, overflow its output or
// be cancelled. In every case the whole process group is killed and its
// termination verified before Run returns.
func (b *ProcessBackend) Run(ctx context.Context, c Command, limits Limits) (Outcome, error) {
	start := time.Now()

	cmd, statusR, statusW, err := b.command(c, limits)
	if err != nil {
		return Outcome{Duration: time.Since(start)}, err
	}
	cmd.Dir = c.Dir
	if !b.confine {
		cmd.Env = c.Env
	}
	cmd.Stdin = bytes.NewReader(c.Stdin)
	cmd.WaitDelay = time.Second

	overflow := make(chan struct{})
	var once sync.Once
	signalOverflow := func() { once.Do(func() { close(overflow) }) }
	stdout := newLimitedBuffer(limits.OutputBytes, signalOverflow)
	stderr := newLimitedBuffer(limits.OutputBytes, signalOverflow)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if statusR != nil {
			statusR.Close()
			statusW.Close()
			if isNamespaceErr(err) {
				err = fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
			}
		}
		return Outcome{Duration: time.Since(start)}, fmt.Errorf("Run: start %s: %w", c.Path, err)
	}
	pid := cmd.Process.Pid

	var setup chan helperStatus
	if statusR != nil {
		statusW.Close()
		setup = make(chan helperStatus, 1)
		go func() {
			defer statusR.Close()
			setup <- readHelperStatus(statusR)
		}()
	} else if err := afterStart(pid, limits); err != nil {
		b.logger.Warn("could not apply process limits",
			zap.Int("pid", pid),
			zap.Error(err),
		)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(limits.Timeout)
	defer timer.Stop()

	var (
		waitErr  error
		stopErr  error
		finished bool
	)
	select {
	case waitErr = <-done:
		finished = true
	case <-timer.C:
		stopErr = ErrTimeout
	case <-overflow:
		stopErr = ErrOutputTooLarge
	case <-ctx.Done():
		stopErr = ctx.Err()
	}

	if !finished {
		killGroup(pid)
		waitErr = <-done
	}
	// stragglers the tool left in its group
	killGroup(pid)
	if err := b.verifyTerminated(pid); err != nil {
		b.logger.Error("process group survived kill",
			zap.Int("pgid", pid),
			zap.String("path", c.Path),
			zap.Error(err),
		)
		stopErr = errors.Join(stopErr, err)
	}

	out := Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Pid:      pid,
		Duration: time.Since(start),
	}
	if setup != nil {
		if st := <-setup; st.failed() {
			out.ExitStatus = -1
			if st.isolation {
				b.logger.Error("could not confine tool process",
					zap.String("path", c.Path),
					zap.String("error", st.message),
				)
				return out, errors.Join(stopErr, fmt.Errorf("Run: %w: %s", ErrIsolationUnavailable, st.message))
			}
			return out, errors.Join(stopErr, fmt.Errorf("Run: start %s: %s", c.Path, st.message))
		}
	}
	if stopErr == nil && (stdout.Overflowed() || stderr.Overflowed()) {
		stopErr = ErrOutputTooLarge
	}
	if stopErr != nil {
		out.ExitStatus = -1
		return out, stopErr
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitStatus = exitErr.ExitCode()
	default:
		return out, fmt.Errorf("Run: wait %s: %w", c.Path, waitErr)
	}
	return out, nil
}

func killGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// verifyTerminated polls until no live process remains in the group.
func (b *ProcessBackend) verifyTerminated(pgid int) error {
	deadline := time.Now().Add(b.killWait)
	for {
		if !groupAlive(pgid) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pgid %d: %w", pgid, ErrTerminationUnverified)
		}
		killGroup(pgid)
		time.Sleep(b.pollInterval)
	}
}

// Alive reports whether any process with the given pid still exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
