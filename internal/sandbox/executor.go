package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

const minimalPath = "/usr/local/bin:/usr/bin:/bin"

// Config holds the process-wide execution limits. Nothing here can be
// overridden by a request.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	OutputLimit    int
	// DiagnosticLimit caps how much stderr is copied into a failure detail.
	DiagnosticLimit int
	// WorkDir is the parent of per-call scratch directories.
	WorkDir string
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  10 * time.Second,
		MaxTimeout:      30 * time.Second,
		OutputLimit:     1 << 20,
		DiagnosticLimit: 4 << 10,
		WorkDir:         os.TempDir(),
	}
}

// ViolationError describes a command refused before it was spawned.
type ViolationError struct {
	Evaluators []string
	Reason     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation (%s): %s", strings.Join(e.Evaluators, ","), e.Reason)
}

func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

// Executor runs real-mode calls: it screens the command with the argument
// guard, then hands it to the Backend.
type Executor struct {
	backend Backend
	guard   *engine.GuardEngine
	aggCfg  engine.AggregatorConfig
	cfg     Config
	logger  *zap.Logger
}

// NewExecutor creates an Executor. A nil guard skips screening.
func NewExecutor(backend Backend, guard *engine.GuardEngine, cfg Config, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}
	if cfg.DiagnosticLimit <= 0 {
		cfg.DiagnosticLimit = def.DiagnosticLimit
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	return &Executor{
		backend: backend,
		guard:   guard,
		aggCfg:  engine.DefaultAggregatorConfig(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Timeout returns the effective timeout for a tool requesting requestedMs.
// A tool may shorten the default but never exceed the configured maximum.
func (e *Executor) Timeout(requestedMs int) time.Duration {
	if requestedMs <= 0 {
		return e.cfg.DefaultTimeout
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if d > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return d
}

// Screen runs the argument guard. It returns a *ViolationError when the
// command must not be spawned.
func (e *Executor) Screen(ctx context.Context, tool registry.ToolVersion, exe, workDir string, args value.Object) error {
	if e.guard == nil {
		return nil
	}
	var argv []string
	if tool.Exec != nil {
		argv = tool.Exec.Args
	}
	findings, _ := e.guard.Evaluate(ctx, &engine.EvalRequest{
		ToolID:     tool.Tool,
		Executable: exe,
		Argv:       argv,
		Args:       args,
		Policy:     tool.Policy,
		WorkDir:    workDir,
	})
	agg := engine.Aggregate(findings, e.aggCfg)
	for _, note := range agg.Notes {
		e.logger.Debug("guard note", zap.String("tool_id", tool.Tool), zap.String("note", note))
	}
	if !agg.Violation {
		return nil
	}
	return &ViolationError{Evaluators: agg.Evaluators, Reason: agg.Reason}
}

// Execute runs req against the tool's bound executable.
func (e *Executor) Execute(ctx context.Context, tool registry.ToolVersion, req toolcall.Request) toolcall.Result {
	fail := func(outcome toolcall.Outcome, reason, detail string) toolcall.Result {
		r := toolcall.Failure(req, toolcall.ModeReal, outcome, reason, detail)
		r.ToolVersion = tool.Version
		return r
	}

	if tool.Exec == nil || tool.Exec.Path == "" {
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonNoExecutable, "tool has no executable binding")
	}
	exe, err := resolveExecutable(tool.Exec.Path)
	if err != nil {
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonNoExecutable, err.Error())
	}

	scratch, err := os.MkdirTemp(e.cfg.WorkDir, "tool-run-*")
	if err != nil {
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonSpawnFailed, fmt.Sprintf("scratch dir: %v", err))
	}
	defer os.RemoveAll(scratch)

	if err := e.Screen(ctx, tool, exe, scratch, req.Args); err != nil {
		var verr *ViolationError
		errors.As(err, &verr)
		e.logger.Error("sandbox violation",
			zap.String("tool_id", tool.Tool),
			zap.Int("version", tool.Version),
			zap.String("request_id", req.ID),
			zap.String("session_id", req.SessionID),
			zap.Strings("evaluators", verr.Evaluators),
			zap.String("reason", verr.Reason),
		)
		r := fail(toolcall.OutcomeExecutionError, toolcall.ReasonSandboxViolation, verr.Reason)
		r.Violation = true
		return r
	}

	stdin, err := req.Args.MarshalJSON()
	if err != nil {
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonInternal, fmt.Sprintf("encode arguments: %v", err))
	}

	limits := Limits{
		Timeout:          e.Timeout(tool.Exec.TimeoutMs),
		OutputBytes:      e.cfg.OutputLimit,
		AllowProcessExec: tool.Policy.Has(permission.CapProcessExec),
		AllowNetwork:     tool.Policy.Has(permission.CapNetworkAccess),
	}
	cmd := Command{
		Path:       exe,
		ReadPaths:  grantedPaths(tool.Policy, permission.CapFilesystemRead),
		WritePaths: append(grantedPaths(tool.Policy, permission.CapFilesystemWrite), scratch),
		Args:       append([]string(nil), tool.Exec.Args...),
		Stdin:      stdin,
		Dir:        scratch,
		Env: []string{
			"PATH=" + minimalPath,
			"HOME=" + scratch,
			"TMPDIR=" + scratch,
			"LANG=C.UTF-8",
		},
	}

	out, err := e.backend.Run(ctx, cmd, limits)
	e.logger.Debug("sandboxed run finished",
		zap.String("tool_id", tool.Tool),
		zap.String("request_id", req.ID),
		zap.Int("pid", out.Pid),
		zap.Int("exit_status", out.ExitStatus),
		zap.Duration("duration", out.Duration),
		zap.Error(err),
	)

	switch {
	case err == nil:
	case errors.Is(err, ErrIsolationUnavailable):
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonIsolation, err.Error())
	case errors.Is(err, ErrTerminationUnverified):
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonInternal, err.Error())
	case errors.Is(err, ErrTimeout):
		return fail(toolcall.OutcomeTimeout, toolcall.ReasonExecTimeout,
			fmt.Sprintf("killed after %s", limits.Timeout))
	case errors.Is(err, ErrOutputTooLarge):
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonOutputTooLarge,
			fmt.Sprintf("output exceeded %d bytes", limits.OutputBytes))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonCancelled, err.Error())
	default:
		return fail(toolcall.OutcomeExecutionError, toolcall.ReasonSpawnFailed, err.Error())
	}

	if out.ExitStatus != 0 {
		r := fail(toolcall.OutcomeExecutionError, toolcall.ReasonExitStatus,
			fmt.Sprintf("exit status %d: %s", out.ExitStatus, capBytes(out.Stderr, e.cfg.DiagnosticLimit)))
		r.ExitStatus = out.ExitStatus
		return r
	}

	r := toolcall.Success(req, toolcall.ModeReal, parseOutput(out.Stdout))
	r.ToolVersion = tool.Version
	return r
}

// grantedPaths returns the policy's path allow-list when it declares c.
func grantedPaths(p permission.Policy, c permission.Capability) []string {
	if !p.Has(c) {
		return nil
	}
	return append([]string(nil), p.AllowList.Paths...)
}

// parseOutput decodes stdout as JSON, falling back to a string value.
func parseOutput(stdout []byte) value.Value {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return value.Null()
	}
	if v, err := value.Parse(trimmed); err == nil {
		return v
	}
	return value.String(string(stdout))
}

func capBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}

func resolveExecutable(path string) (string, error) {
	if !strings.ContainsRune(path, filepath.Separator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}
