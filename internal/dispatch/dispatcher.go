// Package dispatch drives each tool call through lookup, validation,
// permission, approval and execution, one session at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

const tracerName = "github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"

// Executor runs real-mode calls.
type Executor interface {
	Execute(ctx context.Context, tool registry.ToolVersion, req toolcall.Request) toolcall.Result
}

// Simulator runs simulated-mode calls.
type Simulator interface {
	Run(ctx context.Context, tool registry.ToolVersion, req toolcall.Request) toolcall.Result
}

// Recorder receives dispatch metrics.
type Recorder interface {
	ObserveResult(res toolcall.Result, state State, latency time.Duration)
	ObserveApproval(granted bool, wait time.Duration)
	SessionOpened()
	SessionEnded()
}

type nopRecorder struct{}

func (nopRecorder) ObserveResult(toolcall.Result, State, time.Duration) {}
func (nopRecorder) ObserveApproval(bool, time.Duration)                 {}
func (nopRecorder) SessionOpened()                                      {}
func (nopRecorder) SessionEnded()                                       {}

// Deps are the collaborators shared by every session.
type Deps struct {
	Registry    registry.ToolRegistry
	Permissions *permission.Engine
	Simulator   Simulator
	Executor    Executor
	// Approver answers AwaitingApproval. Without one every approval is denied.
	Approver Approver
	Events   storage.EventWriter
	Recorder Recorder
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = storage.NopWriter{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Config holds dispatcher settings fixed at startup.
type Config struct {
	ApprovalTimeout time.Duration
	ResultTTL       time.Duration
	DefaultMode     toolcall.Mode
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout: 2 * time.Minute,
		ResultTTL:       10 * time.Minute,
		DefaultMode:     toolcall.ModeSimulated,
	}
}

// SessionOptions tune one session.
type SessionOptions struct {
	// DefaultMode applies to requests that name no mode. Empty falls back to
	// Config.DefaultMode.
	DefaultMode toolcall.Mode
}

type job struct {
	req      toolcall.Request
	ctx      context.Context
	cancel   context.CancelFunc
	received time.Time

	result   toolcall.Result
	finished chan struct{}
}

// Dispatcher serializes the calls of one session. A single worker consumes
// the queue in arrival order; nothing runs past a request awaiting approval.
type Dispatcher struct {
	id   string
	mode toolcall.Mode
	deps Deps
	cfg  Config

	approvals *permission.ApprovalCache
	results   *ResultCache

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*job
	jobs   map[string]*job // queued or running, by request id
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(id string, deps Deps, cfg Config, opts SessionOptions) *Dispatcher {
	mode := opts.DefaultMode
	if mode == "" {
		mode = cfg.DefaultMode
	}
	if mode == "" {
		mode = toolcall.ModeSimulated
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		id:        id,
		mode:      mode,
		deps:      deps,
		cfg:       cfg,
		approvals: permission.NewApprovalCache(),
		results:   NewResultCache(cfg.ResultTTL),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// ID returns the session id.
func (d *Dispatcher) ID() string { return d.id }

// Mode returns the session's default execution mode.
func (d *Dispatcher) Mode() toolcall.Mode { return d.mode }

// Approvals exposes the session's remembered ask-once decisions.
func (d *Dispatcher) Approvals() *permission.ApprovalCache { return d.approvals }

// Len returns the number of queued and running requests.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Submit queues req and waits for its result. A request id seen before in
// this session returns the remembered result, or joins the in-flight one.
// If ctx ends first the request keeps running and its result stays
// retrievable by resubmitting the same id.
func (d *Dispatcher) Submit(ctx context.Context, req toolcall.Request) (toolcall.Result, error) {
	j, err := d.enqueue(req)
	if err != nil {
		return toolcall.Result{}, err
	}
	select {
	case <-j.finished:
		return j.result, nil
	case <-ctx.Done():
		return toolcall.Result{}, ctx.Err()
	}
}

func (d *Dispatcher) enqueue(req toolcall.Request) (*job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("Submit: %s: %w", d.id, ErrSessionClosed)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.SessionID = d.id

	if res, ok := d.results.Get(req.ID); ok {
		d.deps.Logger.Debug("request answered from result cache",
			zap.String("session_id", d.id),
			zap.String("request_id", req.ID),
		)
		done := &job{req: req, result: res, finished: make(chan struct{})}
		close(done.finished)
		return done, nil
	}
	if running, ok := d.jobs[req.ID]; ok {
		return running, nil
	}

	ctx, cancel := context.WithCancel(d.ctx)
	j := &job{
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		received: time.Now(),
		finished: make(chan struct{}),
	}
	d.jobs[req.ID] = j
	d.queue = append(d.queue, j)
	d.signal()
	return j, nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel aborts a queued or running request. A request awaiting approval
// completes as permission-denied; a running one is killed.
func (d *Dispatcher) Cancel(requestID string) error {
	d.mu.Lock()
	j, ok := d.jobs[requestID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("Cancel: %s: %w", requestID, ErrRequestNotFound)
	}
	j.cancel()
	d.deps.Logger.Info("request cancelled",
		zap.String("session_id", d.id),
		zap.String("request_id", requestID),
	)
	return nil
}

// End cancels in-flight work, answers queued requests as cancelled, waits
// for the worker and drops the session's caches.
func (d *Dispatcher) End(ctx context.Context) error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.signal()

	select {
	case <-d.done:
	case <-ctx.Done():
		return fmt.Errorf("End: %s: %w", d.id, ctx.Err())
	}
	if !already {
		d.approvals.Clear()
		d.results.Clear()
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		j, ok := d.next()
		if !ok {
			return
		}
		d.handle(j)
	}
}

func (d *Dispatcher) next() (*job, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return j, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, false
		}
		<-d.wake
	}
}

func (d *Dispatcher) handle(j *job) {
	res, state, approvalWait := d.process(j)
	latency := time.Since(j.received)

	d.results.Put(j.req.ID, res)
	d.mu.Lock()
	delete(d.jobs, j.req.ID)
	d.mu.Unlock()
	j.cancel()

	d.deps.Recorder.ObserveResult(res, state, latency)
	d.deps.Events.Write(d.event(j.req, res, state, approvalWait, latency))

	fields := []zap.Field{
		zap.String("session_id", d.id),
		zap.String("request_id", res.RequestID),
		zap.String("tool_id", res.ToolID),
		zap.Int("version", res.ToolVersion),
		zap.String("mode", string(res.Mode)),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("latency", latency),
	}
	if res.OK() {
		d.deps.Logger.Debug("tool call completed", fields...)
	} else {
		d.deps.Logger.Info("tool call failed", append(fields,
			zap.String("state", string(state)),
			zap.String("reason", res.Reason),
			zap.String("detail", res.Detail),
		)...)
	}

	j.result = res
	close(j.finished)
}

func (d *Dispatcher) event(req toolcall.Request, res toolcall.Result, state State, wait, latency time.Duration) *storage.DispatchEvent {
	args, err := req.Args.MarshalJSON()
	if err != nil {
		args = nil
	}
	return &storage.DispatchEvent{
		EventID:        uuid.NewString(),
		RequestID:      req.ID,
		SessionID:      d.id,
		Timestamp:      time.Now().UTC(),
		ToolID:         req.ToolID,
		ToolVersion:    int32(res.ToolVersion),
		Mode:           string(res.Mode),
		State:          string(state),
		Outcome:        string(res.Outcome),
		Reason:         res.Reason,
		Detail:         res.Detail,
		Field:          res.Field,
		ExitStatus:     int32(res.ExitStatus),
		Violation:      res.Violation,
		ArgumentsJSON:  string(args),
		ApprovalWaitMs: float32(wait.Microseconds()) / 1000,
		LatencyMs:      float32(latency.Microseconds()) / 1000,
	}
}

// process runs one request through the state machine.
func (d *Dispatcher) process(j *job) (res toolcall.Result, state State, approvalWait time.Duration) {
	req := j.req
	mode := req.Mode
	if mode == "" {
		mode = d.mode
	}

	ctx, span := d.deps.Tracer.Start(j.ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("session.id", d.id),
			attribute.String("request.id", req.ID),
			attribute.String("tool.id", req.ToolID),
			attribute.String("mode", string(mode)),
		),
	)
	defer func() {
		if p := recover(); p != nil {
			d.deps.Logger.Error("dispatch panicked",
				zap.String("request_id", req.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res = toolcall.Failure(req, mode, toolcall.OutcomeExecutionError, toolcall.ReasonInternal, fmt.Sprintf("panic: %v", p))
			state = StateCompleted
		}
		d.enter(span, req, state)
		span.SetAttributes(
			attribute.Int("tool.version", res.ToolVersion),
			attribute.String("outcome", string(res.Outcome)),
		)
		if !res.OK() {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.End()
	}()

	d.enter(span, req, StateReceived)
	if err := ctx.Err(); err != nil {
		return toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonCancelled, "cancelled before dispatch"), StateCompleted, 0
	}

	def, tool, err := d.deps.Registry.Bind(req.ToolID)
	if err != nil {
		return toolcall.Failure(req, mode, toolcall.OutcomeNotFound, toolcall.ReasonUnknownTool, err.Error()), StateFailed, 0
	}
	bound := func(r toolcall.Result) toolcall.Result {
		r.ToolVersion = tool.Version
		return r
	}
	if !def.Enabled {
		return bound(toolcall.Failure(req, mode, toolcall.OutcomeNotFound, toolcall.ReasonToolDisabled,
			fmt.Sprintf("tool %s is disabled", req.ToolID))), StateFailed, 0
	}

	d.enter(span, req, StateValidating)
	if err := schema.Validate(tool.Schema, req.Args); err != nil {
		r := toolcall.Failure(req, mode, toolcall.OutcomeValidationError, toolcall.ReasonInvalidArguments, err.Error())
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			r.Field = verr.Field
		}
		return bound(r), StateFailed, 0
	}

	d.enter(span, req, StatePermissionCheck)
	decision := d.deps.Permissions.Authorize(tool, d.approvals)
	switch decision.Decision {
	case permission.Denied:
		return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonPolicyDenied, decision.Reason)), StateCompleted, 0
	case permission.NeedsApproval:
		d.enter(span, req, StateAwaitingApproval)
		started := time.Now()
		granted, err := d.approve(ctx, def, tool, req)
		approvalWait = time.Since(started)
		switch {
		case errors.Is(err, ErrCancelled):
			return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonCancelled, err.Error())), StateCompleted, approvalWait
		case errors.Is(err, ErrApprovalTimeout):
			return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonApprovalTimeout, err.Error())), StateCompleted, approvalWait
		case err != nil:
			return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonUserDenied, err.Error())), StateCompleted, approvalWait
		case !granted:
			return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonUserDenied, "user denied the call")), StateCompleted, approvalWait
		}
	}

	d.enter(span, req, StateRouting)
	if err := ctx.Err(); err != nil {
		return bound(toolcall.Failure(req, mode, toolcall.OutcomePermissionDenied, toolcall.ReasonCancelled, "cancelled before execution")), StateCompleted, approvalWait
	}

	d.enter(span, req, StateExecuting)
	switch mode {
	case toolcall.ModeReal:
		if d.deps.Executor == nil {
			res = toolcall.Failure(req, mode, toolcall.OutcomeExecutionError, toolcall.ReasonNoExecutable, "real execution is not configured")
		} else {
			res = d.deps.Executor.Execute(ctx, tool, req)
		}
	default:
		res = d.deps.Simulator.Run(ctx, tool, req)
	}
	res.RequestID = req.ID
	res.ToolID = req.ToolID
	res.Mode = mode
	return bound(res), StateCompleted, approvalWait
}

// approve suspends the request until the user decides, the approval timeout
// passes or the request is cancelled. Only real user decisions are
// remembered.
func (d *Dispatcher) approve(ctx context.Context, def registry.ToolDefinition, tool registry.ToolVersion, req toolcall.Request) (bool, error) {
	if d.deps.Approver == nil {
		return false, errors.New("no approval surface configured")
	}

	actx := ctx
	if d.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.cfg.ApprovalTimeout)
		defer cancel()
	}

	started := time.Now()
	granted, err := d.deps.Approver.RequestApproval(actx, Prompt{
		SessionID:    d.id,
		RequestID:    req.ID,
		ToolID:       tool.Tool,
		ToolVersion:  tool.Version,
		Description:  def.Description,
		Capabilities: tool.Policy.Capabilities,
		Mode:         tool.Policy.Mode,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return false, fmt.Errorf("approval: %w", ErrCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return false, fmt.Errorf("approval after %s: %w", d.cfg.ApprovalTimeout, ErrApprovalTimeout)
	default:
		return false, fmt.Errorf("approval: %w", err)
	}

	d.deps.Recorder.ObserveApproval(granted, time.Since(started))
	d.deps.Permissions.RecordDecision(tool, d.approvals, granted)
	return granted, nil
}

func (d *Dispatcher) enter(span trace.Span, req toolcall.Request, state State) {
	span.AddEvent(string(state))
	d.deps.Logger.Debug("dispatch transition",
		zap.String("session_id", d.id),
		zap.String("request_id", req.ID),
		zap.String("tool_id", req.ToolID),
		zap.String("state", string(state)),
	)
}
