package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

// Manager owns the live sessions. Sessions run concurrently with each other.
type Manager struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Dispatcher
}

// NewManager creates a Manager. Zero Config fields are left as given: a zero
// ApprovalTimeout waits without bound and a zero ResultTTL disables
// idempotent replay.
func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{
		deps:     deps.withDefaults(),
		cfg:      cfg,
		sessions: make(map[string]*Dispatcher),
	}
}

// Open starts a session. An empty id gets a generated one; opening an id
// that is already live returns the existing session.
func (m *Manager) Open(id string, opts SessionOptions) (*Dispatcher, error) {
	if _, err := toolcall.ParseMode(string(opts.DefaultMode)); err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.sessions[id]; ok {
		return d, nil
	}
	d := newDispatcher(id, m.deps, m.cfg, opts)
	m.sessions[id] = d
	m.deps.Recorder.SessionOpened()
	m.deps.Logger.Info("session opened",
		zap.String("session_id", id),
		zap.String("mode", string(d.Mode())),
	)
	return d, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Dispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("Get: %s: %w", id, ErrSessionNotFound)
	}
	return d, nil
}

// End closes a session: in-flight work is cancelled and its approval and
// result caches are dropped.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("End: %s: %w", id, ErrSessionNotFound)
	}
	m.deps.Recorder.SessionEnded()
	m.deps.Logger.Info("session ended", zap.String("session_id", id))
	return d.End(ctx)
}

// Submit routes req to its session, opening the session with default
// options on first use.
func (m *Manager) Submit(ctx context.Context, req toolcall.Request) (toolcall.Result, error) {
	if req.SessionID == "" {
		return toolcall.Result{}, fmt.Errorf("Submit: empty session id: %w", ErrSessionNotFound)
	}
	if _, err := toolcall.ParseMode(string(req.Mode)); err != nil {
		return toolcall.Result{}, fmt.Errorf("Submit: %w", err)
	}
	d, err := m.Open(req.SessionID, SessionOptions{})
	if err != nil {
		return toolcall.Result{}, err
	}
	return d.Submit(ctx, req)
}

// Cancel aborts one request of a session.
func (m *Manager) Cancel(sessionID, requestID string) error {
	d, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return d.Cancel(requestID)
}

// Sessions lists live session ids in order.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll ends every session, used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	live := m.sessions
	m.sessions = make(map[string]*Dispatcher)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(live))
	for _, d := range live {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			m.deps.Recorder.SessionEnded()
			if err := d.End(ctx); err != nil {
				errs <- err
			}
		}(d)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}
