package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
)

// ErrPromptNotFound is returned when resolving a prompt that is not pending.
var ErrPromptNotFound = errors.New("approval prompt not found")

// Prompt asks the user whether one call may run.
type Prompt struct {
	ID           string
	SessionID    string
	RequestID    string
	ToolID       string
	ToolVersion  int
	Description  string
	Capabilities []permission.Capability
	Mode         permission.Mode
	CreatedAt    time.Time
}

// Approver is the user-facing side of AwaitingApproval. RequestApproval
// blocks until the user decides or ctx is done.
type Approver interface {
	RequestApproval(ctx context.Context, p Prompt) (bool, error)
}

type pendingPrompt struct {
	prompt   Prompt
	decision chan bool
}

// ApprovalBroker holds prompts until a UI resolves them.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	logger  *zap.Logger
	now     func() time.Time
}

// NewApprovalBroker creates an empty broker.
func NewApprovalBroker(logger *zap.Logger) *ApprovalBroker {
	return &ApprovalBroker{
		pending: make(map[string]*pendingPrompt),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestApproval publishes p and waits for Resolve. The prompt is withdrawn
// when ctx is done.
func (b *ApprovalBroker) RequestApproval(ctx context.Context, p Prompt) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = b.now()
	p.Capabilities = append([]permission.Capability(nil), p.Capabilities...)
	entry := &pendingPrompt{prompt: p, decision: make(chan bool, 1)}

	b.mu.Lock()
	b.pending[p.ID] = entry
	b.mu.Unlock()

	b.logger.Info("approval requested",
		zap.String("prompt_id", p.ID),
		zap.String("session_id", p.SessionID),
		zap.String("request_id", p.RequestID),
		zap.String("tool_id", p.ToolID),
		zap.Int("version", p.ToolVersion),
	)

	select {
	case granted := <-entry.decision:
		return granted, nil
	case <-ctx.Done():
		b.withdraw(p.ID)
		// Resolve may have won the race.
		select {
		case granted := <-entry.decision:
			return granted, nil
		default:
		}
		return false, ctx.Err()
	}
}

func (b *ApprovalBroker) withdraw(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// Resolve answers a pending prompt.
func (b *ApprovalBroker) Resolve(promptID string, granted bool) error {
	b.mu.Lock()
	entry, ok := b.pending[promptID]
	delete(b.pending, promptID)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("Resolve: %s: %w", promptID, ErrPromptNotFound)
	}
	entry.decision <- granted

	b.logger.Info("approval resolved",
		zap.String("prompt_id", promptID),
		zap.String("tool_id", entry.prompt.ToolID),
		zap.Bool("granted", granted),
	)
	return nil
}

// Pending lists prompts awaiting a decision, oldest first. An empty
// sessionID lists every session.
func (b *ApprovalBroker) Pending(sessionID string) []Prompt {
	b.mu.Lock()
	out := make([]Prompt, 0, len(b.pending))
	for _, entry := range b.pending {
		if sessionID != "" && entry.prompt.SessionID != sessionID {
			continue
		}
		out = append(out, entry.prompt)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
