// Package simulate answers tool calls from mock handlers without touching
// the filesystem, the network or any process.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// Handler produces a mock result for one tool.
type Handler interface {
	Simulate(ctx context.Context, args value.Object) (value.Value, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args value.Object) (value.Value, error)

func (f HandlerFunc) Simulate(ctx context.Context, args value.Object) (value.Value, error) {
	return f(ctx, args)
}

// Handlers maps tool ids to mock handlers. Populate it at startup before
// handing it to a Runner; it is not safe for concurrent mutation.
type Handlers struct {
	byTool map[string]Handler
}

// NewHandlers creates an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{byTool: make(map[string]Handler)}
}

// Register binds h to toolID, replacing any earlier handler.
func (h *Handlers) Register(toolID string, handler Handler) {
	h.byTool[toolID] = handler
}

// Get returns the handler for toolID.
func (h *Handlers) Get(toolID string) (Handler, bool) {
	if h == nil {
		return nil, false
	}
	handler, ok := h.byTool[toolID]
	return handler, ok
}

// Echo returns its arguments unchanged.
var Echo = HandlerFunc(func(_ context.Context, args value.Object) (value.Value, error) {
	return value.FromObject(args), nil
})

// Runner executes calls in simulated mode.
type Runner struct {
	handlers *Handlers
	logger   *zap.Logger
}

// NewRunner creates a Runner over a populated handler table.
func NewRunner(handlers *Handlers, logger *zap.Logger) *Runner {
	if handlers == nil {
		handlers = NewHandlers()
	}
	return &Runner{handlers: handlers, logger: logger}
}

// Run answers req using the tool's handler, or a placeholder shaped like the
// version's declared return type when no handler is registered.
func (r *Runner) Run(ctx context.Context, tool registry.ToolVersion, req toolcall.Request) toolcall.Result {
	if err := ctx.Err(); err != nil {
		return toolcall.Failure(req, toolcall.ModeSimulated, toolcall.OutcomePermissionDenied, toolcall.ReasonCancelled, err.Error())
	}

	var returns *schema.Field
	if tool.Schema != nil {
		returns = tool.Schema.Returns
	}
	handler, ok := r.handlers.Get(tool.Tool)
	if !ok {
		return toolcall.Success(req, toolcall.ModeSimulated, Placeholder(returns))
	}

	out, err := r.invoke(ctx, handler, req.Args)
	if err != nil {
		r.logger.Warn("mock handler failed",
			zap.String("tool_id", tool.Tool),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return toolcall.Failure(req, toolcall.ModeSimulated, toolcall.OutcomeExecutionError, toolcall.ReasonHandlerError, err.Error())
	}
	if err := schema.ValidateResult(returns, out); err != nil {
		r.logger.Warn("mock output does not match return shape",
			zap.String("tool_id", tool.Tool),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		res := toolcall.Failure(req, toolcall.ModeSimulated, toolcall.OutcomeExecutionError, toolcall.ReasonInvalidResult, err.Error())
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			res.Field = verr.Field
		}
		return res
	}
	return toolcall.Success(req, toolcall.ModeSimulated, out)
}

func (r *Runner) invoke(ctx context.Context, h Handler, args value.Object) (out value.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("mock handler panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.Simulate(ctx, args)
}

// Placeholder synthesizes the minimal value of the given shape. A nil shape
// yields null.
func Placeholder(f *schema.Field) value.Value {
	if f == nil {
		return value.Null()
	}
	switch f.Kind {
	case schema.KindString:
		return value.String("")
	case schema.KindNumber:
		return value.Float(0)
	case schema.KindInteger:
		return value.Int(0)
	case schema.KindBoolean:
		return value.Bool(false)
	case schema.KindEnum:
		if len(f.Enum) > 0 {
			return value.String(f.Enum[0])
		}
		return value.String("")
	case schema.KindArray:
		return value.Array()
	case schema.KindObject:
		obj := value.Object{}
		for name, prop := range f.Properties {
			if prop.Required {
				obj[name] = Placeholder(prop)
			}
		}
		return value.FromObject(obj)
	}
	return value.Null()
}
