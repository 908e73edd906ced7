package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// decode maps a Struct onto dst through its JSON form. Unknown fields are
// rejected.
func decode(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func encode(src any) (*structpb.Struct, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrVersionNotFound),
		errors.Is(err, dispatch.ErrSessionNotFound),
		errors.Is(err, dispatch.ErrRequestNotFound),
		errors.Is(err, dispatch.ErrPromptNotFound):
		code = codes.NotFound
	case errors.Is(err, registry.ErrExists):
		code = codes.AlreadyExists
	case errors.Is(err, registry.ErrInvalidSpec):
		code = codes.InvalidArgument
	case errors.Is(err, dispatch.ErrSessionClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type dispatchRequest struct {
	SessionID string       `json:"session_id"`
	RequestID string       `json:"request_id,omitempty"`
	ToolID    string       `json:"tool_id"`
	Args      value.Object `json:"args,omitempty"`
	Mode      string       `json:"mode,omitempty"`
}

type resultMessage struct {
	RequestID   string      `json:"request_id"`
	ToolID      string      `json:"tool_id"`
	ToolVersion int         `json:"tool_version"`
	State       string      `json:"state"`
	Outcome     string      `json:"outcome"`
	Mode        string      `json:"mode"`
	Payload     value.Value `json:"payload"`
	Reason      string      `json:"reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Field       string      `json:"field,omitempty"`
	ExitStatus  int         `json:"exit_status,omitempty"`
	Violation   bool        `json:"violation,omitempty"`
}

func newResultMessage(res toolcall.Result) resultMessage {
	return resultMessage{
		RequestID:   res.RequestID,
		ToolID:      res.ToolID,
		ToolVersion: res.ToolVersion,
		State:       string(dispatch.FinalState(res)),
		Outcome:     string(res.Outcome),
		Mode:        string(res.Mode),
		Payload:     res.Payload,
		Reason:      res.Reason,
		Detail:      res.Detail,
		Field:       res.Field,
		ExitStatus:  res.ExitStatus,
		Violation:   res.Violation,
	}
}

type toolMessage struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Enabled     bool              `json:"enabled"`
	Version     int               `json:"version"`
	Policy      permission.Policy `json:"policy"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Exec        *registry.Exec    `json:"exec,omitempty"`
	UpdatedAt   string            `json:"updated_at"`
}

func newToolMessage(def registry.ToolDefinition) toolMessage {
	m := toolMessage{
		ID:          def.ID,
		Description: def.Description,
		Enabled:     def.Enabled,
		Version:     def.Version,
		Policy:      def.Policy,
		Exec:        def.Exec,
		UpdatedAt:   formatTime(def.UpdatedAt),
	}
	if def.Schema != nil {
		m.Parameters = def.Schema.JSONSchema()
	}
	return m
}

type versionMessage struct {
	ToolID       string            `json:"tool_id"`
	Version      int               `json:"version"`
	RevertedFrom int               `json:"reverted_from,omitempty"`
	CreatedAt    string            `json:"created_at"`
	Schema       json.RawMessage   `json:"schema"`
	Policy       permission.Policy `json:"policy"`
	Exec         *registry.Exec    `json:"exec,omitempty"`
}

func newVersionMessage(v registry.ToolVersion) (versionMessage, error) {
	canon, err := v.Schema.Canonical()
	if err != nil {
		return versionMessage{}, err
	}
	return versionMessage{
		ToolID:       v.Tool,
		Version:      v.Version,
		RevertedFrom: v.RevertedFrom,
		CreatedAt:    formatTime(v.CreatedAt),
		Schema:       canon,
		Policy:       v.Policy,
		Exec:         v.Exec,
	}, nil
}

type callFunctionRequest struct {
	SessionID    string              `json:"session_id"`
	FunctionCall *genai.FunctionCall `json:"function_call"`
	Mode         string              `json:"mode,omitempty"`
}

type createVersionRequest struct {
	ToolID      string            `json:"tool_id"`
	Description string            `json:"description,omitempty"`
	Schema      json.RawMessage   `json:"schema,omitempty"`
	JSONSchema  json.RawMessage   `json:"json_schema,omitempty"`
	Policy      permission.Policy `json:"policy"`
	Exec        *registry.Exec    `json:"exec,omitempty"`
}

type toolRef struct {
	ToolID  string `json:"tool_id"`
	Version int    `json:"version,omitempty"`
}

type setEnabledRequest struct {
	ToolID  string `json:"tool_id"`
	Enabled bool   `json:"enabled"`
}

type listToolsRequest struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

type sessionMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

type promptMessage struct {
	PromptID     string                  `json:"prompt_id"`
	SessionID    string                  `json:"session_id"`
	RequestID    string                  `json:"request_id"`
	ToolID       string                  `json:"tool_id"`
	ToolVersion  int                     `json:"tool_version"`
	Description  string                  `json:"description"`
	Capabilities []permission.Capability `json:"capabilities"`
	Mode         string                  `json:"mode"`
	CreatedAt    string                  `json:"created_at"`
}

func newPromptMessage(p dispatch.Prompt) promptMessage {
	caps := p.Capabilities
	if caps == nil {
		caps = []permission.Capability{}
	}
	return promptMessage{
		PromptID:     p.ID,
		SessionID:    p.SessionID,
		RequestID:    p.RequestID,
		ToolID:       p.ToolID,
		ToolVersion:  p.ToolVersion,
		Description:  p.Description,
		Capabilities: caps,
		Mode:         string(p.Mode),
		CreatedAt:    formatTime(p.CreatedAt),
	}
}

type resolveRequest struct {
	PromptID string `json:"prompt_id"`
	Granted  bool   `json:"granted"`
}
