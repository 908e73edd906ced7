package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/modelapi"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

// ToolRunnerServer implements ToolRunnerService.
type ToolRunnerServer struct {
	sessions  *dispatch.Manager
	broker    *dispatch.ApprovalBroker
	registry  *registry.Registry
	execAllow []string
	logger    *zap.Logger
}

// Config holds API-level policy.
type Config struct {
	// ExecAllowList holds the absolute paths, files or directories, that
	// CreateVersion may bind as a tool's executable. When empty, exec
	// bindings cannot be created over the API at all. Catalog files are
	// operator-controlled and not subject to it.
	ExecAllowList []string
}

// NewToolRunnerServer creates a new ToolRunnerServer with the given dependencies.
func NewToolRunnerServer(
	sessions *dispatch.Manager,
	broker *dispatch.ApprovalBroker,
	reg *registry.Registry,
	cfg Config,
	logger *zap.Logger,
) *ToolRunnerServer {
	allow := make([]string, 0, len(cfg.ExecAllowList))
	for _, p := range cfg.ExecAllowList {
		if filepath.IsAbs(p) {
			allow = append(allow, filepath.Clean(p))
		}
	}
	return &ToolRunnerServer{
		sessions:  sessions,
		broker:    broker,
		registry:  reg,
		execAllow: allow,
		logger:    logger,
	}
}

var _ ToolRunnerServiceServer = (*ToolRunnerServer)(nil)

// Dispatch runs one tool call.
//
//	in:  {session_id, request_id?, tool_id, args, mode?}
//	out: {request_id, tool_id, tool_version, state, outcome, mode, payload,
//	      reason?, detail?, field?, exit_status?, violation?}
//
// Validation and permission failures are results, not RPC errors.
func (s *ToolRunnerServer) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dispatchRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.ToolID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id and tool_id are required")
	}
	mode, err := toolcall.ParseMode(req.Mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.sessions.Submit(ctx, toolcall.Request{
		ID:        req.RequestID,
		SessionID: req.SessionID,
		ToolID:    req.ToolID,
		Args:      req.Args,
		Mode:      mode,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(newResultMessage(res))
}

// CallFunction runs a Gemini function call as a tool call and answers with
// the function response to hand back to the model.
//
//	in:  {session_id, function_call: {id?, name, args?}, mode?}
//	out: {function_response: {id, name, response: {output} | {error}}}
func (s *ToolRunnerServer) CallFunction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req callFunctionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	mode, err := toolcall.ParseMode(req.Mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	call, err := modelapi.FromFunctionCall(req.SessionID, req.FunctionCall, mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.sessions.Submit(ctx, call)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"function_response": modelapi.ToFunctionResponse(res)})
}

// ListTools returns the catalog.
//
//	in:  {enabled_only?}
//	out: {tools: [{id, description, enabled, version, policy, parameters, exec?, updated_at}]}
func (s *ToolRunnerServer) ListTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listToolsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	defs := s.registry.List(req.EnabledOnly)
	tools := make([]toolMessage, len(defs))
	for i, def := range defs {
		tools[i] = newToolMessage(def)
	}
	return encode(map[string]any{"tools": tools})
}

// ListVersions returns a tool's history, oldest first.
//
//	in:  {tool_id}
//	out: {versions: [{tool_id, version, reverted_from?, created_at, schema, policy, exec?}]}
func (s *ToolRunnerServer) ListVersions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req toolRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	versions, err := s.registry.Versions(req.ToolID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]versionMessage, len(versions))
	for i, v := range versions {
		if out[i], err = newVersionMessage(v); err != nil {
			return nil, toStatus(err)
		}
	}
	return encode(map[string]any{"versions": out})
}

// CreateVersion appends a version, registering the tool on first use. The
// schema is given either natively under schema or as a JSON Schema document
// under json_schema.
//
//	in:  {tool_id, description?, schema | json_schema, policy, exec?}
//	out: {tool_id, version, created_at, schema, policy, exec?}
func (s *ToolRunnerServer) CreateVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req createVersionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	sch, err := parseSchema(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Exec != nil {
		if err := s.checkExec(req.Exec.Path); err != nil {
			s.logger.Warn("exec binding refused",
				zap.String("tool_id", req.ToolID),
				zap.String("path", req.Exec.Path),
			)
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
	}
	spec := registry.VersionSpec{Schema: sch, Policy: req.Policy, Exec: req.Exec}

	v, err := s.createOrAppend(ctx, req.ToolID, req.Description, spec)
	if err != nil {
		return nil, toStatus(err)
	}

	msg, err := newVersionMessage(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(msg)
}

// createOrAppend registers id at version 1, or appends a version when it
// already exists, including when a concurrent call registered it first.
func (s *ToolRunnerServer) createOrAppend(ctx context.Context, id, description string, spec registry.VersionSpec) (registry.ToolVersion, error) {
	if _, err := s.registry.Lookup(id); errors.Is(err, registry.ErrNotFound) {
		def, err := s.registry.Create(ctx, id, description, spec)
		if err == nil {
			return s.registry.Version(def.ID, def.Version)
		}
		if !errors.Is(err, registry.ErrExists) {
			return registry.ToolVersion{}, err
		}
	}
	return s.registry.CreateVersion(ctx, id, spec)
}

// checkExec accepts path when it is, or lies beneath, an allow-list entry.
func (s *ToolRunnerServer) checkExec(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("exec path %q must be absolute", path)
	}
	clean := filepath.Clean(path)
	for _, root := range s.execAllow {
		if clean == root || root == "/" || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("exec path %q is not on the exec allow-list", path)
}

func parseSchema(req createVersionRequest) (*schema.Schema, error) {
	switch {
	case len(req.Schema) > 0 && len(req.JSONSchema) > 0:
		return nil, errors.New("set either schema or json_schema, not both")
	case len(req.JSONSchema) > 0:
		doc := []byte(req.JSONSchema)
		// also accepted as a string holding the document
		var text string
		if json.Unmarshal(doc, &text) == nil {
			doc = []byte(text)
		}
		return schema.FromJSONSchema(doc)
	case len(req.Schema) > 0:
		return schema.Parse(req.Schema)
	}
	return nil, errors.New("schema is required")
}

// Revert makes a copy of an earlier version current.
//
//	in:  {tool_id, version}
//	out: {tool_id, version, reverted_from, created_at, schema, policy, exec?}
func (s *ToolRunnerServer) Revert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req toolRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	v, err := s.registry.Revert(ctx, req.ToolID, req.Version)
	if err != nil {
		return nil, toStatus(err)
	}
	msg, err := newVersionMessage(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(msg)
}

// SetEnabled enables or disables a tool.
//
//	in:  {tool_id, enabled}
//	out: {}
func (s *ToolRunnerServer) SetEnabled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req setEnabledRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.registry.SetEnabled(ctx, req.ToolID, req.Enabled); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// OpenSession starts a session, optionally with its own default mode.
//
//	in:  {session_id?, mode?}
//	out: {session_id, mode}
func (s *ToolRunnerServer) OpenSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	mode, err := toolcall.ParseMode(req.Mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d, err := s.sessions.Open(req.SessionID, dispatch.SessionOptions{DefaultMode: mode})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(sessionMessage{SessionID: d.ID(), Mode: string(d.Mode())})
}

// EndSession ends a session, cancelling its in-flight work.
//
//	in:  {session_id}
//	out: {}
func (s *ToolRunnerServer) EndSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.sessions.End(ctx, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// CancelRequest aborts a queued or running request.
//
//	in:  {session_id, request_id}
//	out: {}
func (s *ToolRunnerServer) CancelRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req cancelRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.sessions.Cancel(req.SessionID, req.RequestID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ListApprovals lists pending approval prompts.
//
//	in:  {session_id?}
//	out: {approvals: [{prompt_id, session_id, request_id, tool_id, tool_version,
//	      description, capabilities, mode, created_at}]}
func (s *ToolRunnerServer) ListApprovals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	pending := s.broker.Pending(req.SessionID)
	out := make([]promptMessage, len(pending))
	for i, p := range pending {
		out[i] = newPromptMessage(p)
	}
	return encode(map[string]any{"approvals": out})
}

// ResolveApproval answers a pending prompt.
//
//	in:  {prompt_id, granted}
//	out: {}
func (s *ToolRunnerServer) ResolveApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resolveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.broker.Resolve(req.PromptID, req.Granted); err != nil {
		return nil, toStatus(err)
	}
	if p, ok := PrincipalFromContext(ctx); ok {
		s.logger.Info("approval answered over api",
			zap.String("prompt_id", req.PromptID),
			zap.String("key_id", p.KeyID),
			zap.Bool("granted", req.Granted),
		)
	}
	return &structpb.Struct{}, nil
}

// Declarations describes the enabled tools as Gemini function declarations.
//
//	in:  {}
//	out: {declarations: [FunctionDeclaration]}
func (s *ToolRunnerServer) Declarations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	decls := modelapi.Declarations(s.registry.List(true))
	out, err := encode(map[string]any{"declarations": decls})
	if err != nil {
		return nil, fmt.Errorf("Declarations: %w", err)
	}
	return out, nil
}
