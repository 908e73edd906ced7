// Package modelapi converts between Gemini function calling and tool calls.
package modelapi

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// FromFunctionCall turns a model function call into a request for the given
// session. Calls without an id get a generated one.
func FromFunctionCall(sessionID string, fc *genai.FunctionCall, mode toolcall.Mode) (toolcall.Request, error) {
	if fc == nil {
		return toolcall.Request{}, errors.New("FromFunctionCall: nil function call")
	}
	if fc.Name == "" {
		return toolcall.Request{}, errors.New("FromFunctionCall: function call has no name")
	}
	args := value.Object{}
	if fc.Args != nil {
		v, err := value.FromAny(fc.Args)
		if err != nil {
			return toolcall.Request{}, fmt.Errorf("FromFunctionCall: %s: %w", fc.Name, err)
		}
		args, _ = v.Object()
	}
	id := fc.ID
	if id == "" {
		id = uuid.NewString()
	}
	return toolcall.Request{
		ID:        id,
		SessionID: sessionID,
		ToolID:    fc.Name,
		Args:      args,
		Mode:      mode,
	}, nil
}

// ToFunctionResponse wraps a result for the model. Successful payloads sit
// under "output"; failures under "error" with the stable outcome and reason.
func ToFunctionResponse(res toolcall.Result) *genai.FunctionResponse {
	var response map[string]any
	if res.OK() {
		response = map[string]any{"output": res.Payload.ToAny()}
	} else {
		e := map[string]any{
			"outcome": string(res.Outcome),
			"reason":  res.Reason,
			"detail":  res.Detail,
		}
		if res.Field != "" {
			e["field"] = res.Field
		}
		response = map[string]any{"error": e}
	}
	return &genai.FunctionResponse{
		ID:       res.RequestID,
		Name:     res.ToolID,
		Response: response,
	}
}

// Declarations describes the enabled tools to the model.
func Declarations(defs []registry.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled || def.Schema == nil {
			continue
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        def.ID,
			Description: def.Description,
			Parameters:  objectSchema("", def.Schema.Fields),
			Response:    FieldSchema(def.Schema.Returns),
		})
	}
	return out
}

// FieldSchema converts one field shape. A nil field yields nil.
func FieldSchema(f *schema.Field) *genai.Schema {
	if f == nil {
		return nil
	}
	switch f.Kind {
	case schema.KindString:
		return &genai.Schema{Type: genai.TypeString, Description: f.Description}
	case schema.KindNumber:
		return &genai.Schema{Type: genai.TypeNumber, Description: f.Description}
	case schema.KindInteger:
		return &genai.Schema{Type: genai.TypeInteger, Description: f.Description}
	case schema.KindBoolean:
		return &genai.Schema{Type: genai.TypeBoolean, Description: f.Description}
	case schema.KindEnum:
		return &genai.Schema{
			Type:        genai.TypeString,
			Format:      "enum",
			Description: f.Description,
			Enum:        append([]string(nil), f.Enum...),
		}
	case schema.KindArray:
		return &genai.Schema{Type: genai.TypeArray, Description: f.Description, Items: FieldSchema(f.Items)}
	case schema.KindObject:
		return objectSchema(f.Description, f.Properties)
	}
	return nil
}

func objectSchema(description string, fields map[string]*schema.Field) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject, Description: description}
	if len(fields) == 0 {
		return s
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	s.Properties = make(map[string]*genai.Schema, len(fields))
	s.PropertyOrdering = names
	for _, name := range names {
		f := fields[name]
		s.Properties[name] = FieldSchema(f)
		if f.Required {
			s.Required = append(s.Required, name)
		}
	}
	return s
}
