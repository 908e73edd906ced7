package modelapi

import (
	"reflect"
	"testing"

	"google.golang.org/genai"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

func TestFromFunctionCall(t *testing.T) {
	fc := &genai.FunctionCall{
		ID:   "call-1",
		Name: "search",
		Args: map[string]any{
			"query": "go",
			"limit": float64(5),
			"tags":  []any{"a", "b"},
		},
	}
	req, err := FromFunctionCall("s1", fc, toolcall.ModeReal)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != "call-1" || req.SessionID != "s1" || req.ToolID != "search" || req.Mode != toolcall.ModeReal {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !req.Args["limit"].IsInteger() {
		t.Fatal("whole number argument should count as integer")
	}
	if req.Args["tags"].Len() != 2 {
		t.Fatalf("expected 2 tags, got %s", req.Args["tags"])
	}
}

func TestFromFunctionCall_GeneratesIDAndRejectsEmpty(t *testing.T) {
	req, err := FromFunctionCall("s", &genai.FunctionCall{Name: "ping"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if req.ID == "" || req.Args == nil {
		t.Fatalf("expected generated id and empty args, got %+v", req)
	}
	if _, err := FromFunctionCall("s", &genai.FunctionCall{}, ""); err == nil {
		t.Fatal("expected error for nameless call")
	}
	if _, err := FromFunctionCall("s", nil, ""); err == nil {
		t.Fatal("expected error for nil call")
	}
}

func TestToFunctionResponse(t *testing.T) {
	ok := toolcall.Success(toolcall.Request{ID: "c1", ToolID: "echo"}, toolcall.ModeSimulated,
		value.FromObject(value.Object{"text": value.String("hi")}))
	resp := ToFunctionResponse(ok)
	if resp.ID != "c1" || resp.Name != "echo" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	want := map[string]any{"output": map[string]any{"text": "hi"}}
	if !reflect.DeepEqual(resp.Response, want) {
		t.Fatalf("got %v, want %v", resp.Response, want)
	}

	bad := toolcall.Failure(toolcall.Request{ID: "c2", ToolID: "echo"}, toolcall.ModeReal,
		toolcall.OutcomeValidationError, toolcall.ReasonInvalidArguments, "text: missing required field")
	bad.Field = "text"
	resp = ToFunctionResponse(bad)
	e, _ := resp.Response["error"].(map[string]any)
	if e["outcome"] != "validation-error" || e["field"] != "text" || e["reason"] != "invalid-arguments" {
		t.Fatalf("unexpected error body: %v", resp.Response)
	}
}

func TestRoundTripThroughResponse(t *testing.T) {
	fc := &genai.FunctionCall{ID: "c", Name: "echo", Args: map[string]any{"text": "hi", "n": float64(2)}}
	req, err := FromFunctionCall("s", fc, toolcall.ModeSimulated)
	if err != nil {
		t.Fatal(err)
	}
	resp := ToFunctionResponse(toolcall.Success(req, toolcall.ModeSimulated, value.FromObject(req.Args)))
	want := map[string]any{"output": map[string]any{"text": "hi", "n": int64(2)}}
	if !reflect.DeepEqual(resp.Response, want) {
		t.Fatalf("got %v, want %v", resp.Response, want)
	}
}

func TestDeclarations(t *testing.T) {
	defs := []registry.ToolDefinition{
		{
			ID:          "search",
			Description: "Search the index",
			Enabled:     true,
			Schema: &schema.Schema{
				Fields: map[string]*schema.Field{
					"query": {Kind: schema.KindString, Required: true, Description: "terms"},
					"order": {Kind: schema.KindEnum, Enum: []string{"asc", "desc"}},
					"filters": {Kind: schema.KindObject, Properties: map[string]*schema.Field{
						"year": {Kind: schema.KindInteger, Required: true},
					}},
					"tags": {Kind: schema.KindArray, Items: &schema.Field{Kind: schema.KindString}},
				},
				Returns: &schema.Field{Kind: schema.KindArray, Items: &schema.Field{Kind: schema.KindString}},
			},
		},
		{ID: "off", Enabled: false, Schema: &schema.Schema{}},
	}

	decls := Declarations(defs)
	if len(decls) != 1 {
		t.Fatalf("expected only enabled tools, got %d", len(decls))
	}
	d := decls[0]
	if d.Name != "search" || d.Description != "Search the index" {
		t.Fatalf("unexpected declaration: %+v", d)
	}
	p := d.Parameters
	if p.Type != genai.TypeObject || !reflect.DeepEqual(p.Required, []string{"query"}) {
		t.Fatalf("unexpected parameters: %+v", p)
	}
	if !reflect.DeepEqual(p.PropertyOrdering, []string{"filters", "order", "query", "tags"}) {
		t.Fatalf("unexpected ordering: %v", p.PropertyOrdering)
	}
	if p.Properties["order"].Type != genai.TypeString || len(p.Properties["order"].Enum) != 2 {
		t.Fatalf("enum not mapped: %+v", p.Properties["order"])
	}
	if p.Properties["filters"].Properties["year"].Type != genai.TypeInteger {
		t.Fatal("nested integer not mapped")
	}
	if p.Properties["tags"].Items.Type != genai.TypeString {
		t.Fatal("array items not mapped")
	}
	if d.Response == nil || d.Response.Type != genai.TypeArray {
		t.Fatalf("return shape not mapped: %+v", d.Response)
	}
}
