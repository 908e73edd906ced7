package schema

import (
	"bytes"
	"errors"
	"testing"

	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

func echoSchema() *Schema {
	return &Schema{
		Fields: map[string]*Field{
			"text": {Kind: KindString, Required: true},
		},
	}
}

func richSchema() *Schema {
	return &Schema{
		Fields: map[string]*Field{
			"path":  {Kind: KindString, Required: true},
			"mode":  {Kind: KindEnum, Enum: []string{"read", "write"}},
			"count": {Kind: KindInteger},
			"ratio": {Kind: KindNumber},
			"dry":   {Kind: KindBoolean},
			"tags":  {Kind: KindArray, Items: &Field{Kind: KindString}},
			"opts": {Kind: KindObject, Properties: map[string]*Field{
				"depth": {Kind: KindInteger, Required: true},
			}},
		},
	}
}

func asValidationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	return verr
}

func TestValidate_EchoValid(t *testing.T) {
	if err := Validate(echoSchema(), value.Object{"text": value.String("hi")}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	verr := asValidationError(t, Validate(echoSchema(), value.Object{}))
	if verr.Field != "text" || verr.Reason != ReasonMissing {
		t.Fatalf("unexpected error: %+v", verr)
	}
}

func TestValidate_NoStringNumberCoercion(t *testing.T) {
	verr := asValidationError(t, Validate(echoSchema(), value.Object{"text": value.Int(5)}))
	if verr.Field != "text" {
		t.Fatalf("expected text field, got %+v", verr)
	}

	s := &Schema{Fields: map[string]*Field{"n": {Kind: KindNumber}}}
	verr = asValidationError(t, Validate(s, value.Object{"n": value.String("5")}))
	if verr.Field != "n" {
		t.Fatalf("expected n field, got %+v", verr)
	}
}

func TestValidate_IntegerRejectsFraction(t *testing.T) {
	p := value.Object{"path": value.String("/tmp"), "count": value.Float(1.5)}
	verr := asValidationError(t, Validate(richSchema(), p))
	if verr.Field != "count" || verr.Reason != "expected integer, got fractional number" {
		t.Fatalf("unexpected error: %+v", verr)
	}

	p["count"] = value.Int(2)
	if err := Validate(richSchema(), p); err != nil {
		t.Fatalf("integer should pass: %v", err)
	}
}

func TestValidate_Enum(t *testing.T) {
	p := value.Object{"path": value.String("/tmp"), "mode": value.String("exec")}
	verr := asValidationError(t, Validate(richSchema(), p))
	if verr.Field != "mode" || verr.Reason != ReasonNotEnum {
		t.Fatalf("unexpected error: %+v", verr)
	}
}

func TestValidate_NestedPaths(t *testing.T) {
	p := value.Object{
		"path": value.String("/tmp"),
		"tags": value.Array(value.String("a"), value.Bool(true)),
	}
	verr := asValidationError(t, Validate(richSchema(), p))
	if verr.Field != "tags[1]" {
		t.Fatalf("expected tags[1], got %+v", verr)
	}

	p = value.Object{
		"path": value.String("/tmp"),
		"opts": value.FromObject(value.Object{}),
	}
	verr = asValidationError(t, Validate(richSchema(), p))
	if verr.Field != "opts.depth" || verr.Reason != ReasonMissing {
		t.Fatalf("expected opts.depth missing, got %+v", verr)
	}
}

func TestValidate_UnknownFields(t *testing.T) {
	p := value.Object{"text": value.String("hi"), "zzz": value.Null(), "aaa": value.Null()}
	verr := asValidationError(t, Validate(echoSchema(), p))
	if verr.Field != "aaa" || verr.Reason != ReasonUnknown {
		t.Fatalf("expected first unknown field aaa, got %+v", verr)
	}

	open := echoSchema()
	open.Open = true
	if err := Validate(open, p); err != nil {
		t.Fatalf("open schema should accept unknown fields: %v", err)
	}
}

func TestValidate_PureAndDeterministic(t *testing.T) {
	s := richSchema()
	p := value.Object{
		"path":  value.String("/tmp"),
		"mode":  value.String("bogus"),
		"count": value.Float(0.5),
		"extra": value.Bool(true),
	}
	before, _ := s.Canonical()
	payloadBefore := p.Value().String()

	first := Validate(s, p)
	second := Validate(s, p)
	if first == nil || second == nil || first.Error() != second.Error() {
		t.Fatalf("expected identical errors, got %v and %v", first, second)
	}

	after, _ := s.Canonical()
	if !bytes.Equal(before, after) {
		t.Fatal("schema mutated by validation")
	}
	if p.Value().String() != payloadBefore {
		t.Fatal("payload mutated by validation")
	}
}

func TestCheck_Malformed(t *testing.T) {
	cases := []*Schema{
		{Fields: map[string]*Field{"e": {Kind: KindEnum}}},
		{Fields: map[string]*Field{"a": {Kind: KindArray}}},
		{Fields: map[string]*Field{"x": {Kind: "tuple"}}},
		{Fields: map[string]*Field{"": {Kind: KindString}}},
	}
	for i, s := range cases {
		if err := Check(s); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParse_RoundTripCanonical(t *testing.T) {
	s, err := Parse([]byte(`{"fields":{"text":{"kind":"string","required":true}},"returns":{"kind":"string"}}`))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.Canonical()
	b, _ := s.Clone().Canonical()
	if !bytes.Equal(a, b) {
		t.Fatalf("clone changed canonical form: %s vs %s", a, b)
	}
}

func BenchmarkValidate(b *testing.B) {
	s := richSchema()
	p := value.Object{
		"path":  value.String("/tmp/x"),
		"mode":  value.String("read"),
		"count": value.Int(3),
		"tags":  value.Array(value.String("a"), value.String("b")),
		"opts":  value.FromObject(value.Object{"depth": value.Int(1)}),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Validate(s, p)
	}
}
