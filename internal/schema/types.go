// Package schema describes tool parameter schemas and validates argument
// payloads against them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the declared type of a field.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Field describes one named parameter, an array element, or a return shape.
type Field struct {
	Kind        Kind              `json:"kind"`
	Description string            `json:"description,omitempty"`
	Required    bool              `json:"required,omitempty"`
	Enum        []string          `json:"enum,omitempty"`       // KindEnum literals
	Items       *Field            `json:"items,omitempty"`      // KindArray element
	Properties  map[string]*Field `json:"properties,omitempty"` // KindObject members
	Open        bool              `json:"open,omitempty"`       // KindObject accepts unknown members
}

// Schema is a tool's parameter schema: a top-level object of named fields.
type Schema struct {
	Fields  map[string]*Field `json:"fields"`
	Open    bool              `json:"open,omitempty"`
	Returns *Field            `json:"returns,omitempty"`
}

// Parse decodes a schema document in the engine's own format and checks it.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	if err := Check(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Canonical returns the deterministic JSON encoding of s. Two schemas with
// equal content always produce identical bytes.
func (s *Schema) Canonical() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	return &Schema{
		Fields:  cloneFields(s.Fields),
		Open:    s.Open,
		Returns: s.Returns.clone(),
	}
}

func (f *Field) clone() *Field {
	if f == nil {
		return nil
	}
	cp := *f
	if f.Enum != nil {
		cp.Enum = append([]string(nil), f.Enum...)
	}
	cp.Items = f.Items.clone()
	cp.Properties = cloneFields(f.Properties)
	return &cp
}

func cloneFields(in map[string]*Field) map[string]*Field {
	if in == nil {
		return nil
	}
	out := make(map[string]*Field, len(in))
	for k, f := range in {
		out[k] = f.clone()
	}
	return out
}

// Check reports whether s is well formed.
func Check(s *Schema) error {
	if s == nil {
		return fmt.Errorf("schema: nil schema")
	}
	for _, name := range sortedNames(s.Fields) {
		if err := checkField(name, s.Fields[name]); err != nil {
			return err
		}
	}
	if s.Returns != nil {
		if err := checkField("returns", s.Returns); err != nil {
			return err
		}
	}
	return nil
}

func checkField(path string, f *Field) error {
	if path == "" {
		return fmt.Errorf("schema: empty field name")
	}
	if f == nil {
		return fmt.Errorf("schema: %s: nil field", path)
	}
	switch f.Kind {
	case KindString, KindNumber, KindInteger, KindBoolean:
	case KindEnum:
		if len(f.Enum) == 0 {
			return fmt.Errorf("schema: %s: enum without literals", path)
		}
	case KindArray:
		if f.Items == nil {
			return fmt.Errorf("schema: %s: array without items", path)
		}
		return checkField(path+"[]", f.Items)
	case KindObject:
		for _, name := range sortedNames(f.Properties) {
			if name == "" {
				return fmt.Errorf("schema: %s: empty property name", path)
			}
			if err := checkField(path+"."+name, f.Properties[name]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("schema: %s: unknown kind %q", path, f.Kind)
	}
	return nil
}

func sortedNames(fields map[string]*Field) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
