package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FromJSONSchema imports a JSON Schema document describing an object of
// parameters. The document is compiled first so malformed schemas are rejected
// before conversion. Objects follow JSON Schema semantics: they are open unless
// additionalProperties is false.
func FromJSONSchema(data []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("FromJSONSchema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("FromJSONSchema: %w", err)
	}
	if _, err := c.Compile("tool.json"); err != nil {
		return nil, fmt.Errorf("FromJSONSchema: compile: %w", err)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("FromJSONSchema: document is not an object")
	}
	if t, _ := root["type"].(string); t != "" && t != "object" {
		return nil, fmt.Errorf("FromJSONSchema: top-level type must be object, got %q", t)
	}

	top, err := fieldFromJSONSchema("", root)
	if err != nil {
		return nil, err
	}
	s := &Schema{Fields: top.Properties, Open: top.Open}
	if s.Fields == nil {
		s.Fields = map[string]*Field{}
	}
	if err := Check(s); err != nil {
		return nil, err
	}
	return s, nil
}

func fieldFromJSONSchema(path string, node map[string]any) (*Field, error) {
	f := &Field{}
	if d, ok := node["description"].(string); ok {
		f.Description = d
	}

	typ, _ := node["type"].(string)
	if enum, ok := node["enum"].([]any); ok {
		for _, e := range enum {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("FromJSONSchema: %s: only string enums are supported", path)
			}
			f.Enum = append(f.Enum, s)
		}
		f.Kind = KindEnum
		return f, nil
	}

	switch typ {
	case "string":
		f.Kind = KindString
	case "number":
		f.Kind = KindNumber
	case "integer":
		f.Kind = KindInteger
	case "boolean":
		f.Kind = KindBoolean
	case "array":
		f.Kind = KindArray
		items, ok := node["items"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("FromJSONSchema: %s: array without items", path)
		}
		item, err := fieldFromJSONSchema(path+"[]", items)
		if err != nil {
			return nil, err
		}
		f.Items = item
	case "object", "":
		f.Kind = KindObject
		f.Open = true
		if ap, ok := node["additionalProperties"].(bool); ok && !ap {
			f.Open = false
		}
		required := map[string]bool{}
		if req, ok := node["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					required[name] = true
				}
			}
		}
		if props, ok := node["properties"].(map[string]any); ok {
			f.Properties = make(map[string]*Field, len(props))
			for name, raw := range props {
				child, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("FromJSONSchema: %s: property is not a schema", join(path, name))
				}
				cf, err := fieldFromJSONSchema(join(path, name), child)
				if err != nil {
					return nil, err
				}
				cf.Required = required[name]
				f.Properties[name] = cf
			}
		}
	default:
		return nil, fmt.Errorf("FromJSONSchema: %s: unsupported type %q", path, typ)
	}
	return f, nil
}

// JSONSchema exports s as a JSON Schema object for model-facing declarations.
func (s *Schema) JSONSchema() map[string]any {
	return objectJSONSchema("", s.Fields, s.Open)
}

// JSONSchema exports a single field.
func (f *Field) JSONSchema() map[string]any {
	out := map[string]any{}
	if f.Description != "" {
		out["description"] = f.Description
	}
	switch f.Kind {
	case KindEnum:
		out["type"] = "string"
		enum := make([]any, len(f.Enum))
		for i, e := range f.Enum {
			enum[i] = e
		}
		out["enum"] = enum
	case KindArray:
		out["type"] = "array"
		if f.Items != nil {
			out["items"] = f.Items.JSONSchema()
		}
	case KindObject:
		obj := objectJSONSchema(f.Description, f.Properties, f.Open)
		return obj
	default:
		out["type"] = string(f.Kind)
	}
	return out
}

func objectJSONSchema(description string, fields map[string]*Field, open bool) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]any, 0)
	for _, name := range sortedNames(fields) {
		f := fields[name]
		props[name] = f.JSONSchema()
		if f.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": open,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	if description != "" {
		out["description"] = description
	}
	return out
}
