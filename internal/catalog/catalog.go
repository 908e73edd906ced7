// Package catalog imports tool definitions from a YAML file.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/simulate"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// File is a catalog document.
type File struct {
	Tools []Entry `yaml:"tools"`
}

// Entry declares one tool. Exactly one of Schema and JSONSchema is set.
type Entry struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Enabled     *bool             `yaml:"enabled"`
	Schema      yaml.Node         `yaml:"schema"`
	JSONSchema  string            `yaml:"json_schema"`
	Policy      permission.Policy `yaml:"policy"`
	Exec        *registry.Exec    `yaml:"exec"`

	// MockEcho answers simulated calls with the arguments.
	MockEcho bool `yaml:"mock_echo"`
	// MockOutput answers simulated calls with a fixed value.
	MockOutput any `yaml:"mock_output"`
}

// Summary reports what Apply changed.
type Summary struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Load reads and parses a catalog file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document and rejects unknown keys.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	seen := make(map[string]bool, len(f.Tools))
	for i, e := range f.Tools {
		if e.ID == "" {
			return nil, fmt.Errorf("Parse: tools[%d]: missing id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("Parse: duplicate tool %s", e.ID)
		}
		seen[e.ID] = true
	}
	return &f, nil
}

// Spec converts the entry into registry content.
func (e Entry) Spec() (registry.VersionSpec, error) {
	s, err := e.schema()
	if err != nil {
		return registry.VersionSpec{}, fmt.Errorf("%s: %w", e.ID, err)
	}
	return registry.VersionSpec{Schema: s, Policy: e.Policy, Exec: e.Exec}, nil
}

func (e Entry) schema() (*schema.Schema, error) {
	hasNative := !e.Schema.IsZero()
	switch {
	case hasNative && e.JSONSchema != "":
		return nil, errors.New("set either schema or json_schema, not both")
	case e.JSONSchema != "":
		return schema.FromJSONSchema([]byte(e.JSONSchema))
	case hasNative:
		var raw map[string]any
		if err := e.Schema.Decode(&raw); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		return schema.Parse(data)
	}
	return nil, errors.New("no schema")
}

// mock builds the entry's simulated handler. A fixed mock_output must match
// the declared return shape.
func (e Entry) mock(returns *schema.Field) (simulate.Handler, error) {
	if e.MockEcho {
		return simulate.Echo, nil
	}
	if e.MockOutput == nil {
		return nil, nil
	}
	out, err := value.FromAny(normalize(e.MockOutput))
	if err != nil {
		return nil, fmt.Errorf("%s: mock_output: %w", e.ID, err)
	}
	if err := schema.ValidateResult(returns, out); err != nil {
		return nil, fmt.Errorf("%s: mock_output: %w", e.ID, err)
	}
	return simulate.HandlerFunc(func(context.Context, value.Object) (value.Value, error) {
		return out, nil
	}), nil
}

// normalize turns yaml's map[any]any leftovers into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	}
	return v
}

// Apply brings reg in line with the catalog: unknown tools are created and
// changed ones get a new version. An explicit enabled flag is applied on
// every run; without one, tools are enabled on creation and existing ones
// keep the state an operator left them in. Mock handlers are registered on
// handlers when it is non-nil.
func (f *File) Apply(ctx context.Context, reg *registry.Registry, handlers *simulate.Handlers, logger *zap.Logger) (Summary, error) {
	var sum Summary
	for _, e := range f.Tools {
		spec, err := e.Spec()
		if err != nil {
			return sum, fmt.Errorf("Apply: %w", err)
		}
		mock, err := e.mock(spec.Schema.Returns)
		if err != nil {
			return sum, fmt.Errorf("Apply: %w", err)
		}

		current, err := reg.Lookup(e.ID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			if _, err := reg.Create(ctx, e.ID, e.Description, spec); err != nil {
				return sum, fmt.Errorf("Apply: %w", err)
			}
			sum.Created = append(sum.Created, e.ID)
		case err != nil:
			return sum, fmt.Errorf("Apply: %w", err)
		default:
			same, err := sameContent(current, spec)
			if err != nil {
				return sum, fmt.Errorf("Apply: %s: %w", e.ID, err)
			}
			if same {
				sum.Unchanged = append(sum.Unchanged, e.ID)
				break
			}
			v, err := reg.CreateVersion(ctx, e.ID, spec)
			if err != nil {
				return sum, fmt.Errorf("Apply: %w", err)
			}
			sum.Updated = append(sum.Updated, e.ID)
			logger.Info("catalog updated tool",
				zap.String("tool_id", e.ID),
				zap.Int("version", v.Version),
			)
		}

		if e.Enabled != nil {
			if err := reg.SetEnabled(ctx, e.ID, *e.Enabled); err != nil {
				return sum, fmt.Errorf("Apply: %w", err)
			}
		}
		if mock != nil && handlers != nil {
			handlers.Register(e.ID, mock)
		}
	}

	logger.Info("catalog applied",
		zap.Int("created", len(sum.Created)),
		zap.Int("updated", len(sum.Updated)),
		zap.Int("unchanged", len(sum.Unchanged)),
	)
	return sum, nil
}

func sameContent(def registry.ToolDefinition, spec registry.VersionSpec) (bool, error) {
	have, err := fingerprint(def.Schema, def.Policy, def.Exec)
	if err != nil {
		return false, err
	}
	want, err := fingerprint(spec.Schema, spec.Policy, spec.Exec)
	if err != nil {
		return false, err
	}
	return bytes.Equal(have, want), nil
}

func fingerprint(s *schema.Schema, p permission.Policy, ex *registry.Exec) ([]byte, error) {
	canon, err := s.Canonical()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Schema json.RawMessage   `json:"schema"`
		Policy permission.Policy `json:"policy"`
		Exec   *registry.Exec    `json:"exec"`
	}{canon, p, ex})
}
