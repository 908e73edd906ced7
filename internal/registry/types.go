package registry

import (
	"errors"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
)

var (
	// ErrNotFound is returned for an unknown tool identifier.
	ErrNotFound = errors.New("tool not found")
	// ErrVersionNotFound is returned when a requested version does not exist.
	ErrVersionNotFound = errors.New("tool version not found")
	// ErrExists is returned when creating a tool whose identifier is taken.
	ErrExists = errors.New("tool already exists")
	// ErrInvalidSpec is returned for a malformed id, schema, policy or exec
	// binding.
	ErrInvalidSpec = errors.New("invalid tool spec")
)

// Exec binds a tool to a local executable for real-mode execution.
type Exec struct {
	Path      string   `json:"path" yaml:"path"`
	Args      []string `json:"args,omitempty" yaml:"args"`
	TimeoutMs int      `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
}

// Clone returns a deep copy of e. A nil Exec clones to nil.
func (e *Exec) Clone() *Exec {
	if e == nil {
		return nil
	}
	return &Exec{Path: e.Path, Args: append([]string(nil), e.Args...), TimeoutMs: e.TimeoutMs}
}

// ToolDefinition is the current state of a registered tool.
// Schema, Policy and Exec mirror the tool's current version.
type ToolDefinition struct {
	ID          string
	Description string
	Schema      *schema.Schema
	Enabled     bool
	Policy      permission.Policy
	Exec        *Exec
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (d ToolDefinition) clone() ToolDefinition {
	d.Schema = d.Schema.Clone()
	d.Policy = d.Policy.Clone()
	d.Exec = d.Exec.Clone()
	return d
}

// ToolVersion is an immutable snapshot of a tool's schema, policy and exec
// binding.
type ToolVersion struct {
	Tool         string
	Version      int
	Schema       *schema.Schema
	Policy       permission.Policy
	Exec         *Exec
	CreatedAt    time.Time
	RevertedFrom int
}

// ToolID implements permission.Subject.
func (v ToolVersion) ToolID() string { return v.Tool }

// PermissionPolicy implements permission.Subject.
func (v ToolVersion) PermissionPolicy() permission.Policy { return v.Policy }

func (v ToolVersion) clone() ToolVersion {
	v.Schema = v.Schema.Clone()
	v.Policy = v.Policy.Clone()
	v.Exec = v.Exec.Clone()
	return v
}

// VersionSpec is the content of a new version.
type VersionSpec struct {
	Schema *schema.Schema
	Policy permission.Policy
	Exec   *Exec
}

func (s VersionSpec) validate() error {
	if s.Schema == nil {
		return errors.New("schema is required")
	}
	if err := schema.Check(s.Schema); err != nil {
		return err
	}
	if err := permission.ValidatePolicy(s.Policy); err != nil {
		return err
	}
	if s.Exec != nil && s.Exec.Path == "" {
		return errors.New("exec binding needs a path")
	}
	return nil
}
