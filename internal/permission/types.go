// Package permission decides whether a tool call may run without interactive
// approval.
package permission

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Capability is a class of real resource a tool may touch.
type Capability string

const (
	CapFilesystemRead  Capability = "filesystem-read"
	CapFilesystemWrite Capability = "filesystem-write"
	CapNetworkAccess   Capability = "network-access"
	CapProcessExec     Capability = "process-exec"
)

// KnownCapabilities lists every capability the engine understands.
var KnownCapabilities = []Capability{
	CapFilesystemRead,
	CapFilesystemWrite,
	CapNetworkAccess,
	CapProcessExec,
}

// Mode is a policy's approval mode.
type Mode string

const (
	ModeAutoAllow    Mode = "auto-allow"
	ModeAskOnce      Mode = "ask-once-per-session"
	ModeAskEveryCall Mode = "ask-every-call"
	ModeDeny         Mode = "deny"
)

// AllowList constrains what a tool may target when executed for real.
type AllowList struct {
	Executables []string `json:"executables,omitempty" yaml:"executables"`
	Paths       []string `json:"paths,omitempty" yaml:"paths"`
}

// Policy is a tool version's permission policy. Policies are immutable once
// attached to a version; use Clone before deriving a new one.
type Policy struct {
	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Mode         Mode         `json:"mode" yaml:"mode"`
	AllowList    AllowList    `json:"allow_list,omitempty" yaml:"allow_list"`
}

// Has reports whether the policy declares c.
func (p Policy) Has(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	return Policy{
		Capabilities: append([]Capability(nil), p.Capabilities...),
		Mode:         p.Mode,
		AllowList: AllowList{
			Executables: append([]string(nil), p.AllowList.Executables...),
			Paths:       append([]string(nil), p.AllowList.Paths...),
		},
	}
}

// ValidatePolicy checks that the mode and capabilities are known and that
// allow-list entries are absolute paths.
func ValidatePolicy(p Policy) error {
	switch p.Mode {
	case ModeAutoAllow, ModeAskOnce, ModeAskEveryCall, ModeDeny:
	default:
		return fmt.Errorf("ValidatePolicy: unknown approval mode %q", p.Mode)
	}
	for _, c := range p.Capabilities {
		if !isKnown(c) {
			return fmt.Errorf("ValidatePolicy: unknown capability %q", c)
		}
	}
	for _, path := range p.AllowList.Paths {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("ValidatePolicy: allowed path %q is not absolute", path)
		}
	}
	for _, e := range p.AllowList.Executables {
		if !filepath.IsAbs(e) {
			return fmt.Errorf("ValidatePolicy: allowed executable %q is not absolute", e)
		}
	}
	return nil
}

func isKnown(c Capability) bool {
	for _, k := range KnownCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Ceiling is the process-wide set of capabilities any tool may be granted.
// It is built once at startup and never mutated.
type Ceiling struct {
	allowed map[Capability]struct{}
}

// NewCeiling builds a ceiling from the given capabilities.
func NewCeiling(caps ...Capability) Ceiling {
	allowed := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		allowed[c] = struct{}{}
	}
	return Ceiling{allowed: allowed}
}

// ParseCapabilities parses a comma-separated capability list.
func ParseCapabilities(s string) ([]Capability, error) {
	var caps []Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c := Capability(part)
		if !isKnown(c) {
			return nil, fmt.Errorf("ParseCapabilities: unknown capability %q", part)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Exceeding returns the capabilities in caps that the ceiling does not allow,
// sorted. An empty result means caps is a subset of the ceiling.
func (c Ceiling) Exceeding(caps []Capability) []Capability {
	var out []Capability
	for _, want := range caps {
		if _, ok := c.allowed[want]; !ok {
			out = append(out, want)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Capabilities returns the ceiling's members, sorted.
func (c Ceiling) Capabilities() []Capability {
	out := make([]Capability, 0, len(c.allowed))
	for member := range c.allowed {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
