package evaluators

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
)

// PathScopeEvaluator flags path-like arguments that the tool's filesystem
// capabilities and allowed paths do not cover. Without an explicit path
// allow-list only the scratch directory is in scope.
type PathScopeEvaluator struct{}

func NewPathScopeEvaluator() *PathScopeEvaluator {
	return &PathScopeEvaluator{}
}

func (e *PathScopeEvaluator) Name() string {
	return "path_scope"
}

func (e *PathScopeEvaluator) Category() engine.Category {
	return engine.CategoryPathScope
}

func (e *PathScopeEvaluator) Evaluate(ctx context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	var paths []string
	for _, s := range requestStrings(req) {
		if looksLikePath(s) {
			paths = append(paths, s)
		}
	}
	if len(paths) == 0 {
		return &engine.EvalResult{Triggered: false}, nil
	}

	if !req.Policy.Has(permission.CapFilesystemRead) && !req.Policy.Has(permission.CapFilesystemWrite) {
		return &engine.EvalResult{
			Triggered:  true,
			Confidence: 0.95,
			Details:    fmt.Sprintf("path argument %q without a filesystem capability", paths[0]),
		}, nil
	}

	roots := req.Policy.AllowList.Paths
	if len(roots) == 0 && req.WorkDir != "" {
		roots = []string{req.WorkDir}
	}

	var outside []string
	for _, p := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		abs := resolvePath(p, req.WorkDir)
		if !withinAny(abs, roots) {
			outside = append(outside, abs)
		}
	}
	if len(outside) == 0 {
		return &engine.EvalResult{Triggered: false}, nil
	}
	return &engine.EvalResult{
		Triggered:  true,
		Confidence: 0.95,
		Details:    fmt.Sprintf("path outside allowed paths: %s", strings.Join(outside, ", ")),
	}, nil
}

func looksLikePath(s string) bool {
	switch {
	case s == "." || s == ".." || s == "~":
		return true
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"), strings.HasPrefix(s, "~/"):
		return true
	case strings.HasPrefix(s, "file://"):
		return true
	}
	return false
}

// resolvePath makes p absolute. The child's HOME is the scratch dir, so ~
// resolves there too.
func resolvePath(p, workDir string) string {
	p = strings.TrimPrefix(p, "file://")
	switch {
	case p == "~":
		p = workDir
	case strings.HasPrefix(p, "~/"):
		p = filepath.Join(workDir, p[2:])
	case !filepath.IsAbs(p):
		p = filepath.Join(workDir, p)
	}
	return filepath.Clean(p)
}

// withinAny compares real paths, so a symlink inside a root that points
// outside it does not count as inside. Relative roots never match; policies
// reject them up front.
func withinAny(abs string, roots []string) bool {
	real := realPath(abs)
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			continue
		}
		rel, err := filepath.Rel(realPath(filepath.Clean(root)), real)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../")) {
			return true
		}
	}
	return false
}

// realPath resolves symlinks in the longest existing prefix of p. The rest
// may name files the tool is about to create.
func realPath(p string) string {
	var rest []string
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}
