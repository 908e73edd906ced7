package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// confinedBackend returns a confining backend, skipping when the host
// lacks Landlock or unprivileged user namespaces.
func confinedBackend(t *testing.T) *ProcessBackend {
	t.Helper()
	b := NewProcessBackend(ProcessBackendConfig{Logger: zap.NewNop()})
	_, err := b.Run(context.Background(), Command{
		Path: lookPath(t, "true"),
		Dir:  t.TempDir(),
	}, Limits{Timeout: 5 * time.Second})
	if errors.Is(err, ErrIsolationUnavailable) {
		t.Skipf("confinement unavailable on this host: %v", err)
	}
	if err != nil {
		t.Fatalf("confined run of true failed: %v", err)
	}
	return b
}

func TestConfined_WriteOutsideGrantsDenied(t *testing.T) {
	b := confinedBackend(t)
	sh := lookPath(t, "sh")
	scratch, outside := t.TempDir(), t.TempDir()
	target := filepath.Join(outside, "pwned")

	out, err := b.Run(context.Background(), Command{
		Path:       sh,
		Args:       []string{"-c", "echo owned > " + target},
		Dir:        scratch,
		Env:        []string{"PATH=" + minimalPath},
		WritePaths: []string{scratch},
	}, Limits{Timeout: 5 * time.Second, OutputBytes: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitStatus == 0 {
		t.Fatalf("write outside the grants succeeded: %+v", out)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("confined tool created %s", target)
	}
}

func TestConfined_WriteInsideScratchAllowed(t *testing.T) {
	b := confinedBackend(t)
	sh := lookPath(t, "sh")
	scratch := t.TempDir()

	out, err := b.Run(context.Background(), Command{
		Path:       sh,
		Args:       []string{"-c", "echo ok > out.txt && cat out.txt"},
		Dir:        scratch,
		Env:        []string{"PATH=" + minimalPath},
		WritePaths: []string{scratch},
	}, Limits{Timeout: 5 * time.Second, OutputBytes: 1024, AllowProcessExec: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitStatus != 0 || strings.TrimSpace(string(out.Stdout)) != "ok" {
		t.Fatalf("unexpected outcome: status=%d stdout=%q stderr=%q", out.ExitStatus, out.Stdout, out.Stderr)
	}
}

func TestConfined_ReadRequiresGrant(t *testing.T) {
	b := confinedBackend(t)
	cat := lookPath(t, "cat")
	data := t.TempDir()
	secret := filepath.Join(data, "secret.txt")
	if err := os.WriteFile(secret, []byte("s3cret"), 0o600); err != nil {
		t.Fatal(err)
	}

	run := func(read []string) Outcome {
		t.Helper()
		out, err := b.Run(context.Background(), Command{
			Path:      cat,
			Args:      []string{secret},
			Dir:       t.TempDir(),
			ReadPaths: read,
		}, Limits{Timeout: 5 * time.Second, OutputBytes: 1024})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	if out := run(nil); out.ExitStatus == 0 || len(out.Stdout) != 0 {
		t.Fatalf("ungranted read succeeded: %+v", out)
	}
	if out := run([]string{data}); out.ExitStatus != 0 || string(out.Stdout) != "s3cret" {
		t.Fatalf("granted read failed: status=%d stderr=%q", out.ExitStatus, out.Stderr)
	}
}

func TestConfined_MissingExecutableIsStartFailure(t *testing.T) {
	b := confinedBackend(t)
	_, err := b.Run(context.Background(), Command{
		Path: "/nonexistent/tool",
		Dir:  t.TempDir(),
	}, Limits{Timeout: 5 * time.Second})
	if err == nil || errors.Is(err, ErrIsolationUnavailable) {
		t.Fatalf("expected a start error, got %v", err)
	}
}

func TestConfined_ExecutorRefusesShellEscape(t *testing.T) {
	b := confinedBackend(t)
	exe := newTestExecutor(t, b, Config{})
	outside := t.TempDir()
	target := filepath.Join(outside, "pwned")

	res := exe.Execute(context.Background(),
		tool(lookPath(t, "sh"), []string{"-c", "echo owned > " + target}),
		toolcall.Request{ID: "r", ToolID: "t", Args: value.Object{}, Mode: toolcall.ModeReal},
	)
	if res.OK() {
		t.Fatalf("tool without capabilities wrote outside its scratch dir: %+v", res)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("confined tool created %s", target)
	}
}

func TestConfined_FilesystemWriteGrantsAllowList(t *testing.T) {
	b := confinedBackend(t)
	exe := newTestExecutor(t, b, Config{})
	shared := t.TempDir()
	target := filepath.Join(shared, "report.txt")

	v := tool(lookPath(t, "sh"), []string{"-c", "echo done > " + target}, permission.CapFilesystemWrite)
	v.Policy.AllowList.Paths = []string{shared}
	res := exe.Execute(context.Background(), v, toolcall.Request{ID: "r", ToolID: "t", Args: value.Object{}})
	if !res.OK() {
		t.Fatalf("granted write failed: %+v", res)
	}
	if data, err := os.ReadFile(target); err != nil || strings.TrimSpace(string(data)) != "done" {
		t.Fatalf("expected report to be written, got %q (%v)", data, err)
	}
}
