//go:build unix

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	helperArg0    = "tool-runner-confine"
	helperSpecEnv = "TOOL_RUNNER_CONFINE_SPEC"
	// the status pipe is the first of cmd.ExtraFiles
	helperStatusFD = 3
	helperExitCode = 126

	statusIsolation = 'I'
	statusExec      = 'E'
)

// helperSpec is what the parent hands the helper through its environment.
type helperSpec struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
	Env  []string `json:"env"`

	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`

	Network     bool `json:"network"`
	NoProcesses bool `json:"no_processes"`
}

func encodeHelperSpec(c Command, limits Limits) (string, error) {
	spec := helperSpec{
		Path:        c.Path,
		Args:        append([]string{c.Path}, c.Args...),
		Env:         c.Env,
		Read:        c.ReadPaths,
		Write:       c.WritePaths,
		Network:     limits.AllowNetwork,
		NoProcesses: !limits.AllowProcessExec,
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode confinement: %w", err)
	}
	return string(raw), nil
}

type helperStatus struct {
	isolation bool
	message   string
}

func (s helperStatus) failed() bool { return s.message != "" }

// readHelperStatus reads until the helper execs the tool (the pipe closes
// on exec) or exits. Any bytes mean the tool never started.
func readHelperStatus(r io.Reader) helperStatus {
	data, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	if len(data) == 0 {
		return helperStatus{}
	}
	if len(data) == 1 {
		data = append(data, "unknown failure"...)
	}
	return helperStatus{isolation: data[0] == statusIsolation, message: string(data[1:])}
}

// ServeHelper turns the current process into the confinement helper when
// ProcessBackend started it as one: it confines itself and execs the tool,
// and never returns. Otherwise it returns immediately. Binaries that use a
// confining ProcessBackend call it first thing in main (or TestMain).
func ServeHelper() {
	if filepath.Base(os.Args[0]) != helperArg0 {
		return
	}
	raw, ok := os.LookupEnv(helperSpecEnv)
	if !ok {
		return
	}
	status := os.NewFile(helperStatusFD, "confine-status")

	var spec helperSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		helperFail(status, statusIsolation, fmt.Errorf("decode confinement: %w", err))
	}
	// Landlock and no_new_privs bind the calling thread, which must be
	// the one that execs.
	runtime.LockOSThread()
	if err := confineSelf(spec); err != nil {
		helperFail(status, statusIsolation, err)
	}
	unix.CloseOnExec(helperStatusFD)
	err := unix.Exec(spec.Path, spec.Args, spec.Env)
	helperFail(status, statusExec, err)
}

func helperFail(status *os.File, kind byte, err error) {
	_, _ = status.Write(append([]byte{kind}, err.Error()...))
	os.Exit(helperExitCode)
}

// isNamespaceErr reports whether a start failure came from the kernel
// refusing the requested namespaces.
func isNamespaceErr(err error) bool {
	for _, errno := range []unix.Errno{unix.EPERM, unix.EINVAL, unix.ENOSPC, unix.EUSERS} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
