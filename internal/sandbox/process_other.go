//go:build unix && !linux

package sandbox

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

// No Landlock or network namespaces here, so a confining ProcessBackend
// refuses every run.
const confinementSupported = false

func applyIsolation(*exec.Cmd, Limits) {}

func confineSelf(helperSpec) error {
	return errors.New("confinement is only implemented on linux")
}

func afterStart(int, Limits) error { return nil }

func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
