package sandbox

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// afterStart lowers RLIMIT_NPROC on an unconfined child when it may not
// spawn processes. The limit lands after exec, so a child that forks in its
// first instructions can race it. Confined children get the limit from the
// helper before exec instead.
func afterStart(pid int, limits Limits) error {
	if limits.AllowProcessExec {
		return nil
	}
	return unix.Prlimit(pid, unix.RLIMIT_NPROC, &unix.Rlimit{Cur: 0, Max: 0}, nil)
}

// groupAlive reports whether a non-zombie member of pgid exists. Zombies
// reparented to a non-reaping init would otherwise keep kill(-pgid, 0)
// succeeding forever.
func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	if errors.Is(err, unix.ESRCH) {
		return false
	}
	stats, globErr := filepath.Glob("/proc/[0-9]*/stat")
	if globErr != nil || len(stats) == 0 {
		return err == nil || errors.Is(err, unix.EPERM)
	}
	for _, path := range stats {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		state, group, ok := parseStat(data)
		if ok && group == pgid && state != 'Z' && state != 'X' {
			return true
		}
	}
	return false
}

// parseStat extracts state and pgrp from /proc/<pid>/stat. The command
// name may contain spaces and parentheses, so fields are read after the
// last ')'.
func parseStat(data []byte) (state byte, pgrp int, ok bool) {
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0, 0, false
	}
	fields := bytes.Fields(data[i+2:])
	// state ppid pgrp ...
	if len(fields) < 3 || len(fields[0]) == 0 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return 0, 0, false
	}
	return fields[0][0], n, true
}
