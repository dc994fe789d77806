//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the engine in its own process group so that
// signals reach every helper process it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM, or SIGKILL when kill is set, to the process
// group led by pid, falling back to the single process. Our own group is never targeted.
func signalGroup(pid int, kill bool) error {
	if pid <= 0 {
		return nil
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 && pgid != syscall.Getpgrp() {
		// Negative PGID targets the full process group.
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}
