//go:build windows

package engine

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// signalGroup kills pid. Windows has no SIGTERM, so both phases are a hard kill.
func signalGroup(pid int, _ bool) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
