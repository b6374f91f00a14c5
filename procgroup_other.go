//go:build !darwin && !linux

package proxypilot

import (
	"os"
	"os/exec"
)

// setupProcessGroup is a no-op on platforms without unix process groups;
// exec.Cmd's default Cancel (Process.Kill) applies.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills only the named process on platforms without unix
// process groups.
func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	if err := p.Kill(); err != nil {
		return os.ErrProcessDone
	}
	return nil
}
