//go:build darwin || linux

package proxypilot

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// processGroupWaitDelay is how long Wait keeps reading pipes after the
// process group has been signalled before giving up on them.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup configures cmd to run in its own session so that killing
// it also kills any grandchildren (chain runners fork the real workload).
// A session of its own also prevents orphaned grandchildren from holding the
// stdout/stderr pipes open after termination.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killProcessGroup sends SIGKILL to the whole process group of pid. It is
// safe to call for a process that has already exited.
func killProcessGroup(pid int) error {
	// Guard: kill(-1) kills every process the user owns and kill(0) kills
	// the caller's own group. Treat invalid PIDs as already done.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// ESRCH: the group no longer exists.
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
