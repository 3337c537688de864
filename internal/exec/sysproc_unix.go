//go:build !windows

package exec

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so the whole
// tree can be killed at once.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// killProcessGroup sends SIGKILL to the child's process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
