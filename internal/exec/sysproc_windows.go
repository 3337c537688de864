//go:build windows

package exec

import (
	"os/exec"
	"strconv"
)

func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
