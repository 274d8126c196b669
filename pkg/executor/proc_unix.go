//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so a kill
// reaches grandchildren spawned by the shell, not just the shell.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess kills the whole process group, falling back to the
// direct process when the group lookup fails.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		if syscall.Kill(-pgid, syscall.SIGKILL) == nil {
			return
		}
	}
	cmd.Process.Kill()
}
