//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own group so that helpers it
// spawns are signalled together with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
