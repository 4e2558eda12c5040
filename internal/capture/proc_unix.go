//go:build unix

package capture

import (
	stderrors "errors"
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals the whole group led by pid, falling back to the
// single process.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || stderrors.Is(err, syscall.ESRCH) {
		return
	}
	_ = syscall.Kill(pid, sig)
}
