//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group so the whole
// subprocess tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTree delivers sig to the command's entire process group, catching
// children the agent spawned, not just the immediate process.
func signalTree(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative PGID targets the full process group.
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

func terminateTree(cmd *exec.Cmd) { signalTree(cmd, syscall.SIGTERM) }
func killTree(cmd *exec.Cmd)      { signalTree(cmd, syscall.SIGKILL) }
