//go:build windows

package runner

import (
	"os/exec"
	"strconv"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminateTree kills the agent and every descendant it spawned. Windows has
// no POSIX process groups, so taskkill /T walks the child tree; a plain Kill
// of the immediate process is the fallback when taskkill itself fails.
func terminateTree(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}

func killTree(cmd *exec.Cmd) { terminateTree(cmd) }
