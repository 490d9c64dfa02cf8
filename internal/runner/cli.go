package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/aristath/conductor/internal/queue"
)

// CLIConfig configures an external CLI agent invocation.
type CLIConfig struct {
	Command   string        // Agent binary (e.g. "claude", "codex", "goose")
	Args      []string      // Default args; the prompt is appended as the final argument
	Timeout   time.Duration // Per-task wall clock limit (default 30m)
	GraceWait time.Duration // Delay between SIGTERM and SIGKILL on cancellation (default 10s)
	DBPath    string        // Exported to the agent as CONDUCTOR_DB (shared database)
}

func (c CLIConfig) withDefaults() CLIConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.GraceWait <= 0 {
		c.GraceWait = 10 * time.Second
	}
	return c
}

// CLIRunner spawns an external CLI coding agent and passes the task prompt
// as the final argument. The agent runs inside the task's workspace with its
// own process group, so cancellation kills the whole tree including any
// children it spawned.
type CLIRunner struct {
	config CLIConfig
}

// NewCLIRunner creates a runner for the configured agent command.
func NewCLIRunner(cfg CLIConfig) *CLIRunner {
	return &CLIRunner{config: cfg.withDefaults()}
}

// Run invokes the agent on the task inside workspacePath and blocks until it
// finishes, the timeout elapses, or ctx is cancelled. On cancellation the
// process tree gets a grace period after SIGTERM before SIGKILL.
func (r *CLIRunner) Run(ctx context.Context, task *queue.Task, workspacePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	args := make([]string, len(r.config.Args))
	copy(args, r.config.Args)
	args = append(args, task.Prompt)

	cmd := exec.Command(r.config.Command, args...)
	cmd.Dir = workspacePath
	// The shared database is handed to the agent via the environment, never
	// symlinked into the worktree.
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_DB="+r.config.DBPath,
		"CONDUCTOR_TASK_ID="+task.ID,
	)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start agent %q: %w", r.config.Command, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			if len(stderr.Bytes()) > 0 {
				return stdout.String(), fmt.Errorf("agent failed: %w (stderr: %s)", err, stderr.String())
			}
			return stdout.String(), fmt.Errorf("agent failed: %w", err)
		}
		return stdout.String(), nil

	case <-ctx.Done():
		terminateTree(cmd)
		select {
		case <-done:
		case <-time.After(r.config.GraceWait):
			killTree(cmd)
			<-done
		}
		return stdout.String(), fmt.Errorf("agent terminated: %w", ctx.Err())
	}
}
