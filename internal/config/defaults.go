package config

import "time"

// DefaultConfig returns the default configuration: a three-worker pool over
// the current directory's repository, with the task store and workspaces
// kept under .conductor/ and no review gate.
func DefaultConfig() *Config {
	return &Config{
		DBPath:      ".conductor/conductor.db",
		RepoPath:    ".",
		Trunk:       "main",
		WorktreeDir: ".conductor/worktrees",
		Pool: PoolConfig{
			Size:              3,
			HeartbeatInterval: Duration(time.Minute),
			ReclaimInterval:   Duration(time.Minute),
			PollInterval:      Duration(2 * time.Second),
			ShutdownGrace:     Duration(30 * time.Second),
			IdleMin:           Duration(500 * time.Millisecond),
			IdleMax:           Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			LeaseTimeout: Duration(30 * time.Minute),
			MaxAttempts:  3,
		},
		Agent: CommandConfig{
			Command: "claude",
			Args:    []string{"-p"},
			Timeout: Duration(30 * time.Minute),
		},
		Reviewer: CommandConfig{
			Timeout: Duration(10 * time.Minute),
		},
	}
}
