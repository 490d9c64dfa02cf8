package config

// CommandConfig defines an external CLI the coordinator spawns (the agent
// that works on tasks, or the reviewer that judges results).
type CommandConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "codex")
	Args    []string `json:"args,omitempty"` // Default args placed before the prompt
	Timeout Duration `json:"timeout"`        // Per-invocation wall clock limit
}

// PoolConfig tunes the worker pool and its supervisor loops.
type PoolConfig struct {
	Size              int      `json:"size"`                                    // Concurrent workers
	HeartbeatInterval Duration `json:"heartbeat_interval" split_words:"true"`   // Lease renewal cadence
	ReclaimInterval   Duration `json:"reclaim_interval" split_words:"true"`     // Stale lease sweep cadence
	PollInterval      Duration `json:"poll_interval" split_words:"true"`        // Backlog completion poll cadence
	ShutdownGrace     Duration `json:"shutdown_grace" split_words:"true"`       // Wait for in-flight work on shutdown
	IdleMin           Duration `json:"idle_min" split_words:"true"`             // Initial idle backoff when no task is ready
	IdleMax           Duration `json:"idle_max" split_words:"true"`             // Idle backoff cap
}

// QueueConfig tunes scheduling behavior of the task store.
type QueueConfig struct {
	LeaseTimeout Duration `json:"lease_timeout" split_words:"true"` // Claim validity without a heartbeat
	MaxAttempts  int      `json:"max_attempts" split_words:"true"`  // Execution failures before a task is blocked
}

// Config is the top-level configuration.
type Config struct {
	DBPath      string `json:"db_path" split_words:"true"`      // SQLite task store location
	RepoPath    string `json:"repo_path" split_words:"true"`    // Shared git repository root
	Trunk       string `json:"trunk"`                           // Integration branch name
	WorktreeDir string `json:"worktree_dir" split_words:"true"` // Worker workspace parent, relative to the repo

	Pool     PoolConfig    `json:"pool"`
	Queue    QueueConfig   `json:"queue"`
	Agent    CommandConfig `json:"agent"`
	Reviewer CommandConfig `json:"reviewer"` // Empty command disables the review gate
}
