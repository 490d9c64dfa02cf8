package worktree

// Config configures the workspace manager and reconciler.
type Config struct {
	RepoPath    string // Absolute path to the shared git repository
	Trunk       string // Shared trunk branch (default "main")
	WorktreeDir string // Directory under the repo for worker workspaces (default ".conductor/worktrees")
}

func (c Config) withDefaults() Config {
	if c.Trunk == "" {
		c.Trunk = "main"
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = ".conductor/worktrees"
	}
	return c
}

// MergeResult reports the outcome of reconciling a task branch into trunk.
type MergeResult struct {
	Merged  bool
	Rebased bool   // True when trunk had advanced and a rebase was required
	Reason  string // "conflict" when the rebase hit a textual conflict
}
