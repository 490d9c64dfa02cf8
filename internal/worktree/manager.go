package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager owns the per-worker git worktrees and branch lifecycle. Each worker
// slot gets one working directory on a persistent worker branch, reused
// across tasks; each claimed task gets a short-lived branch created fresh
// from the trunk tip.
type Manager struct {
	config Config
}

// NewManager creates a workspace manager for the given repository.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg.withDefaults()}
}

// git runs a git command in dir and returns its combined output.
func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// Trunk returns the configured trunk branch name.
func (m *Manager) Trunk() string {
	return m.config.Trunk
}

// RepoPath returns the shared repository path.
func (m *Manager) RepoPath() string {
	return m.config.RepoPath
}

// WorkerBranch returns the persistent branch name for a worker slot.
func WorkerBranch(workerID string) string {
	return fmt.Sprintf("conductor/%s", workerID)
}

// TaskBranch returns the deterministic branch name for a claimed task.
func TaskBranch(taskID, workerID string) string {
	return fmt.Sprintf("task/%s/%s", taskID, workerID)
}

// WorkspacePath returns the working directory for a worker slot.
func (m *Manager) WorkspacePath(workerID string) string {
	return filepath.Join(m.config.RepoPath, m.config.WorktreeDir, workerID)
}

// EnsureRepo verifies the shared repository exists and has at least one
// commit on the trunk branch, initializing both if absent. Idempotent.
func (m *Manager) EnsureRepo() error {
	if err := os.MkdirAll(m.config.RepoPath, 0755); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}

	if _, err := m.git(m.config.RepoPath, "rev-parse", "--is-inside-work-tree"); err != nil {
		if _, err := m.git(m.config.RepoPath, "init", "-b", m.config.Trunk); err != nil {
			return fmt.Errorf("failed to init repository: %w", err)
		}
	}

	// A repo with no commits has no trunk tip to branch workers from.
	if _, err := m.git(m.config.RepoPath, "rev-parse", "--verify", "HEAD"); err != nil {
		_, err := m.git(m.config.RepoPath,
			"-c", "user.name=conductor", "-c", "user.email=conductor@localhost",
			"commit", "--allow-empty", "-m", "conductor: initial commit")
		if err != nil {
			return fmt.Errorf("failed to create initial commit: %w", err)
		}
	}

	return nil
}

// CreateWorkerWorkspace creates (or reuses) the dedicated working directory
// for a worker, checked out on its persistent branch rooted at the current
// trunk tip. No effect if the workspace already exists.
func (m *Manager) CreateWorkerWorkspace(workerID string) (string, error) {
	wsPath := m.WorkspacePath(workerID)

	if _, err := os.Stat(filepath.Join(wsPath, ".git")); err == nil {
		return wsPath, nil // Already present, reuse
	}

	if err := os.MkdirAll(filepath.Dir(wsPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree directory: %w", err)
	}

	// -B resets the worker branch to the trunk tip even if a previous run
	// left it behind.
	_, err := m.git(m.config.RepoPath, "worktree", "add", "-B", WorkerBranch(workerID), wsPath, m.config.Trunk)
	if err != nil {
		return "", fmt.Errorf("failed to create worker workspace: %w", err)
	}

	return wsPath, nil
}

// CheckoutTaskBranch prepares the worker's workspace for a freshly claimed
// task: hard-resets to the trunk tip, discards untracked files, deletes any
// stale branch of the same name, and checks out a fresh task branch. The
// task always starts from the latest trunk, never from stale worker state.
func (m *Manager) CheckoutTaskBranch(workerID, taskID string) (string, error) {
	wsPath := m.WorkspacePath(workerID)
	branch := TaskBranch(taskID, workerID)

	// Park on the worker branch first so a stale task branch of the same
	// name is never the current branch when we delete it.
	if _, err := m.git(wsPath, "checkout", "-B", WorkerBranch(workerID), m.config.Trunk); err != nil {
		return "", fmt.Errorf("failed to reset worker branch: %w", err)
	}
	if _, err := m.git(wsPath, "reset", "--hard", m.config.Trunk); err != nil {
		return "", fmt.Errorf("failed to reset workspace: %w", err)
	}
	if _, err := m.git(wsPath, "clean", "-fd"); err != nil {
		return "", fmt.Errorf("failed to clean workspace: %w", err)
	}

	// Delete any leftover branch from a previous attempt; absence is fine.
	_, _ = m.git(wsPath, "branch", "-D", branch)

	if _, err := m.git(wsPath, "checkout", "-b", branch, m.config.Trunk); err != nil {
		return "", fmt.Errorf("failed to create task branch %s: %w", branch, err)
	}

	return branch, nil
}

// DestroyWorkerWorkspace force-removes a worker's working directory and its
// persistent branch. Safe to call on a workspace that is missing or
// partially created.
func (m *Manager) DestroyWorkerWorkspace(workerID string) error {
	wsPath := m.WorkspacePath(workerID)
	var errs []string

	if _, err := os.Stat(wsPath); err == nil {
		if _, err := m.git(m.config.RepoPath, "worktree", "remove", "--force", wsPath); err != nil {
			// Fall back to removing the directory, then let prune clear
			// the stale registration.
			if rmErr := os.RemoveAll(wsPath); rmErr != nil {
				errs = append(errs, fmt.Sprintf("worktree remove failed: %v (rm: %v)", err, rmErr))
			}
		}
	}

	_, _ = m.git(m.config.RepoPath, "worktree", "prune")

	if _, err := m.git(m.config.RepoPath, "branch", "-D", WorkerBranch(workerID)); err != nil {
		// Branch may never have been created; only report real failures.
		if !strings.Contains(err.Error(), "not found") {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("workspace cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Prune cleans up stale worktree metadata left by crashed runs.
func (m *Manager) Prune() error {
	if _, err := m.git(m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
