package worktree

import (
	"fmt"
	"log"
	"sync"
)

// Reconciler folds a completed task's branch back into the shared trunk.
//
// The protocol is fast-forward-first: when trunk has not advanced since the
// task branch was created (the common low-contention case) the merge is a
// pointer move. When trunk HAS advanced, the task branch is rebased onto the
// new tip inside the worker's workspace and the fast-forward retried, which
// keeps trunk history linear with no merge commits.
type Reconciler struct {
	manager *Manager
	mergeMu sync.Mutex // The trunk working index is a singleton resource
}

// NewReconciler creates a reconciler over the given workspace manager.
func NewReconciler(m *Manager) *Reconciler {
	return &Reconciler{manager: m}
}

// Merge reconciles taskBranch into trunk. workspacePath is the worker's
// workspace, currently checked out on taskBranch; it is used for the rebase
// step and left detached from the task branch on success.
//
// A MergeResult with Merged=false and Reason="conflict" means the rebase hit
// a textual conflict: the task branch is left intact for manual inspection
// and the caller must route the task to conflict state, not failure.
func (r *Reconciler) Merge(taskBranch, workspacePath string) (MergeResult, error) {
	// Only one reconciliation at a time: the trunk tip observed by the
	// rebase must not go stale before the retried fast-forward lands.
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	m := r.manager
	repo := m.config.RepoPath

	if _, err := m.git(repo, "checkout", m.config.Trunk); err != nil {
		return MergeResult{}, fmt.Errorf("failed to checkout trunk: %w", err)
	}

	// Common case: trunk has not advanced, the merge is a pointer move.
	if _, err := m.git(repo, "merge", "--ff-only", taskBranch); err == nil {
		if err := r.deleteTaskBranch(taskBranch, workspacePath); err != nil {
			log.Printf("WARNING: failed to delete merged branch %s: %v", taskBranch, err)
		}
		return MergeResult{Merged: true}, nil
	}

	// Trunk advanced under us: replay the task branch onto the new tip.
	if _, err := m.git(workspacePath, "rebase", m.config.Trunk); err != nil {
		if _, abortErr := m.git(workspacePath, "rebase", "--abort"); abortErr != nil {
			log.Printf("WARNING: failed to abort rebase of %s: %v", taskBranch, abortErr)
		}
		// Leave the branch intact for manual inspection.
		return MergeResult{Rebased: true, Reason: "conflict"}, nil
	}

	// The rebased branch descends from the trunk tip, so this fast-forward
	// succeeds by construction.
	if _, err := m.git(repo, "merge", "--ff-only", taskBranch); err != nil {
		return MergeResult{Rebased: true}, fmt.Errorf("fast-forward after rebase failed: %w", err)
	}

	if err := r.deleteTaskBranch(taskBranch, workspacePath); err != nil {
		log.Printf("WARNING: failed to delete merged branch %s: %v", taskBranch, err)
	}
	return MergeResult{Merged: true, Rebased: true}, nil
}

// deleteTaskBranch detaches the workspace from the task branch and deletes
// it. The workspace must move off the branch first or git refuses the
// delete.
func (r *Reconciler) deleteTaskBranch(taskBranch, workspacePath string) error {
	m := r.manager
	if _, err := m.git(workspacePath, "checkout", "--detach"); err != nil {
		return err
	}
	if _, err := m.git(m.config.RepoPath, "branch", "-d", taskBranch); err != nil {
		return err
	}
	return nil
}
