package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/queue"
	"github.com/aristath/conductor/internal/runner"
	"github.com/aristath/conductor/internal/worktree"
)

// fakeStore scripts claim results and records every mutation.
type fakeStore struct {
	mu         sync.Mutex
	tasks      []*queue.Task // Claimed in order, then nil forever
	heartbeats bool          // Heartbeat result
	passed     []string
	failed     []string
	failReason map[string]string
	conflicted []string
	released   []string
	branches   map[string]string
}

func newFakeStore(tasks ...*queue.Task) *fakeStore {
	return &fakeStore{
		tasks:      tasks,
		heartbeats: true,
		failReason: map[string]string{},
		branches:   map[string]string{},
	}
}

func (s *fakeStore) ClaimNextReady(ctx context.Context, workerID string) (*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil, nil
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return task, nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats, nil
}

func (s *fakeStore) setHeartbeats(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = ok
}

func (s *fakeStore) ReleaseClaim(ctx context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, taskID)
	return nil
}

func (s *fakeStore) MarkPassing(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passed = append(s.passed, taskID)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, taskID, reason string, preserveBranch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, taskID)
	s.failReason[taskID] = reason
	return nil
}

func (s *fakeStore) MarkConflict(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicted = append(s.conflicted, taskID)
	return nil
}

func (s *fakeStore) SetBranch(ctx context.Context, taskID, workerID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[taskID] = branch
	return nil
}

func (s *fakeStore) snapshot() (passed, failed, conflicted, released []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.passed...), append([]string(nil), s.failed...),
		append([]string(nil), s.conflicted...), append([]string(nil), s.released...)
}

// fakeWorkspace returns deterministic branches without touching git.
type fakeWorkspace struct {
	checkoutErr error
}

func (w *fakeWorkspace) CheckoutTaskBranch(workerID, taskID string) (string, error) {
	if w.checkoutErr != nil {
		return "", w.checkoutErr
	}
	return worktree.TaskBranch(taskID, workerID), nil
}

func (w *fakeWorkspace) WorkspacePath(workerID string) string {
	return "/ws/" + workerID
}

// fakeMerger scripts merge outcomes.
type fakeMerger struct {
	result worktree.MergeResult
	err    error
}

func (m *fakeMerger) Merge(taskBranch, workspacePath string) (worktree.MergeResult, error) {
	return m.result, m.err
}

// fakeRunner scripts the agent outcome.
type fakeRunner struct {
	err   error
	delay time.Duration
}

func (r *fakeRunner) Run(ctx context.Context, task *queue.Task, workspacePath string) (string, error) {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return "output", r.err
}

// runWorker runs the worker until the backlog drains (no scripted claims
// left) or the timeout hits.
func runWorker(t *testing.T, w *Worker, store *fakeStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}
}

func drainedWhenEmpty(store *fakeStore) func() bool {
	return func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.tasks) == 0
	}
}

func TestWorkerSuccessPath(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{result: worktree.MergeResult{Merged: true}},
		Runner:    &fakeRunner{},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   drainedWhenEmpty(store),
	})

	runWorker(t, w, store)

	passed, failed, conflicted, released := store.snapshot()
	if len(passed) != 1 || passed[0] != "t1" {
		t.Errorf("passed = %v, want [t1]", passed)
	}
	if len(failed)+len(conflicted)+len(released) != 0 {
		t.Errorf("unexpected mutations: failed=%v conflicted=%v released=%v", failed, conflicted, released)
	}
	if store.branches["t1"] != "task/t1/w1" {
		t.Errorf("branch = %q, want task/t1/w1", store.branches["t1"])
	}
	if w.State() != StateIdle {
		t.Errorf("state = %v, want idle", w.State())
	}
}

func TestWorkerRunnerFailure(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{result: worktree.MergeResult{Merged: true}},
		Runner:    &fakeRunner{err: errors.New("agent crashed")},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   drainedWhenEmpty(store),
	})

	runWorker(t, w, store)

	passed, failed, _, _ := store.snapshot()
	if len(passed) != 0 {
		t.Errorf("passed = %v, want none", passed)
	}
	if len(failed) != 1 || failed[0] != "t1" {
		t.Fatalf("failed = %v, want [t1]", failed)
	}
	store.mu.Lock()
	reason := store.failReason["t1"]
	store.mu.Unlock()
	if reason == "" {
		t.Errorf("failure reason not recorded")
	}
}

func TestWorkerMergeConflict(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{result: worktree.MergeResult{Reason: "conflict"}},
		Runner:    &fakeRunner{},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   drainedWhenEmpty(store),
	})

	runWorker(t, w, store)

	passed, failed, conflicted, _ := store.snapshot()
	if len(conflicted) != 1 || conflicted[0] != "t1" {
		t.Fatalf("conflicted = %v, want [t1]", conflicted)
	}
	if len(passed)+len(failed) != 0 {
		t.Errorf("unexpected mutations: passed=%v failed=%v", passed, failed)
	}
}

func TestWorkerWorkspaceFailure(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{checkoutErr: errors.New("disk full")},
		Merger:    &fakeMerger{},
		Runner:    &fakeRunner{},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   drainedWhenEmpty(store),
	})

	runWorker(t, w, store)

	_, failed, _, _ := store.snapshot()
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want [t1]", failed)
	}
}

// rejectGate always rejects.
type rejectGate struct{}

func (rejectGate) Review(ctx context.Context, task *queue.Task, workspacePath string) (runner.Review, error) {
	return runner.Review{Verdict: runner.VerdictRejected, Reason: "not up to standard"}, nil
}

func TestWorkerReviewRejectionIsConflict(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	merger := &fakeMerger{result: worktree.MergeResult{Merged: true}}
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    merger,
		Runner:    &fakeRunner{},
		Gate:      rejectGate{},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   drainedWhenEmpty(store),
	})

	runWorker(t, w, store)

	passed, failed, conflicted, _ := store.snapshot()
	if len(conflicted) != 1 || conflicted[0] != "t1" {
		t.Fatalf("conflicted = %v, want [t1] (rejection routes like a conflict)", conflicted)
	}
	if len(passed)+len(failed) != 0 {
		t.Errorf("unexpected mutations: passed=%v failed=%v", passed, failed)
	}
}

func TestWorkerAbandonsOnLeaseLoss(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	store.setHeartbeats(false) // First heartbeat reports the lease gone

	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{result: worktree.MergeResult{Merged: true}},
		Runner:    &fakeRunner{delay: 10 * time.Second}, // Outlives the heartbeat
		Config: Config{
			HeartbeatInterval: 20 * time.Millisecond,
			IdleMin:           time.Millisecond,
			IdleMax:           5 * time.Millisecond,
		},
		Drained: drainedWhenEmpty(store),
	})

	start := time.Now()
	runWorker(t, w, store)
	if time.Since(start) > 5*time.Second {
		t.Errorf("lease loss did not cancel the run promptly")
	}

	// Losing the lease means no store mutation at all.
	passed, failed, conflicted, released := store.snapshot()
	if len(passed)+len(failed)+len(conflicted)+len(released) != 0 {
		t.Errorf("store mutated after lease loss: passed=%v failed=%v conflicted=%v released=%v",
			passed, failed, conflicted, released)
	}
}

func TestWorkerReleasesClaimOnShutdown(t *testing.T) {
	store := newFakeStore(&queue.Task{ID: "t1", Prompt: "work"})
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{result: worktree.MergeResult{Merged: true}},
		Runner:    &fakeRunner{delay: 10 * time.Second},
		Config: Config{
			HeartbeatInterval: time.Minute,
			IdleMin:           time.Millisecond,
			IdleMax:           5 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	passed, failed, _, released := store.snapshot()
	if len(released) != 1 || released[0] != "t1" {
		t.Fatalf("released = %v, want [t1] (shutdown must not consume an attempt)", released)
	}
	if len(passed)+len(failed) != 0 {
		t.Errorf("unexpected mutations: passed=%v failed=%v", passed, failed)
	}
}

func TestWorkerExitsWhenDrained(t *testing.T) {
	store := newFakeStore() // Nothing to claim
	w := New(Params{
		ID:        "w1",
		Store:     store,
		Workspace: &fakeWorkspace{},
		Merger:    &fakeMerger{},
		Runner:    &fakeRunner{},
		Config:    Config{IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond},
		Drained:   func() bool { return true },
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit on drained backlog")
	}
}
