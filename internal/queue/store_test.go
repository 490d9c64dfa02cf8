package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := OpenMemory(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// addTask inserts a pending task with the given deps, failing the test on error.
func addTask(t *testing.T, store *Store, id string, priority int, deps ...string) {
	t.Helper()
	task := &Task{
		ID:        id,
		Title:     "Task " + id,
		Prompt:    "do " + id,
		Priority:  priority,
		DependsOn: deps,
	}
	if err := store.Add(context.Background(), task); err != nil {
		t.Fatalf("failed to add task %s: %v", id, err)
	}
}

func TestClaimNextReady(t *testing.T) {
	store := testStore(t, Options{LeaseTimeout: 30 * time.Minute})
	ctx := context.Background()

	addTask(t, store, "b", 1)
	addTask(t, store, "a", 1)
	addTask(t, store, "urgent", 0)

	// Lowest (priority, id) wins.
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if task == nil || task.ID != "urgent" {
		t.Fatalf("expected to claim 'urgent', got %+v", task)
	}

	// Claim invariant: in_progress implies a held lease in the future.
	if task.Status != StatusInProgress {
		t.Errorf("status = %v, want in_progress", task.Status)
	}
	if task.ClaimedBy != "worker-1" {
		t.Errorf("claimed_by = %q, want worker-1", task.ClaimedBy)
	}
	if !task.LeaseExpires.After(time.Now()) {
		t.Errorf("lease_expires_at %v is not in the future", task.LeaseExpires)
	}

	// Same-priority ties break on id.
	task, err = store.ClaimNextReady(ctx, "worker-2")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if task == nil || task.ID != "a" {
		t.Fatalf("expected to claim 'a', got %+v", task)
	}
}

func TestClaimNextReadyEmpty(t *testing.T) {
	store := testStore(t, Options{})
	task, err := store.ClaimNextReady(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task on empty queue, got %+v", task)
	}
}

func TestConcurrentClaimRace(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	addTask(t, store, "only", 0)

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := store.ClaimNextReady(ctx, fmt.Sprintf("worker-%d", n))
			if err != nil {
				t.Errorf("worker-%d claim error: %v", n, err)
				return
			}
			if task != nil {
				winners <- fmt.Sprintf("worker-%d", n)
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", count)
	}
}

func TestDependencyGating(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	addTask(t, store, "b", 0)
	addTask(t, store, "c", 0)
	addTask(t, store, "a", 0, "b", "c")

	if err := store.MarkPassing(ctx, "b"); err != nil {
		t.Fatalf("failed to mark b passing: %v", err)
	}

	// b passing, c pending: a must not be ready.
	ready, err := store.Ready(ctx)
	if err != nil {
		t.Fatalf("failed to get ready tasks: %v", err)
	}
	for _, task := range ready {
		if task.ID == "a" {
			t.Fatalf("task a is ready with unmet dependency c")
		}
	}

	if err := store.MarkPassing(ctx, "c"); err != nil {
		t.Fatalf("failed to mark c passing: %v", err)
	}

	ready, err = store.Ready(ctx)
	if err != nil {
		t.Fatalf("failed to get ready tasks: %v", err)
	}
	found := false
	for _, task := range ready {
		if task.ID == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("task a not ready after all dependencies passed")
	}
}

func TestAttemptExhaustion(t *testing.T) {
	store := testStore(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	addTask(t, store, "flaky", 0)

	if err := store.MarkFailed(ctx, "flaky", "boom", false); err != nil {
		t.Fatalf("first mark_failed: %v", err)
	}
	task, err := store.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusPending || task.Attempts != 1 {
		t.Fatalf("after first failure: status=%v attempts=%d, want pending/1", task.Status, task.Attempts)
	}

	if err := store.MarkFailed(ctx, "flaky", "boom again", false); err != nil {
		t.Fatalf("second mark_failed: %v", err)
	}
	task, err = store.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusBlocked || task.Attempts != 2 {
		t.Fatalf("after second failure: status=%v attempts=%d, want blocked/2", task.Status, task.Attempts)
	}
	if task.LastError != "boom again" {
		t.Errorf("last_error = %q, want 'boom again'", task.LastError)
	}

	// A third failure on a blocked task is a no-op on attempts.
	if err := store.MarkFailed(ctx, "flaky", "still broken", false); err != nil {
		t.Fatalf("third mark_failed: %v", err)
	}
	task, err = store.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts moved after block: got %d, want 2", task.Attempts)
	}

	// Blocked tasks are excluded from the ready set.
	ready, err := store.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("blocked task still ready: %+v", ready)
	}
}

func TestMarkConflictDoesNotConsumeAttempt(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}

	if err := store.MarkConflict(ctx, "t1"); err != nil {
		t.Fatalf("mark_conflict: %v", err)
	}
	task, err = store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusConflict {
		t.Errorf("status = %v, want conflict", task.Status)
	}
	if task.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (conflicts are not execution failures)", task.Attempts)
	}
	if task.ClaimedBy != "" || !task.LeaseExpires.IsZero() {
		t.Errorf("lease not cleared: claimed_by=%q expires=%v", task.ClaimedBy, task.LeaseExpires)
	}
}

func TestStaleReclaim(t *testing.T) {
	store := testStore(t, Options{LeaseTimeout: 30 * time.Minute})
	ctx := context.Background()

	addTask(t, store, "stuck", 0)

	// Claim at a simulated time 70 minutes ago, so the 30-minute lease
	// expired 40 minutes ago.
	past := time.Now().Add(-70 * time.Minute)
	store.now = func() time.Time { return past }
	task, err := store.ClaimNextReady(ctx, "crashed-worker")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}
	store.now = time.Now

	reclaimed, err := store.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim_stale: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "stuck" {
		t.Fatalf("expected to reclaim 'stuck', got %+v", reclaimed)
	}

	task, err = store.Get(ctx, "stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("status = %v, want pending", task.Status)
	}
	if task.ClaimedBy != "" {
		t.Errorf("claimed_by = %q, want empty", task.ClaimedBy)
	}
	if task.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (reclaim is not a failure)", task.Attempts)
	}

	// The crashed worker's heartbeat must now report the lease lost.
	ok, err := store.Heartbeat(ctx, "stuck", "crashed-worker")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatalf("heartbeat succeeded after reclaim")
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store := testStore(t, Options{LeaseTimeout: time.Minute})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}
	before := task.LeaseExpires

	// Advance the clock and heartbeat; the lease must move forward.
	store.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	ok, err := store.Heartbeat(ctx, "t1", "worker-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatalf("heartbeat reported lease lost for the holder")
	}
	task, err = store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !task.LeaseExpires.After(before) {
		t.Errorf("lease did not advance: before=%v after=%v", before, task.LeaseExpires)
	}

	// A different worker cannot renew it.
	ok, err = store.Heartbeat(ctx, "t1", "worker-2")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatalf("heartbeat succeeded for non-holder")
	}
}

func TestReleaseClaim(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}

	if err := store.ReleaseClaim(ctx, "t1", "worker-1"); err != nil {
		t.Fatalf("release_claim: %v", err)
	}
	task, err = store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusPending || task.Attempts != 0 || task.ClaimedBy != "" {
		t.Fatalf("release left task in %v/attempts=%d/claimed_by=%q", task.Status, task.Attempts, task.ClaimedBy)
	}
}

func TestMarkFailedPreservesBranch(t *testing.T) {
	store := testStore(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}
	if err := store.SetBranch(ctx, "t1", "worker-1", "task/t1/worker-1"); err != nil {
		t.Fatalf("set branch: %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", "transient", true); err != nil {
		t.Fatalf("mark_failed: %v", err)
	}
	task, err = store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Branch != "task/t1/worker-1" {
		t.Errorf("branch cleared despite preserveBranch: %q", task.Branch)
	}

	if err := store.MarkFailed(ctx, "t1", "again", false); err != nil {
		t.Fatalf("mark_failed: %v", err)
	}
	task, err = store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Branch != "" {
		t.Errorf("branch not cleared: %q", task.Branch)
	}
}

func TestResetBlockedTask(t *testing.T) {
	store := testStore(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	if err := store.MarkFailed(ctx, "t1", "boom", false); err != nil {
		t.Fatalf("mark_failed: %v", err)
	}
	task, _ := store.Get(ctx, "t1")
	if task.Status != StatusBlocked {
		t.Fatalf("setup: status = %v, want blocked", task.Status)
	}

	if err := store.Reset(ctx, "t1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusPending || task.Attempts != 0 || task.Branch != "" {
		t.Fatalf("reset left task in %v/attempts=%d/branch=%q", task.Status, task.Attempts, task.Branch)
	}

	// Resetting a pending task is an error.
	if err := store.Reset(ctx, "t1"); err == nil {
		t.Fatalf("reset of pending task did not fail")
	}
}

func TestStatsAndCompletion(t *testing.T) {
	store := testStore(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	addTask(t, store, "a", 0)
	addTask(t, store, "b", 0)
	addTask(t, store, "c", 0)

	if err := store.MarkPassing(ctx, "a"); err != nil {
		t.Fatalf("mark_passing: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", "boom", false); err != nil {
		t.Fatalf("mark_failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Passing != 1 || stats.Blocked != 1 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Complete() {
		t.Fatalf("backlog reported complete with a pending task")
	}

	if _, err := store.ClaimNextReady(ctx, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkPassing(ctx, "c"); err != nil {
		t.Fatalf("mark_passing: %v", err)
	}

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Blocked tasks do not hold up completion.
	if !stats.Complete() {
		t.Fatalf("backlog not complete: %+v", stats)
	}
}

func TestAttemptLog(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	addTask(t, store, "t1", 0)
	task, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}
	if err := store.MarkPassing(ctx, "t1"); err != nil {
		t.Fatalf("mark_passing: %v", err)
	}

	records, err := store.Attempts(ctx, "t1")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 attempt record, got %d", len(records))
	}
	rec := records[0]
	if rec.WorkerID != "worker-1" || rec.Outcome != "passing" {
		t.Errorf("record = %+v", rec)
	}
	if rec.EndedAt.IsZero() {
		t.Errorf("attempt record not closed")
	}
}
