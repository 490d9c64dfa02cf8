// Package worker implements the per-slot control loop: claim a ready task,
// run the agent in an isolated workspace under a heartbeat-renewed lease,
// reconcile the result into trunk, release, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/queue"
	"github.com/aristath/conductor/internal/runner"
	"github.com/aristath/conductor/internal/worktree"
)

// ErrLeaseLost signals that another party has or will reclaim the task; the
// worker must abandon its work without touching the store.
var ErrLeaseLost = errors.New("task lease lost")

// State is the worker's position in its control loop.
type State int32

const (
	StateIdle State = iota
	StateClaimed
	StateRunning
	StateReconciling
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaimed:
		return "claimed"
	case StateRunning:
		return "running"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Store is the slice of the task store a worker needs.
type Store interface {
	ClaimNextReady(ctx context.Context, workerID string) (*queue.Task, error)
	Heartbeat(ctx context.Context, taskID, workerID string) (bool, error)
	ReleaseClaim(ctx context.Context, taskID, workerID string) error
	MarkPassing(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID, reason string, preserveBranch bool) error
	MarkConflict(ctx context.Context, taskID string) error
	SetBranch(ctx context.Context, taskID, workerID, branch string) error
}

// Workspace is the slice of the workspace manager a worker needs.
type Workspace interface {
	CheckoutTaskBranch(workerID, taskID string) (string, error)
	WorkspacePath(workerID string) string
}

// Merger reconciles a task branch into trunk.
type Merger interface {
	Merge(taskBranch, workspacePath string) (worktree.MergeResult, error)
}

// Config tunes a worker loop.
type Config struct {
	HeartbeatInterval time.Duration // Lease renewal cadence, well under the lease timeout (default 1m)
	IdleMin           time.Duration // Initial idle backoff when no task is ready (default 500ms)
	IdleMax           time.Duration // Idle backoff cap (default 30s)
	PreserveBranch    bool          // Keep the task branch across retries after a failure
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.IdleMin <= 0 {
		c.IdleMin = 500 * time.Millisecond
	}
	if c.IdleMax <= 0 {
		c.IdleMax = 30 * time.Second
	}
	return c
}

// Params collects a worker's collaborators. Everything is injected; the
// worker owns no lifecycles.
type Params struct {
	ID        string
	Store     Store
	Workspace Workspace
	Merger    Merger
	Runner    runner.Runner
	Gate      runner.Gate // Optional review gate, nil disables
	Bus       *events.Bus // Optional, nil disables
	Config    Config
	// Drained reports that the backlog is permanently exhausted; the worker
	// exits instead of idling when it returns true. Nil means run forever.
	Drained func() bool
}

// Worker is a single pool slot's control loop.
type Worker struct {
	id        string
	store     Store
	workspace Workspace
	merger    Merger
	runner    runner.Runner
	gate      runner.Gate
	bus       *events.Bus
	config    Config
	drained   func() bool
	state     atomic.Int32
}

// New creates a worker loop. It does nothing until Run is called.
func New(p Params) *Worker {
	return &Worker{
		id:        p.ID,
		store:     p.Store,
		workspace: p.Workspace,
		merger:    p.Merger,
		runner:    p.Runner,
		gate:      p.Gate,
		bus:       p.Bus,
		config:    p.Config.withDefaults(),
		drained:   p.Drained,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// State returns the worker's current loop state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run drives the claim/run/reconcile loop until ctx is cancelled or the
// backlog is drained. Always returns nil on a clean stop; a non-nil error
// means the store is unusable.
func (w *Worker) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.config.IdleMin
	idle.MaxInterval = w.config.IdleMax
	idle.MaxElapsedTime = 0 // Idle forever; the supervisor decides when we stop

	for {
		w.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}

		task, err := w.store.ClaimNextReady(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Contention was already retried inside the store; what
			// surfaces here is fatal.
			return fmt.Errorf("worker %s: claim failed: %w", w.id, err)
		}

		if task == nil {
			if w.drained != nil && w.drained() {
				return nil
			}
			if !sleepCtx(ctx, idle.NextBackOff()) {
				return nil
			}
			continue
		}

		idle.Reset()
		w.execute(ctx, task)
	}
}

// execute runs one claimed task through RUNNING and RECONCILING and back to
// idle, routing each outcome to the right store mutation.
func (w *Worker) execute(ctx context.Context, task *queue.Task) {
	w.setState(StateClaimed)
	w.publishTask(events.EventTypeTaskClaimed, task.ID, "")

	branch, err := w.workspace.CheckoutTaskBranch(w.id, task.ID)
	if err != nil {
		w.markFailed(task.ID, fmt.Sprintf("workspace setup failed: %v", err))
		return
	}
	if err := w.store.SetBranch(ctx, task.ID, w.id, branch); err != nil {
		log.Printf("WARNING: worker %s: failed to record branch for task %s: %v", w.id, task.ID, err)
	}
	wsPath := w.workspace.WorkspacePath(w.id)

	// The run context is cancelled by the heartbeat on lease loss, killing
	// the agent's process tree.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	lost := w.startHeartbeat(hbCtx, task.ID, cancelRun)

	w.setState(StateRunning)
	_, runErr := w.runner.Run(runCtx, task, wsPath)

	if leaseLost(lost) {
		// Another party owns or will own the task: abandon without
		// calling any store mutator.
		log.Printf("WARNING: worker %s: lease lost mid-run, abandoning task %s", w.id, task.ID)
		return
	}

	if runErr != nil {
		stopHeartbeat()
		if ctx.Err() != nil {
			// Shutdown, not a task failure: hand the claim back without
			// consuming an attempt.
			w.releaseClaim(task.ID)
			return
		}
		w.markFailed(task.ID, runErr.Error())
		return
	}

	if w.gate != nil {
		review, err := w.gate.Review(ctx, task, wsPath)
		if err != nil {
			log.Printf("WARNING: worker %s: reviewer error for task %s, proceeding unreviewed: %v", w.id, task.ID, err)
		} else if review.Verdict == runner.VerdictRejected {
			stopHeartbeat()
			if leaseLost(lost) {
				return
			}
			w.markConflict(task.ID, "review rejected: "+review.Reason)
			return
		}
	}

	w.setState(StateReconciling)
	stopHeartbeat()
	if leaseLost(lost) {
		return
	}

	result, err := w.merger.Merge(branch, wsPath)
	if err != nil {
		// Infrastructure trouble, not a conflict: the work may merge fine
		// on a retry.
		w.markFailed(task.ID, fmt.Sprintf("merge failed: %v", err))
		return
	}
	if !result.Merged {
		w.markConflict(task.ID, result.Reason)
		return
	}

	if err := w.store.MarkPassing(context.Background(), task.ID); err != nil {
		log.Printf("ERROR: worker %s: failed to mark task %s passing: %v", w.id, task.ID, err)
		return
	}
	w.publishTask(events.EventTypeTaskPassed, task.ID, "")
}

// startHeartbeat renews the lease on a fixed interval until its context is
// cancelled. On lease loss it cancels the run (via onLost) and reports on
// the returned channel, then exits; the goroutine and its timer are owned
// and cancelled as a unit.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string, onLost context.CancelFunc) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.store.Heartbeat(ctx, taskID, w.id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("WARNING: worker %s: heartbeat for task %s: %v", w.id, taskID, err)
					continue
				}
				if !ok {
					ch <- ErrLeaseLost
					onLost()
					return
				}
			}
		}
	}()
	return ch
}

// leaseLost reports whether the heartbeat flagged a lost lease.
func leaseLost(ch <-chan error) bool {
	select {
	case err := <-ch:
		return errors.Is(err, ErrLeaseLost)
	default:
		return false
	}
}

func (w *Worker) markFailed(taskID, reason string) {
	if err := w.store.MarkFailed(context.Background(), taskID, reason, w.config.PreserveBranch); err != nil {
		log.Printf("ERROR: worker %s: failed to mark task %s failed: %v", w.id, taskID, err)
		return
	}
	w.publishTask(events.EventTypeTaskFailed, taskID, reason)
}

func (w *Worker) markConflict(taskID, reason string) {
	if err := w.store.MarkConflict(context.Background(), taskID); err != nil {
		log.Printf("ERROR: worker %s: failed to mark task %s conflicted: %v", w.id, taskID, err)
		return
	}
	w.publishTask(events.EventTypeTaskConflict, taskID, reason)
}

func (w *Worker) releaseClaim(taskID string) {
	if err := w.store.ReleaseClaim(context.Background(), taskID, w.id); err != nil {
		log.Printf("ERROR: worker %s: failed to release task %s: %v", w.id, taskID, err)
		return
	}
	w.publishTask(events.EventTypeTaskReleased, taskID, "")
}

func (w *Worker) publishTask(eventType, taskID, detail string) {
	w.bus.Publish(events.TopicTask, events.TaskEvent{
		Type:     eventType,
		Task:     taskID,
		WorkerID: w.id,
		Detail:   detail,
		Time:     time.Now(),
	})
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
