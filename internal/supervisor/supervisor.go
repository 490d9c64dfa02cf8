// Package supervisor owns the worker pool: it provisions one isolated
// workspace per worker, runs the workers until the backlog completes or the
// context is cancelled, reclaims stale leases left by dead workers, and
// tears everything down on the way out.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/queue"
	"github.com/aristath/conductor/internal/runner"
	"github.com/aristath/conductor/internal/worker"
)

// Store is the slice of the task store the supervisor needs beyond what it
// hands to workers.
type Store interface {
	worker.Store
	ReclaimStale(ctx context.Context) ([]*queue.Task, error)
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context) ([]*queue.Task, error)
}

// Workspaces provisions and destroys per-worker workspaces.
type Workspaces interface {
	worker.Workspace
	EnsureRepo() error
	CreateWorkerWorkspace(workerID string) (string, error)
	DestroyWorkerWorkspace(workerID string) error
	Prune() error
}

// Config tunes the supervisor.
type Config struct {
	PoolSize        int           // Number of concurrent workers (default 3)
	ReclaimInterval time.Duration // Stale lease sweep cadence (default 1m)
	PollInterval    time.Duration // Backlog completion poll cadence (default 2s)
	ShutdownGrace   time.Duration // How long to wait for in-flight work on shutdown (default 30s)
	RunForever      bool          // Keep the pool alive after the backlog completes
	Worker          worker.Config
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Params collects the supervisor's collaborators.
type Params struct {
	Store      Store
	Workspaces Workspaces
	Merger     worker.Merger
	Runner     runner.Runner
	Gate       runner.Gate // Optional
	Bus        *events.Bus // Optional
	Config     Config
}

// Supervisor drives a pool of workers over a shared backlog.
type Supervisor struct {
	store      Store
	workspaces Workspaces
	merger     worker.Merger
	runner     runner.Runner
	gate       runner.Gate
	bus        *events.Bus
	config     Config
	drained    atomic.Bool
}

// New creates a supervisor. It does nothing until Run is called.
func New(p Params) *Supervisor {
	return &Supervisor{
		store:      p.Store,
		workspaces: p.Workspaces,
		merger:     p.Merger,
		runner:     p.Runner,
		gate:       p.Gate,
		bus:        p.Bus,
		config:     p.Config.withDefaults(),
	}
}

// Run provisions the pool and blocks until the backlog completes or ctx is
// cancelled. Claims held by workers that did not stop within the shutdown
// grace are released before the workspaces are force-destroyed, so tasks go
// back to pending immediately instead of waiting out their lease.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.workspaces.EnsureRepo(); err != nil {
		return fmt.Errorf("supervisor: prepare repo: %w", err)
	}

	// A previous run may have died mid-task; hand those claims back before
	// the pool starts competing for work.
	if err := s.reclaim(ctx); err != nil {
		return fmt.Errorf("supervisor: initial lease sweep: %w", err)
	}

	workerIDs := make([]string, s.config.PoolSize)
	for i := range workerIDs {
		workerIDs[i] = fmt.Sprintf("w%d-%s", i+1, uuid.NewString()[:8])
	}
	for _, id := range workerIDs {
		if _, err := s.workspaces.CreateWorkerWorkspace(id); err != nil {
			s.destroyWorkspaces(workerIDs)
			return fmt.Errorf("supervisor: create workspace for %s: %w", id, err)
		}
	}
	defer s.destroyWorkspaces(workerIDs)

	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()

	g, gctx := errgroup.WithContext(poolCtx)
	for _, id := range workerIDs {
		w := worker.New(worker.Params{
			ID:        id,
			Store:     s.store,
			Workspace: s.workspaces,
			Merger:    s.merger,
			Runner:    s.runner,
			Gate:      s.gate,
			Bus:       s.bus,
			Config:    s.config.Worker,
			Drained:   s.drained.Load,
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	go s.reclaimLoop(gctx)
	go s.watchCompletion(gctx)

	return s.wait(ctx, g, workerIDs)
}

// wait blocks on the pool. Once ctx is cancelled the workers get the
// shutdown grace to finish their in-flight runs and release their claims
// themselves; anything still held after that is released here on their
// behalf, before the deferred workspace teardown runs.
func (s *Supervisor) wait(ctx context.Context, g *errgroup.Group, workerIDs []string) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		return err
	case <-time.After(s.config.ShutdownGrace):
		log.Printf("WARNING: supervisor: workers still busy after %s, releasing their claims", s.config.ShutdownGrace)
		s.releaseAbandoned(workerIDs)
		return nil
	}
}

// releaseAbandoned hands back every claim still held by this pool's worker
// IDs. Runs on a fresh context: the pool context is already cancelled when
// this is needed. Release is status-and-holder guarded in the store, so a
// straggling worker resolving its task afterwards is a harmless no-op.
func (s *Supervisor) releaseAbandoned(workerIDs []string) {
	ctx := context.Background()
	tasks, err := s.store.List(ctx)
	if err != nil {
		log.Printf("ERROR: supervisor: listing tasks to release abandoned claims: %v", err)
		return
	}

	pool := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		pool[id] = true
	}

	for _, task := range tasks {
		if task.Status != queue.StatusInProgress || !pool[task.ClaimedBy] {
			continue
		}
		if err := s.store.ReleaseClaim(ctx, task.ID, task.ClaimedBy); err != nil {
			log.Printf("ERROR: supervisor: releasing abandoned claim on task %s: %v", task.ID, err)
			continue
		}
		s.bus.Publish(events.TopicTask, events.TaskEvent{
			Type:     events.EventTypeTaskReleased,
			Task:     task.ID,
			WorkerID: task.ClaimedBy,
			Time:     time.Now(),
		})
	}
}

// reclaimLoop sweeps expired leases back to pending on a fixed cadence.
func (s *Supervisor) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reclaim(ctx); err != nil && ctx.Err() == nil {
				log.Printf("WARNING: supervisor: lease sweep: %v", err)
			}
		}
	}
}

func (s *Supervisor) reclaim(ctx context.Context) error {
	reclaimed, err := s.store.ReclaimStale(ctx)
	if err != nil {
		return err
	}
	for _, task := range reclaimed {
		log.Printf("WARNING: supervisor: reclaimed stale lease on task %s (held by %s)", task.ID, task.ClaimedBy)
		s.bus.Publish(events.TopicTask, events.TaskEvent{
			Type:     events.EventTypeTaskReclaimed,
			Task:     task.ID,
			WorkerID: task.ClaimedBy,
			Time:     time.Now(),
		})
	}
	return nil
}

// watchCompletion polls the backlog and flips the drained flag once no task
// is pending or in progress, letting idle workers exit.
func (s *Supervisor) watchCompletion(ctx context.Context) {
	if s.config.RunForever {
		return
	}
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.store.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("WARNING: supervisor: stats poll: %v", err)
				}
				continue
			}
			if stats.Complete() {
				s.drained.Store(true)
				s.bus.Publish(events.TopicPool, events.PoolEvent{
					Type:   events.EventTypePoolDone,
					Detail: fmt.Sprintf("%d passing, %d blocked, %d conflict", stats.Passing, stats.Blocked, stats.Conflict),
					Time:   time.Now(),
				})
				return
			}
		}
	}
}

func (s *Supervisor) destroyWorkspaces(workerIDs []string) {
	for _, id := range workerIDs {
		if err := s.workspaces.DestroyWorkerWorkspace(id); err != nil {
			log.Printf("WARNING: supervisor: destroy workspace for %s: %v", id, err)
		}
	}
	if err := s.workspaces.Prune(); err != nil {
		log.Printf("WARNING: supervisor: prune worktrees: %v", err)
	}
}
