package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/backlog"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/runner"
	"github.com/aristath/conductor/internal/supervisor"
	"github.com/aristath/conductor/internal/worker"
	"github.com/aristath/conductor/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pool until the backlog completes",
	Long: `Starts the configured number of workers, each in its own git worktree,
and drains the task backlog. Exits when no task is pending or in progress,
or on SIGINT/SIGTERM after giving in-flight agents a grace period.`,
	RunE: runRun,
}

var (
	runWorkers int    // --workers override
	runBacklog string // --backlog file imported before starting
	runForever bool   // --forever keeps the pool alive after the backlog drains
)

func init() {
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Number of workers (overrides config)")
	runCmd.Flags().StringVarP(&runBacklog, "backlog", "f", "", "Import a YAML backlog file before starting")
	runCmd.Flags().BoolVar(&runForever, "forever", false, "Keep the pool alive after the backlog drains")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.Pool.Size = runWorkers
	}

	// Agents run with the workspace as cwd; they need the db path absolute.
	dbPath, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("resolving db path: %w", err)
	}
	cfg.DBPath = dbPath

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	if runBacklog != "" {
		n, err := backlog.Import(ctx, store, runBacklog)
		if err != nil {
			return fmt.Errorf("import backlog: %w", err)
		}
		fmt.Printf("Imported %d tasks from %s\n", n, runBacklog)
	}

	manager := worktree.NewManager(worktree.Config{
		RepoPath:    cfg.RepoPath,
		Trunk:       cfg.Trunk,
		WorktreeDir: cfg.WorktreeDir,
	})

	agent := runner.NewCLIRunner(runner.CLIConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Timeout: cfg.Agent.Timeout.Std(),
		DBPath:  cfg.DBPath,
	})

	var gate runner.Gate
	if cfg.Reviewer.Command != "" {
		gate = runner.NewBreakerGate(&runner.CLIReviewer{
			Command: cfg.Reviewer.Command,
			Args:    cfg.Reviewer.Args,
			Timeout: cfg.Reviewer.Timeout.Std(),
		})
	}

	bus := events.NewBus()
	defer bus.Close()
	go streamEvents(bus.SubscribeAll(256))

	sup := supervisor.New(supervisor.Params{
		Store:      store,
		Workspaces: manager,
		Merger:     worktree.NewReconciler(manager),
		Runner:     agent,
		Gate:       gate,
		Bus:        bus,
		Config: supervisor.Config{
			PoolSize:        cfg.Pool.Size,
			ReclaimInterval: cfg.Pool.ReclaimInterval.Std(),
			PollInterval:    cfg.Pool.PollInterval.Std(),
			ShutdownGrace:   cfg.Pool.ShutdownGrace.Std(),
			RunForever:      runForever,
			Worker: worker.Config{
				HeartbeatInterval: cfg.Pool.HeartbeatInterval.Std(),
				IdleMin:           cfg.Pool.IdleMin.Std(),
				IdleMax:           cfg.Pool.IdleMax.Std(),
			},
		},
	})

	fmt.Printf("Starting %d workers on %s (trunk %s)\n", cfg.Pool.Size, cfg.RepoPath, cfg.Trunk)
	if err := sup.Run(ctx); err != nil {
		return err
	}

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("final stats: %w", err)
	}
	fmt.Println()
	printStats(stats)
	return nil
}

// streamEvents prints task lifecycle events as they happen.
func streamEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskEvent:
			switch e.Type {
			case events.EventTypeTaskClaimed:
				color.Blue("▶ %s claimed by %s", e.Task, e.WorkerID)
			case events.EventTypeTaskPassed:
				color.Green("✔ %s passed (%s)", e.Task, e.WorkerID)
			case events.EventTypeTaskFailed:
				color.Red("✘ %s failed (%s): %s", e.Task, e.WorkerID, e.Detail)
			case events.EventTypeTaskConflict:
				color.Yellow("⚡ %s conflicted (%s): %s", e.Task, e.WorkerID, e.Detail)
			case events.EventTypeTaskReleased:
				fmt.Printf("↩ %s released by %s\n", e.Task, e.WorkerID)
			case events.EventTypeTaskReclaimed:
				color.Yellow("⟳ %s reclaimed from %s", e.Task, e.WorkerID)
			}
		case events.PoolEvent:
			if e.Type == events.EventTypePoolDone {
				color.New(color.FgGreen, color.Bold).Printf("Backlog complete: %s\n", e.Detail)
			}
		}
	}
}
