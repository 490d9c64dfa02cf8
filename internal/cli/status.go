package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog counts and what is ready, running, or stuck",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	printStats(stats)

	ready, err := store.Ready(ctx)
	if err != nil {
		return err
	}
	if len(ready) > 0 {
		fmt.Println()
		color.New(color.Bold).Println("Ready:")
		for _, task := range ready {
			fmt.Printf("  %s %s\n", color.CyanString(task.ID), task.Title)
		}
	}

	blocked, err := store.Blocked(ctx)
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		fmt.Println()
		color.New(color.Bold).Println("Waiting on dependencies:")
		for _, b := range blocked {
			fmt.Printf("  %s waiting for %s\n", color.YellowString(b.Task.ID), strings.Join(b.WaitingFor, ", "))
		}
	}

	// Tasks out of retries or stuck on conflicts need an operator reset.
	all, err := store.List(ctx)
	if err != nil {
		return err
	}
	var stuck []*queue.Task
	for _, task := range all {
		if task.Status == queue.StatusBlocked || task.Status == queue.StatusConflict {
			stuck = append(stuck, task)
		}
	}
	if len(stuck) > 0 {
		fmt.Println()
		color.New(color.FgRed, color.Bold).Println("Needs attention (conductor reset <id>):")
		for _, task := range stuck {
			line := fmt.Sprintf("  %s [%s]", color.RedString(task.ID), task.Status)
			if task.LastError != "" {
				line += ": " + task.LastError
			}
			fmt.Println(line)
		}
	}

	return nil
}

func printStats(stats queue.Stats) {
	color.New(color.Bold).Printf("Tasks: %d total\n", stats.Total())
	fmt.Printf("  %-12s %s\n", "pending:", color.WhiteString("%d", stats.Pending))
	fmt.Printf("  %-12s %s\n", "in_progress:", color.BlueString("%d", stats.InProgress))
	fmt.Printf("  %-12s %s\n", "passing:", color.GreenString("%d", stats.Passing))
	fmt.Printf("  %-12s %s\n", "blocked:", color.RedString("%d", stats.Blocked))
	fmt.Printf("  %-12s %s\n", "conflict:", color.YellowString("%d", stats.Conflict))
}
