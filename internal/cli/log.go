package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <task-id>",
	Short: "Show a task's attempt history",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
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

	task, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	attempts, err := store.Attempts(ctx, task.ID)
	if err != nil {
		return err
	}

	color.New(color.Bold).Printf("%s [%s]", task.ID, task.Status)
	if task.Title != "" {
		fmt.Printf(" %s", task.Title)
	}
	fmt.Println()

	if len(attempts) == 0 {
		fmt.Println("  no attempts yet")
		return nil
	}

	for i, a := range attempts {
		line := fmt.Sprintf("  #%d %s by %s", i+1, a.StartedAt.Format("2006-01-02 15:04:05"), a.WorkerID)
		if a.EndedAt.IsZero() {
			line += color.BlueString(" (running)")
		} else {
			line += fmt.Sprintf(" → %s", colorOutcome(a.Outcome))
		}
		fmt.Println(line)
		if a.Error != "" {
			fmt.Printf("     %s\n", a.Error)
		}
	}
	return nil
}

func colorOutcome(outcome string) string {
	switch outcome {
	case "passing":
		return color.GreenString(outcome)
	case "failed", "conflict":
		return color.RedString(outcome)
	case "released", "reclaimed":
		return color.YellowString(outcome)
	default:
		return outcome
	}
}
