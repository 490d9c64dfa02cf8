package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <task-id>",
	Short: "Return a blocked or conflicted task to the pending pool",
	Long: `Clears the attempt counter and branch of a blocked or conflicted task
so workers can pick it up again. Only tasks needing manual intervention
can be reset.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
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

	if err := store.Reset(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Task %s reset to pending\n", args[0])
	return nil
}
