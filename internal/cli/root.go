// Package cli implements the conductor command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	flagDB   string // --db override
	flagRepo string // --repo override
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Parallel work queue for coding agents over isolated git worktrees",
	Long: "conductor runs a pool of coding agents against a shared task backlog.\n" +
		"Each worker claims tasks from a durable queue, works in its own git\n" +
		"worktree, and merges finished branches back into trunk.",
	SilenceUsage: true,
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Task store path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "Shared repository path (overrides config)")
}
