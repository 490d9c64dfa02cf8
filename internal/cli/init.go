package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default project config to .conductor/config.json",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(".conductor", "config.json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.DefaultConfig()
	if flagRepo != "" {
		cfg.RepoPath = flagRepo
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
