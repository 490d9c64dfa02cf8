package cli

import (
	"context"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/queue"
)

// loadConfig loads the merged configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagRepo != "" {
		cfg.RepoPath = flagRepo
	}
	return cfg, nil
}

// openStore opens the task store described by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (*queue.Store, error) {
	return queue.Open(ctx, cfg.DBPath, queue.Options{
		LeaseTimeout: cfg.Queue.LeaseTimeout.Std(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
	})
}
