package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/backlog"
	"github.com/aristath/conductor/internal/queue"
)

var addCmd = &cobra.Command{
	Use:   "add [prompt]",
	Short: "Add a task, or import a YAML backlog with -f",
	Long: `Adds a single task with the given prompt, or imports a whole backlog
file with -f. Dependencies must already exist in the store.`,
	RunE: runAdd,
}

var (
	addID       string
	addTitle    string
	addPriority int
	addDeps     []string
	addFile     string
)

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "Task ID (defaults to a generated one)")
	addCmd.Flags().StringVar(&addTitle, "title", "", "Short human-readable title")
	addCmd.Flags().IntVarP(&addPriority, "priority", "p", 0, "Priority (lower runs first)")
	addCmd.Flags().StringSliceVar(&addDeps, "dep", nil, "Task ID this task depends on (repeatable)")
	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "YAML backlog file to import")

	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
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

	if addFile != "" {
		if len(args) > 0 {
			return fmt.Errorf("cannot combine -f with a prompt argument")
		}
		n, err := backlog.Import(ctx, store, addFile)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d tasks from %s\n", n, addFile)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("a task prompt is required (or use -f to import a backlog)")
	}
	prompt := strings.Join(args, " ")

	id := addID
	if id == "" {
		id = uuid.NewString()[:8]
	}

	task := &queue.Task{
		ID:        id,
		Title:     addTitle,
		Prompt:    prompt,
		Priority:  addPriority,
		DependsOn: addDeps,
	}
	if err := store.Add(ctx, task); err != nil {
		return err
	}
	fmt.Printf("Added task %s\n", id)
	return nil
}
