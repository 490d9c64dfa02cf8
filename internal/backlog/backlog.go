// Package backlog loads task batches from YAML files into the task store.
package backlog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/queue"
)

// Item is one task entry in a backlog file.
type Item struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	Prompt    string   `yaml:"prompt"`
	Priority  int      `yaml:"priority"`
	DependsOn []string `yaml:"depends_on"`
}

// File is a parsed backlog file.
type File struct {
	Tasks []Item `yaml:"tasks"`
}

// Store is the slice of the task store the importer needs.
type Store interface {
	Add(ctx context.Context, task *queue.Task) error
}

// Load reads and validates a backlog file. The returned file is known to be
// internally consistent: unique IDs, prompts present, every dependency
// declared in the same file, and no cycles.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backlog %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing backlog %s: %w", path, err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("backlog %s declares no tasks", path)
	}

	if _, err := file.order(); err != nil {
		return nil, fmt.Errorf("backlog %s: %w", path, err)
	}
	return &file, nil
}

// Import loads a backlog file and inserts its tasks in dependency order, so
// every task's dependencies already exist when it is added. Returns the
// number of tasks inserted.
func Import(ctx context.Context, store Store, path string) (int, error) {
	file, err := Load(path)
	if err != nil {
		return 0, err
	}

	order, err := file.order()
	if err != nil {
		return 0, err
	}

	byID := make(map[string]Item, len(file.Tasks))
	for _, item := range file.Tasks {
		byID[item.ID] = item
	}

	for i, id := range order {
		item := byID[id]
		task := &queue.Task{
			ID:        item.ID,
			Title:     item.Title,
			Prompt:    item.Prompt,
			Priority:  item.Priority,
			DependsOn: item.DependsOn,
		}
		if err := store.Add(ctx, task); err != nil {
			return i, fmt.Errorf("adding task %q: %w", id, err)
		}
	}
	return len(order), nil
}

// order validates the file and returns its task IDs topologically sorted,
// dependencies first.
func (f *File) order() ([]string, error) {
	seen := make(map[string]bool, len(f.Tasks))
	for _, item := range f.Tasks {
		if item.ID == "" {
			return nil, fmt.Errorf("task with empty id (title %q)", item.Title)
		}
		if strings.ContainsAny(item.ID, " \t\n/") {
			return nil, fmt.Errorf("task id %q contains whitespace or '/'", item.ID)
		}
		if item.Prompt == "" {
			return nil, fmt.Errorf("task %q has no prompt", item.ID)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("duplicate task id %q", item.ID)
		}
		seen[item.ID] = true
	}

	for _, item := range f.Tasks {
		for _, dep := range item.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("task %q depends on undeclared task %q", item.ID, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, item := range f.Tasks {
		if len(item.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, item.ID})
		} else {
			for _, dep := range item.DependsOn {
				edges = append(edges, toposort.Edge{dep, item.ID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	order := make([]string, 0, len(f.Tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
