package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// validateTaskID rejects IDs that cannot become branch name components.
// Task IDs flow into task/<id>/<worker> branches, so whitespace and '/'
// would produce invalid or ambiguous refs.
func validateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if strings.ContainsAny(id, " \t\n/") {
		return fmt.Errorf("task id %q contains whitespace or '/'", id)
	}
	return nil
}

// Add inserts a new pending task. Dependencies must already exist and must
// not introduce a cycle; the whole insert is rejected otherwise.
func (s *Store) Add(ctx context.Context, task *Task) error {
	if err := validateTaskID(task.ID); err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, prompt, priority, status)
			VALUES (?, ?, ?, ?, ?)
		`, task.ID, task.Title, task.Prompt, task.Priority, StatusPending)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}

		if err := replaceDependencies(ctx, tx, task.ID, task.DependsOn); err != nil {
			return err
		}
		if err := checkAcyclic(ctx, tx, task.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetDependencies replaces a task's dependency set. Rejected without mutation
// if the resulting graph would contain a cycle reachable from the task.
func (s *Store) SetDependencies(ctx context.Context, taskID string, deps []string) error {
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task not found: %s", taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to query task %s: %w", taskID, err)
		}

		if err := replaceDependencies(ctx, tx, taskID, deps); err != nil {
			return err
		}
		if err := checkAcyclic(ctx, tx, taskID); err != nil {
			return err // Rollback leaves the previous dependency set intact
		}
		return tx.Commit()
	})
}

// replaceDependencies rewrites the dependency rows for a task inside tx.
func replaceDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range deps {
		if depID == taskID {
			return fmt.Errorf("task %s cannot depend on itself", taskID)
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, taskID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, depID, err)
		}
	}
	return nil
}

// checkAcyclic walks the dependency relation depth-first from the given task
// and rejects if the task is reachable from itself.
func checkAcyclic(ctx context.Context, tx *sql.Tx, taskID string) error {
	edges := make(map[string][]string)
	rows, err := tx.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies`)
	if err != nil {
		return fmt.Errorf("failed to load dependency graph: %w", err)
	}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating dependency edges: %w", err)
	}
	rows.Close()

	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == taskID && visited[taskID] {
			return true // Back at the start: cycle
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range edges[id] {
			if next == taskID {
				return true
			}
			if visit(next) {
				return true
			}
		}
		return false
	}
	visited[taskID] = true
	for _, next := range edges[taskID] {
		if next == taskID || visit(next) {
			return fmt.Errorf("dependency cycle detected through task %s", taskID)
		}
	}
	return nil
}

// Get returns a task by ID, including its dependencies.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if err := s.fillDependencies(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// List returns all tasks ordered by (priority, id).
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks t ORDER BY t.priority, t.id`)
}

// Ready returns the claimable tasks: pending, under the attempt limit, with
// every dependency passing. Read-only projection of the claim predicate.
func (s *Store) Ready(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE `+readyPredicate+`
		ORDER BY t.priority, t.id
	`, StatusPending, s.opts.MaxAttempts, StatusPassing)
}

// Blocked returns non-passing tasks that have at least one unmet dependency,
// each annotated with the dependency IDs holding it back.
func (s *Store) Blocked(ctx context.Context) ([]*BlockedTask, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status != ? AND EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND dep.status != ?
		)
		ORDER BY t.priority, t.id
	`, StatusPassing, StatusPassing)
	if err != nil {
		return nil, err
	}

	blocked := make([]*BlockedTask, 0, len(tasks))
	for _, task := range tasks {
		rows, err := s.db.QueryContext(ctx, `
			SELECT d.depends_on_id FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = ? AND dep.status != ?
			ORDER BY d.depends_on_id
		`, task.ID, StatusPassing)
		if err != nil {
			return nil, fmt.Errorf("failed to query blocking dependencies: %w", err)
		}
		bt := &BlockedTask{Task: task}
		for rows.Next() {
			var depID string
			if err := rows.Scan(&depID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan blocking dependency: %w", err)
			}
			bt.WaitingFor = append(bt.WaitingFor, depID)
		}
		rows.Close()
		blocked = append(blocked, bt)
	}
	return blocked, nil
}

// Stats returns task counts by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusPassing:
			stats.Passing = count
		case StatusBlocked:
			stats.Blocked = count
		case StatusConflict:
			stats.Conflict = count
		}
	}
	return stats, rows.Err()
}

// Reset manually returns a blocked or conflicted task to pending with a
// fresh attempt counter and no branch, making it claimable again.
func (s *Store) Reset(ctx context.Context, taskID string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempts = 0, last_error = '', branch = '', claimed_by = '', lease_expires_at = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?)
		`, StatusPending, taskID, StatusBlocked, StatusConflict)
		if err != nil {
			return fmt.Errorf("failed to reset task %s: %w", taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("task %s is not blocked or conflicted", taskID)
		}
		return nil
	})
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.fillDependencies(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Store) fillDependencies(ctx context.Context, task *Task) error {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	task.DependsOn = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	return rows.Err()
}
