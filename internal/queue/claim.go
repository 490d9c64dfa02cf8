package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, title, prompt, priority, status, attempts, last_error, branch, claimed_by, lease_expires_at`

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	task := &Task{}
	var leaseUnix int64
	err := row.Scan(&task.ID, &task.Title, &task.Prompt, &task.Priority, &task.Status,
		&task.Attempts, &task.LastError, &task.Branch, &task.ClaimedBy, &leaseUnix)
	if err != nil {
		return nil, err
	}
	if leaseUnix > 0 {
		task.LeaseExpires = time.Unix(leaseUnix, 0)
	}
	return task, nil
}

// loadDependencies fills task.DependsOn inside the given transaction.
func loadDependencies(ctx context.Context, tx *sql.Tx, task *Task) error {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, task.ID)
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

// readyPredicate selects pending tasks under the attempt limit whose
// dependencies have all passed. Shared by ClaimNextReady and Ready.
const readyPredicate = `
	t.status = ? AND t.attempts < ?
	AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = t.id AND dep.status != ?
	)`

// ClaimNextReady atomically claims the lowest (priority, id) ready task for
// the given worker. Returns nil if no task is ready. The claim runs in a
// single write transaction, so under concurrent callers exactly one worker
// receives any given task.
func (s *Store) ClaimNextReady(ctx context.Context, workerID string) (*Task, error) {
	var claimed *Task
	err := withRetry(ctx, func() error {
		claimed = nil

		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks t
			WHERE `+readyPredicate+`
			ORDER BY t.priority, t.id
			LIMIT 1
		`, StatusPending, s.opts.MaxAttempts, StatusPassing)

		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return nil // Nothing ready
		}
		if err != nil {
			return fmt.Errorf("failed to select ready task: %w", err)
		}

		now := s.now()
		expires := now.Add(s.opts.LeaseTimeout)

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?
		`, StatusInProgress, workerID, expires.Unix(), task.ID, StatusPending)
		if err != nil {
			return fmt.Errorf("failed to claim task %s: %w", task.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected != 1 {
			return nil // Raced; treat as nothing ready, caller will retry on its own cadence
		}

		if err := openAttempt(ctx, tx, task.ID, workerID, now); err != nil {
			return err
		}
		if err := loadDependencies(ctx, tx, task); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit claim: %w", err)
		}

		task.Status = StatusInProgress
		task.ClaimedBy = workerID
		task.LeaseExpires = expires
		claimed = task
		return nil
	})
	return claimed, err
}

// Heartbeat extends the lease on a task by the lease timeout, if and only if
// the task is still in progress and held by the given worker. Returns false
// when the lease has been lost: the caller must abandon its work on the task
// without touching the store further.
func (s *Store) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	var renewed bool
	err := withRetry(ctx, func() error {
		expires := s.now().Add(s.opts.LeaseTimeout)
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by = ?
		`, expires.Unix(), taskID, StatusInProgress, workerID)
		if err != nil {
			return fmt.Errorf("failed to heartbeat task %s: %w", taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		renewed = affected == 1
		return nil
	})
	return renewed, err
}

// ReleaseClaim returns a claimed task to pending without consuming an
// attempt. Used when a worker voluntarily abandons work, e.g. on shutdown.
func (s *Store) ReleaseClaim(ctx context.Context, taskID, workerID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = '', lease_expires_at = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by = ?
		`, StatusPending, taskID, StatusInProgress, workerID)
		if err != nil {
			return fmt.Errorf("failed to release task %s: %w", taskID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			if err := closeAttempt(ctx, tx, taskID, "released", "", s.now()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkPassing records a successfully merged task. Terminal and idempotent.
func (s *Store) MarkPassing(ctx context.Context, taskID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = '', lease_expires_at = 0, last_error = '', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status != ?
		`, StatusPassing, taskID, StatusPassing)
		if err != nil {
			return fmt.Errorf("failed to mark task %s passing: %w", taskID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			if err := closeAttempt(ctx, tx, taskID, "passing", "", s.now()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkFailed records an execution failure. Increments attempts and requeues
// the task as pending, or blocks it once attempts reach the limit. The task
// branch is cleared unless preserveBranch is set (letting the next attempt
// continue from the same branch). A no-op on tasks already blocked or
// passing, so attempts never move after a task reaches a terminal state.
func (s *Store) MarkFailed(ctx context.Context, taskID, reason string, preserveBranch bool) error {
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var status Status
		var attempts int
		err = tx.QueryRowContext(ctx, `SELECT status, attempts FROM tasks WHERE id = ?`, taskID).Scan(&status, &attempts)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task not found: %s", taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to query task %s: %w", taskID, err)
		}
		if status == StatusBlocked || status == StatusPassing {
			return tx.Commit()
		}

		attempts++
		next := StatusPending
		if attempts >= s.opts.MaxAttempts {
			next = StatusBlocked
		}

		branchExpr := ", branch = ''"
		if preserveBranch {
			branchExpr = ""
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempts = ?, last_error = ?, claimed_by = '', lease_expires_at = 0, updated_at = CURRENT_TIMESTAMP`+branchExpr+`
			WHERE id = ?
		`, next, attempts, reason, taskID)
		if err != nil {
			return fmt.Errorf("failed to mark task %s failed: %w", taskID, err)
		}

		if err := closeAttempt(ctx, tx, taskID, "failed", reason, s.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkConflict records a merge conflict (or a rejected review). The work is
// not wrong, only un-mergeable, so attempts are NOT incremented; the task
// stays in conflict until an operator resets it.
func (s *Store) MarkConflict(ctx context.Context, taskID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = '', lease_expires_at = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?
		`, StatusConflict, taskID, StatusInProgress)
		if err != nil {
			return fmt.Errorf("failed to mark task %s conflicted: %w", taskID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			if err := closeAttempt(ctx, tx, taskID, "conflict", "", s.now()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ReclaimStale finds in-progress tasks whose lease has expired and resets
// them to pending with the lease cleared. The returned tasks are snapshots
// from before the reset, so callers can report who held each lease.
// Attempts are not incremented: the work may simply have been interrupted.
func (s *Store) ReclaimStale(ctx context.Context) ([]*Task, error) {
	var reclaimed []*Task
	err := withRetry(ctx, func() error {
		reclaimed = nil

		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks t
			WHERE t.status = ? AND t.lease_expires_at > 0 AND t.lease_expires_at < ?
			ORDER BY t.id
		`, StatusInProgress, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to query stale tasks: %w", err)
		}
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale task: %w", err)
			}
			reclaimed = append(reclaimed, task)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating stale tasks: %w", err)
		}
		rows.Close()

		for _, task := range reclaimed {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, claimed_by = '', lease_expires_at = 0, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?
			`, StatusPending, task.ID, StatusInProgress)
			if err != nil {
				return fmt.Errorf("failed to reclaim task %s: %w", task.ID, err)
			}
			if err := closeAttempt(ctx, tx, task.ID, "reclaimed", "lease expired", now); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	return reclaimed, err
}

// SetBranch records the task branch created for a claim. Only the worker
// holding the lease may set it.
func (s *Store) SetBranch(ctx context.Context, taskID, workerID, branch string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET branch = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND claimed_by = ? AND status = ?
		`, branch, taskID, workerID, StatusInProgress)
		if err != nil {
			return fmt.Errorf("failed to set branch for task %s: %w", taskID, err)
		}
		return nil
	})
}
