package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// openAttempt appends a new attempt-log row when a claim begins.
func openAttempt(ctx context.Context, tx *sql.Tx, taskID, workerID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attempt_log (task_id, worker_id, started_at) VALUES (?, ?, ?)
	`, taskID, workerID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to open attempt record: %w", err)
	}
	return nil
}

// closeAttempt finalizes the most recent open attempt-log row for a task.
// A missing open row is not an error: some mutations (e.g. MarkFailed on a
// never-claimed task) have no claim cycle to close.
func closeAttempt(ctx context.Context, tx *sql.Tx, taskID, outcome, errText string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE attempt_log SET ended_at = ?, outcome = ?, error = ?
		WHERE id = (
			SELECT id FROM attempt_log
			WHERE task_id = ? AND ended_at = 0
			ORDER BY started_at DESC, id DESC LIMIT 1
		)
	`, now.Unix(), outcome, errText, taskID)
	if err != nil {
		return fmt.Errorf("failed to close attempt record: %w", err)
	}
	return nil
}

// Attempts returns the attempt history for a task, oldest first.
// Diagnostics only; the scheduler never consults this log.
func (s *Store) Attempts(ctx context.Context, taskID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker_id, started_at, ended_at, outcome, error
		FROM attempt_log WHERE task_id = ? ORDER BY started_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt log: %w", err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var started, ended int64
		if err := rows.Scan(&rec.TaskID, &rec.WorkerID, &started, &ended, &rec.Outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0)
		if ended > 0 {
			rec.EndedAt = time.Unix(ended, 0)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
