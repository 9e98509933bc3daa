package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

const defaultCleanupLimit = 1000

// CleanupTasks deletes up to limit terminal tasks in queue whose terminal
// timestamp is older than now - ttlSecs*1000, oldest first, and returns
// how many were actually removed. Callers loop until it returns 0.
func CleanupTasks(conn sqlexec.Conn, queue string, ttlSecs int64, limit int64) (int64, error) {
	if err := validate.Name("queue_name", queue); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.NonNegativeInt("ttl_secs", ttlSecs); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return 0, err
	}
	cutoff := now - ttlSecs*1000

	// The terminal timestamp lives on the last attempt's run for completed
	// and failed tasks, and on the task itself for cancelled ones.
	rows, err := sqlexec.QueryAll(conn, `
		SELECT t.task_id FROM tasks t
		LEFT JOIN runs r ON r.queue_name = t.queue_name AND r.run_id = t.last_attempt_run
		WHERE t.queue_name = ? AND t.state IN (?, ?, ?)
		  AND CASE t.state
		        WHEN ? THEN r.completed_at
		        WHEN ? THEN r.failed_at
		        ELSE t.cancelled_at
		      END <= ?
		ORDER BY CASE t.state
		        WHEN ? THEN r.completed_at
		        WHEN ? THEN r.failed_at
		        ELSE t.cancelled_at
		      END ASC
		LIMIT ?
	`, queue, TaskCompleted, TaskFailed, TaskCancelled,
		TaskCompleted, TaskFailed, cutoff,
		TaskCompleted, TaskFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup_tasks: selecting candidates: %w", err)
	}

	var removed int64
	for _, r := range rows {
		taskID := r.String(0)
		// events are keyed by event_name, not task_id; cleanup_events
		// reclaims them separately.
		for _, table := range []string{"waits", "checkpoints", "runs", "tasks"} {
			if _, err := sqlexec.Exec(conn, `DELETE FROM `+table+` WHERE queue_name = ? AND task_id = ?`, queue, taskID); err != nil {
				return removed, fmt.Errorf("cleanup_tasks: deleting from %s: %w", table, err)
			}
		}
		removed++
	}
	return removed, nil
}

// CleanupEvents deletes up to limit events in queue whose emitted_at is
// older than now - ttlSecs*1000, analogous to CleanupTasks.
func CleanupEvents(conn sqlexec.Conn, queue string, ttlSecs int64, limit int64) (int64, error) {
	if err := validate.Name("queue_name", queue); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.NonNegativeInt("ttl_secs", ttlSecs); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return 0, err
	}
	cutoff := now - ttlSecs*1000

	n, err := sqlexec.Exec(conn, `
		DELETE FROM events WHERE rowid IN (
			SELECT rowid FROM events
			WHERE queue_name = ? AND emitted_at <= ?
			ORDER BY emitted_at ASC
			LIMIT ?
		)
	`, queue, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("cleanup_events: %w", err)
	}
	return n, nil
}
