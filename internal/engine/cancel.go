package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// CancelTask cancels taskID and every non-terminal run beneath it. Already
// terminal tasks are left untouched: cancel_task is idempotent.
func CancelTask(conn sqlexec.Conn, queue, taskID string) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	row, err := sqlexec.QueryRow(conn, `SELECT state FROM tasks WHERE queue_name = ? AND task_id = ?`, queue, taskID)
	if err != nil {
		return fmt.Errorf("cancel_task: %w", err)
	}
	if row == nil {
		return fmt.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	if isTerminalTaskState(row.String(0)) {
		return nil
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}
	return cancelTaskAndRuns(conn, queue, taskID, now)
}
