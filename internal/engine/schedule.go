package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// Schedule moves a running run to sleeping until wakeAt, for workers
// voluntarily yielding until a future instant.
func Schedule(conn sqlexec.Conn, queue, runID string, wakeAt int64) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run, err := loadRunForMutation(conn, queue, runID)
	if err != nil {
		return err
	}
	if run.State != RunRunning {
		return fmt.Errorf("%w: run %q is %q, not running", ErrState, runID, run.State)
	}

	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET
			state = ?, available_at = ?, claimed_by = NULL, claim_expires_at = NULL, wake_event = NULL
		WHERE queue_name = ? AND run_id = ?
	`, RunSleeping, wakeAt, queue, runID); err != nil {
		return fmt.Errorf("schedule: updating run: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `
		UPDATE tasks SET state = ? WHERE queue_name = ? AND task_id = ?
	`, TaskSleeping, queue, run.TaskID); err != nil {
		return fmt.Errorf("schedule: updating task: %w", err)
	}
	return nil
}

// ExtendClaim pushes a running run's claim_expires_at further out.
// Rejects runs that aren't running, don't hold a claim, or belong to a
// cancelled task.
func ExtendClaim(conn sqlexec.Conn, queue, runID string, extendBySecs int64) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.PositiveInt("extend_by_secs", extendBySecs); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run, err := loadRunForMutation(conn, queue, runID)
	if err != nil {
		return err
	}
	if run.State != RunRunning || run.ClaimExpiresAt == nil {
		return fmt.Errorf("%w: run %q does not hold an active claim", ErrState, runID)
	}
	if run.TaskState == TaskCancelled {
		return fmt.Errorf("%w: task %q is cancelled", ErrCancelled, run.TaskID)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}
	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET claim_expires_at = ? WHERE queue_name = ? AND run_id = ?
	`, now+extendBySecs*1000, queue, runID); err != nil {
		return fmt.Errorf("extend_claim: %w", err)
	}
	return nil
}
