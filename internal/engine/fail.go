package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// Fail marks a running or sleeping run failed and applies the shared
// retry-scheduling rule, optionally overriding the computed retry time with
// an explicit retryAt. Pass retryAt == nil to use the
// strategy-computed delay.
func Fail(conn sqlexec.Conn, queue, runID, reasonJSON string, retryAt *int64) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.NonEmptyJSON("reason", reasonJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run, err := loadRunForMutation(conn, queue, runID)
	if err != nil {
		return err
	}
	if run.State != RunRunning && run.State != RunSleeping {
		return fmt.Errorf("%w: run %q is %q, not running or sleeping", ErrState, runID, run.State)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}

	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET
			state = ?, failed_at = ?, failure_reason = jsonb(?),
			claimed_by = NULL, claim_expires_at = NULL
		WHERE queue_name = ? AND run_id = ?
	`, RunFailed, now, reasonJSON, queue, runID); err != nil {
		return fmt.Errorf("fail: updating run: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND run_id = ?`, queue, runID); err != nil {
		return fmt.Errorf("fail: clearing waits: %w", err)
	}

	_, err = scheduleRetryOrTerminate(conn, retryContext{
		Queue:           queue,
		TaskID:          run.TaskID,
		FailedRunID:     runID,
		FailedAttempt:   run.Attempt,
		MaxAttempts:     run.MaxAttempts,
		RetryStrategy:   run.RetryStrategy,
		Cancellation:    run.Cancellation,
		FirstStartedAt:  run.FirstStartedAt,
		Now:             now,
		RetryAtOverride: retryAt,
	})
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}
