package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/ids"
	"github.com/Napageneral/taskengine/internal/retrypolicy"
	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// retryContext carries everything the shared retry-scheduling rule (used
// by claim-expiry reconciliation and by Fail) needs about the run that
// just failed.
type retryContext struct {
	Queue           string
	TaskID          string
	FailedRunID     string
	FailedAttempt   int
	MaxAttempts     *int64
	RetryStrategy   string
	Cancellation    string
	FirstStartedAt  *int64
	Now             int64
	RetryAtOverride *int64
}

// retryOutcome reports what happened to the task after scheduling: either a
// fresh run (non-empty NewRunID) or a terminal classification.
type retryOutcome struct {
	TaskState   string
	NewRunID    string
	CancelledAt *int64
}

// scheduleRetryOrTerminate applies the single retry-scheduling rule shared
// by claim's Stage B and fail: bump the
// attempt, terminate if max_attempts is exhausted or the cancellation
// max_duration window has elapsed, otherwise insert the next run.
func scheduleRetryOrTerminate(conn sqlexec.Conn, ctx retryContext) (retryOutcome, error) {
	nextAttempt := ctx.FailedAttempt + 1

	// Terminal branches keep the failed run as last_attempt_run, so the
	// attempts highwater stays at its attempt number.
	if ctx.MaxAttempts != nil && int64(nextAttempt) > *ctx.MaxAttempts {
		if err := updateTaskAfterRun(conn, ctx.Queue, ctx.TaskID, TaskFailed, ctx.FailedAttempt, ctx.FailedRunID, nil); err != nil {
			return retryOutcome{}, err
		}
		return retryOutcome{TaskState: TaskFailed}, nil
	}

	var nextAvailable int64
	if ctx.RetryAtOverride != nil {
		nextAvailable = *ctx.RetryAtOverride
	} else {
		nextAvailable = ctx.Now + retrypolicy.DelayMS(ctx.RetryStrategy, nextAttempt)
	}
	if nextAvailable < ctx.Now {
		nextAvailable = ctx.Now
	}

	cancellation := retrypolicy.ParseCancellation(ctx.Cancellation)
	if cancellation.MaxDurationMS != nil && ctx.FirstStartedAt != nil && *ctx.FirstStartedAt > 0 {
		if nextAvailable-*ctx.FirstStartedAt >= *cancellation.MaxDurationMS {
			now := ctx.Now
			if err := updateTaskAfterRun(conn, ctx.Queue, ctx.TaskID, TaskCancelled, ctx.FailedAttempt, ctx.FailedRunID, &now); err != nil {
				return retryOutcome{}, err
			}
			return retryOutcome{TaskState: TaskCancelled, CancelledAt: &now}, nil
		}
	}

	newRunID := ids.New()
	state := RunPending
	if nextAvailable > ctx.Now {
		state = RunSleeping
	}
	if _, err := sqlexec.Exec(conn, `
		INSERT INTO runs (queue_name, run_id, task_id, attempt, state, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ctx.Queue, newRunID, ctx.TaskID, int64(nextAttempt), state, nextAvailable, ctx.Now); err != nil {
		return retryOutcome{}, fmt.Errorf("schedule retry: inserting run: %w", err)
	}
	if err := updateTaskAfterRun(conn, ctx.Queue, ctx.TaskID, state, nextAttempt, newRunID, nil); err != nil {
		return retryOutcome{}, err
	}
	return retryOutcome{TaskState: state, NewRunID: newRunID}, nil
}

// updateTaskAfterRun raises attempts to max(attempts, attempt), points
// last_attempt_run at runID, and sets the task's state -- stamping
// cancelled_at when cancelledAt is non-nil.
func updateTaskAfterRun(conn sqlexec.Conn, queue, taskID, state string, attempt int, runID string, cancelledAt *int64) error {
	var err error
	if cancelledAt != nil {
		_, err = sqlexec.Exec(conn, `
			UPDATE tasks SET
				attempts = MAX(attempts, ?),
				last_attempt_run = ?,
				state = ?,
				cancelled_at = ?
			WHERE queue_name = ? AND task_id = ?
		`, int64(attempt), runID, state, *cancelledAt, queue, taskID)
	} else {
		_, err = sqlexec.Exec(conn, `
			UPDATE tasks SET
				attempts = MAX(attempts, ?),
				last_attempt_run = ?,
				state = ?
			WHERE queue_name = ? AND task_id = ?
		`, int64(attempt), runID, state, queue, taskID)
	}
	if err != nil {
		return fmt.Errorf("schedule retry: updating task: %w", err)
	}
	return nil
}
