package engine

import (
	"encoding/json"
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/retrypolicy"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// Claim runs claim's three stages -- cancellation sweep, claim-expiry
// retry, select-and-claim -- in order, all against the caller's already
// open transaction.
func Claim(conn sqlexec.Conn, queue, workerID string, claimTimeoutSecs int64, qty int64) ([]ClaimedRun, error) {
	if err := validate.Name("queue_name", queue); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id must not be empty", ErrValidation)
	}
	if err := validate.NonNegativeInt("claim_timeout_secs", claimTimeoutSecs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.PositiveInt("qty", qty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return nil, err
	}

	if err := cancellationSweep(conn, queue, now); err != nil {
		return nil, err
	}
	if err := claimExpiryRetry(conn, queue, now); err != nil {
		return nil, err
	}
	return selectAndClaim(conn, queue, workerID, claimTimeoutSecs, qty, now)
}

// cancellationSweep is Stage A: tasks that have overstayed a configured
// cancellation window are cancelled, along with every non-terminal run
// underneath them.
func cancellationSweep(conn sqlexec.Conn, queue string, now int64) error {
	rows, err := sqlexec.QueryAll(conn, `
		SELECT task_id, json(cancellation) as cancellation, enqueue_at, first_started_at
		FROM tasks
		WHERE queue_name = ? AND state IN (?, ?, ?) AND cancellation IS NOT NULL
	`, queue, TaskPending, TaskSleeping, TaskRunning)
	if err != nil {
		return fmt.Errorf("claim: cancellation sweep: %w", err)
	}

	for _, r := range rows {
		taskID := r.String(0)
		cancellationJSON := r.String(1)
		enqueueAt := r.Int64(2)
		firstStartedAt, hasStarted := r.NullInt64(3)

		c := retrypolicy.ParseCancellation(cancellationJSON)
		shouldCancel := false
		if c.MaxDelayMS != nil && !hasStarted && now-enqueueAt >= *c.MaxDelayMS {
			shouldCancel = true
		}
		if c.MaxDurationMS != nil && hasStarted && now-firstStartedAt >= *c.MaxDurationMS {
			shouldCancel = true
		}
		if !shouldCancel {
			continue
		}

		if err := cancelTaskAndRuns(conn, queue, taskID, now); err != nil {
			return fmt.Errorf("claim: cancellation sweep: %w", err)
		}
	}
	return nil
}

// cancelTaskAndRuns marks taskID cancelled and every non-terminal run
// beneath it cancelled, clearing claim fields and waits -- the shared tail
// of cancellation sweep and cancel_task.
func cancelTaskAndRuns(conn sqlexec.Conn, queue, taskID string, now int64) error {
	if _, err := sqlexec.Exec(conn, `
		UPDATE tasks SET state = ?, cancelled_at = ? WHERE queue_name = ? AND task_id = ?
	`, TaskCancelled, now, queue, taskID); err != nil {
		return err
	}
	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET
			state = ?, claimed_by = NULL, claim_expires_at = NULL,
			available_at = ?, wake_event = NULL
		WHERE queue_name = ? AND task_id = ? AND state NOT IN (?, ?, ?)
	`, RunCancelled, now, queue, taskID, RunCompleted, RunFailed, RunCancelled); err != nil {
		return err
	}
	if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND task_id = ?`, queue, taskID); err != nil {
		return err
	}
	return nil
}

// claimTimeoutReason is the synthetic failure_reason object recorded when a
// running run's claim expires before it completed.
type claimTimeoutReason struct {
	Name           string `json:"name"`
	Message        string `json:"message"`
	WorkerID       string `json:"workerId"`
	ClaimExpiredAt int64  `json:"claimExpiredAt"`
	Attempt        int    `json:"attempt"`
}

// claimExpiryRetry is Stage B: runs left claimed past their claim_expires_at
// are failed and rescheduled (or terminated) via the shared retry rule.
func claimExpiryRetry(conn sqlexec.Conn, queue string, now int64) error {
	rows, err := sqlexec.QueryAll(conn, `
		SELECT r.run_id, r.task_id, r.attempt, r.claimed_by,
		       coalesce(json(t.retry_strategy), '') as retry_strategy, t.max_attempts,
		       coalesce(json(t.cancellation), '') as cancellation, t.first_started_at
		FROM runs r JOIN tasks t ON t.queue_name = r.queue_name AND t.task_id = r.task_id
		WHERE r.queue_name = ? AND r.state = ? AND r.claim_expires_at IS NOT NULL AND r.claim_expires_at <= ?
	`, queue, RunRunning, now)
	if err != nil {
		return fmt.Errorf("claim: claim-expiry retry: %w", err)
	}

	for _, r := range rows {
		runID := r.String(0)
		taskID := r.String(1)
		attempt := int(r.Int64(2))
		claimedBy := r.String(3)
		retryStrategy := r.String(4)
		maxAttempts, hasMax := r.NullInt64(5)
		cancellationJSON := r.String(6)
		firstStartedAt, hasStarted := r.NullInt64(7)

		reason, err := json.Marshal(claimTimeoutReason{
			Name:           ClaimTimeoutReasonName,
			Message:        "claim expired before the run completed",
			WorkerID:       claimedBy,
			ClaimExpiredAt: now,
			Attempt:        attempt,
		})
		if err != nil {
			return fmt.Errorf("claim: claim-expiry retry: encoding failure reason: %w", err)
		}

		if _, err := sqlexec.Exec(conn, `
			UPDATE runs SET
				state = ?, failed_at = ?, failure_reason = jsonb(?),
				claimed_by = NULL, claim_expires_at = NULL
			WHERE queue_name = ? AND run_id = ?
		`, RunFailed, now, string(reason), queue, runID); err != nil {
			return fmt.Errorf("claim: claim-expiry retry: failing run: %w", err)
		}
		if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND run_id = ?`, queue, runID); err != nil {
			return fmt.Errorf("claim: claim-expiry retry: clearing waits: %w", err)
		}

		var maxAttemptsPtr *int64
		if hasMax {
			maxAttemptsPtr = &maxAttempts
		}
		var firstStartedPtr *int64
		if hasStarted {
			firstStartedPtr = &firstStartedAt
		}

		if _, err := scheduleRetryOrTerminate(conn, retryContext{
			Queue:          queue,
			TaskID:         taskID,
			FailedRunID:    runID,
			FailedAttempt:  attempt,
			MaxAttempts:    maxAttemptsPtr,
			RetryStrategy:  retryStrategy,
			Cancellation:   cancellationJSON,
			FirstStartedAt: firstStartedPtr,
			Now:            now,
		}); err != nil {
			return fmt.Errorf("claim: claim-expiry retry: %w", err)
		}
	}
	return nil
}

// selectAndClaim is Stage C: pick up to qty eligible runs in FIFO order and
// hand them to workerID.
func selectAndClaim(conn sqlexec.Conn, queue, workerID string, claimTimeoutSecs, qty int64, now int64) ([]ClaimedRun, error) {
	candidates, err := sqlexec.QueryAll(conn, `
		SELECT r.run_id, r.task_id, r.attempt, t.task_name, json(t.params) as params,
		       coalesce(json(t.retry_strategy), '') as retry_strategy,
		       t.max_attempts, coalesce(json(t.headers), '') as headers,
		       r.wake_event, coalesce(json(r.event_payload), '') as event_payload, r.state
		FROM runs r JOIN tasks t ON t.queue_name = r.queue_name AND t.task_id = r.task_id
		WHERE r.queue_name = ? AND r.state IN (?, ?) AND t.state IN (?, ?, ?) AND r.available_at <= ?
		ORDER BY r.available_at ASC, r.run_id ASC
		LIMIT ?
	`, queue, RunPending, RunSleeping, TaskPending, TaskSleeping, TaskRunning, now, qty)
	if err != nil {
		return nil, fmt.Errorf("claim: selecting candidates: %w", err)
	}

	var claimExpiresAt any
	if claimTimeoutSecs > 0 {
		claimExpiresAt = now + claimTimeoutSecs*1000
	}

	out := make([]ClaimedRun, 0, len(candidates))
	for _, r := range candidates {
		runID := r.String(0)
		taskID := r.String(1)
		attempt := int(r.Int64(2))
		wasSleeping := r.String(10) == RunSleeping

		if _, err := sqlexec.Exec(conn, `
			UPDATE runs SET
				state = ?, claimed_by = ?, claim_expires_at = ?, available_at = ?,
				started_at = CASE WHEN ? THEN ? ELSE started_at END
			WHERE queue_name = ? AND run_id = ?
		`, RunRunning, workerID, claimExpiresAt, now, wasSleeping, now, queue, runID); err != nil {
			return nil, fmt.Errorf("claim: claiming run: %w", err)
		}
		if _, err := sqlexec.Exec(conn, `
			UPDATE tasks SET
				state = ?, attempts = MAX(attempts, ?),
				first_started_at = COALESCE(first_started_at, ?),
				last_attempt_run = ?
			WHERE queue_name = ? AND task_id = ?
		`, TaskRunning, int64(attempt), now, runID, queue, taskID); err != nil {
			return nil, fmt.Errorf("claim: updating task: %w", err)
		}
		if _, err := sqlexec.Exec(conn, `
			DELETE FROM waits WHERE queue_name = ? AND run_id = ? AND timeout_at IS NOT NULL AND timeout_at <= ?
		`, queue, runID, now); err != nil {
			return nil, fmt.Errorf("claim: clearing expired waits: %w", err)
		}

		maxAttempts, hasMax := r.NullInt64(6)
		var maxAttemptsPtr *int64
		if hasMax {
			maxAttemptsPtr = &maxAttempts
		}

		out = append(out, ClaimedRun{
			RunID:         runID,
			TaskID:        taskID,
			Attempt:       attempt,
			TaskName:      r.String(3),
			Params:        r.String(4),
			RetryStrategy: r.String(5),
			MaxAttempts:   maxAttemptsPtr,
			Headers:       r.String(7),
			WakeEvent:     r.String(8),
			EventPayload:  r.String(9),
		})
	}
	return out, nil
}
