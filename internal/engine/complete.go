package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// Complete finishes a running run successfully.
func Complete(conn sqlexec.Conn, queue, runID, resultJSON string) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.JSON("result", resultJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run, err := loadRunForMutation(conn, queue, runID)
	if err != nil {
		return err
	}
	if run.State != RunRunning {
		return fmt.Errorf("%w: run %q is %q, not running", ErrState, runID, run.State)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}

	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET state = ?, completed_at = ?, result = jsonb(?) WHERE queue_name = ? AND run_id = ?
	`, RunCompleted, now, nullableText(resultJSON), queue, runID); err != nil {
		return fmt.Errorf("complete: updating run: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `
		UPDATE tasks SET state = ?, completed_payload = jsonb(?), last_attempt_run = ?
		WHERE queue_name = ? AND task_id = ?
	`, TaskCompleted, nullableText(resultJSON), runID, queue, run.TaskID); err != nil {
		return fmt.Errorf("complete: updating task: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND run_id = ?`, queue, runID); err != nil {
		return fmt.Errorf("complete: clearing waits: %w", err)
	}
	return nil
}

// runForMutation is the row shape every run-scoped mutation (complete,
// fail, schedule, extend_claim, checkpoint) needs before acting.
type runForMutation struct {
	RunID          string
	TaskID         string
	Attempt        int
	State          string
	ClaimExpiresAt *int64
	RetryStrategy  string
	MaxAttempts    *int64
	Cancellation   string
	FirstStartedAt *int64
	TaskState      string
}

func loadRunForMutation(conn sqlexec.Conn, queue, runID string) (runForMutation, error) {
	row, err := sqlexec.QueryRow(conn, `
		SELECT r.run_id, r.task_id, r.attempt, r.state, r.claim_expires_at,
		       coalesce(json(t.retry_strategy), '') as retry_strategy, t.max_attempts,
		       coalesce(json(t.cancellation), '') as cancellation, t.first_started_at, t.state
		FROM runs r JOIN tasks t ON t.queue_name = r.queue_name AND t.task_id = r.task_id
		WHERE r.queue_name = ? AND r.run_id = ?
	`, queue, runID)
	if err != nil {
		return runForMutation{}, fmt.Errorf("loading run: %w", err)
	}
	if row == nil {
		return runForMutation{}, fmt.Errorf("%w: run %q", ErrNotFound, runID)
	}
	out := runForMutation{
		RunID:         row.String(0),
		TaskID:        row.String(1),
		Attempt:       int(row.Int64(2)),
		State:         row.String(3),
		RetryStrategy: row.String(5),
		Cancellation:  row.String(7),
		TaskState:     row.String(9),
	}
	if v, ok := row.NullInt64(4); ok {
		out.ClaimExpiresAt = &v
	}
	if v, ok := row.NullInt64(6); ok {
		out.MaxAttempts = &v
	}
	if v, ok := row.NullInt64(8); ok {
		out.FirstStartedAt = &v
	}
	return out, nil
}
