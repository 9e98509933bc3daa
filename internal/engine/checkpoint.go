package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// SetCheckpointState memoizes a step's output so retries can skip replayed
// work. A write is silently discarded if a later attempt
// already owns the checkpoint -- a stale worker from an earlier attempt
// must never clobber a newer one.
func SetCheckpointState(conn sqlexec.Conn, queue, taskID, stepName, stateJSON, ownerRunID string, extendClaimBySecs *int64) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Name("step_name", stepName); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.NonEmptyJSON("state", stateJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	owner, err := loadRunForMutation(conn, queue, ownerRunID)
	if err != nil {
		return err
	}
	if owner.TaskState == TaskCancelled {
		return fmt.Errorf("%w: task %q is cancelled", ErrCancelled, taskID)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}

	if extendClaimBySecs != nil && *extendClaimBySecs > 0 && owner.State == RunRunning && owner.ClaimExpiresAt != nil {
		if _, err := sqlexec.Exec(conn, `
			UPDATE runs SET claim_expires_at = ? WHERE queue_name = ? AND run_id = ?
		`, now+*extendClaimBySecs*1000, queue, ownerRunID); err != nil {
			return fmt.Errorf("set_task_checkpoint_state: extending claim: %w", err)
		}
	}

	_, existingAttempt, hasExisting, err := checkpointOwner(conn, queue, taskID, stepName)
	if err != nil {
		return fmt.Errorf("set_task_checkpoint_state: %w", err)
	}
	if hasExisting && existingAttempt > owner.Attempt {
		return nil
	}

	return upsertCheckpoint(conn, queue, taskID, stepName, stateJSON, ownerRunID, now)
}

// checkpointOwner reads the current owner of a checkpoint, if any, and the
// attempt number of the run that wrote it.
func checkpointOwner(conn sqlexec.Conn, queue, taskID, stepName string) (ownerRunID string, attempt int, found bool, err error) {
	row, err := sqlexec.QueryRow(conn, `
		SELECT owner_run_id FROM checkpoints WHERE queue_name = ? AND task_id = ? AND checkpoint_name = ?
	`, queue, taskID, stepName)
	if err != nil {
		return "", 0, false, err
	}
	if row == nil {
		return "", 0, false, nil
	}
	ownerRunID = row.String(0)
	run, err := loadRunForMutation(conn, queue, ownerRunID)
	if err != nil {
		// The owning run may have been cleaned up already; treat it as the
		// oldest possible attempt so a live writer always wins.
		return ownerRunID, 0, true, nil
	}
	return ownerRunID, run.Attempt, true, nil
}

// upsertCheckpoint writes a committed checkpoint unconditionally, used both
// by SetCheckpointState (after the stale-attempt check) and by the
// await/emit suspension protocol's checkpoint-on-resolve step.
func upsertCheckpoint(conn sqlexec.Conn, queue, taskID, stepName, stateJSON, ownerRunID string, now int64) error {
	_, err := sqlexec.Exec(conn, `
		INSERT INTO checkpoints (queue_name, task_id, checkpoint_name, state, status, owner_run_id, updated_at)
		VALUES (?, ?, ?, jsonb(?), 'committed', ?, ?)
		ON CONFLICT(queue_name, task_id, checkpoint_name) DO UPDATE SET
			state = excluded.state,
			status = 'committed',
			owner_run_id = excluded.owner_run_id,
			updated_at = excluded.updated_at
	`, queue, taskID, stepName, stateJSON, ownerRunID, now)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// CheckpointRow is one row of GetCheckpointStates.
type CheckpointRow struct {
	CheckpointName string `json:"checkpoint_name"`
	State          string `json:"state"`
	UpdatedAt      int64  `json:"updated_at"`
}

// GetCheckpointState reads a single checkpoint's committed state, if any.
func GetCheckpointState(conn sqlexec.Conn, queue, taskID, stepName string) (string, bool, error) {
	row, err := sqlexec.QueryRow(conn, `
		SELECT coalesce(json(state), '') as state FROM checkpoints
		WHERE queue_name = ? AND task_id = ? AND checkpoint_name = ? AND status = 'committed'
	`, queue, taskID, stepName)
	if err != nil {
		return "", false, fmt.Errorf("get_task_checkpoint_state: %w", err)
	}
	if row == nil {
		return "", false, nil
	}
	return row.String(0), true, nil
}

// GetCheckpointStates reads every committed checkpoint for a task.
func GetCheckpointStates(conn sqlexec.Conn, queue, taskID string) ([]CheckpointRow, error) {
	rows, err := sqlexec.QueryAll(conn, `
		SELECT checkpoint_name, coalesce(json(state), '') as state, updated_at FROM checkpoints
		WHERE queue_name = ? AND task_id = ? AND status = 'committed'
		ORDER BY updated_at ASC
	`, queue, taskID)
	if err != nil {
		return nil, fmt.Errorf("get_task_checkpoint_states: %w", err)
	}
	out := make([]CheckpointRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, CheckpointRow{CheckpointName: r.String(0), State: r.String(1), UpdatedAt: r.Int64(2)})
	}
	return out, nil
}
