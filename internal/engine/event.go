package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// farFutureSentinelMS stands in for "no timeout" on a sleeping run's
// available_at: a run waiting on an event with no deadline must never be
// picked up by claim's eligibility scan on its own, only by emit_event
// waking it explicitly.
const farFutureSentinelMS = 4102444800000 // 2100-01-01T00:00:00Z

// AwaitEvent implements the suspension half of the await/emit protocol.
// should_suspend=false means the call resolved synchronously
// (via checkpoint replay or an already-delivered payload); true means the
// caller must yield -- the run has been moved to sleeping.
func AwaitEvent(conn sqlexec.Conn, queue, taskID, runID, stepName, eventName string, timeoutSecs *int64) (AwaitResult, error) {
	if err := validate.Name("queue_name", queue); err != nil {
		return AwaitResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Name("step_name", stepName); err != nil {
		return AwaitResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Name("event_name", eventName); err != nil {
		return AwaitResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Step 1: checkpoint replay.
	if state, found, err := GetCheckpointState(conn, queue, taskID, stepName); err != nil {
		return AwaitResult{}, err
	} else if found && state != "" {
		return AwaitResult{ShouldSuspend: false, Payload: state, HasPayload: true}, nil
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return AwaitResult{}, err
	}

	// Step 2: ensure a placeholder event row exists so a later emit has
	// somewhere to write.
	if _, err := sqlexec.Exec(conn, `
		INSERT INTO events (queue_name, event_name, payload, emitted_at) VALUES (?, ?, NULL, 0)
		ON CONFLICT(queue_name, event_name) DO NOTHING
	`, queue, eventName); err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: ensuring event row: %w", err)
	}

	// Step 3: read the run and its task.
	run, err := loadRunForMutation(conn, queue, runID)
	if err != nil {
		return AwaitResult{}, err
	}
	if run.TaskState == TaskCancelled {
		return AwaitResult{}, fmt.Errorf("%w: task %q is cancelled", ErrCancelled, taskID)
	}

	// Step 4: read the current event payload.
	eventRow, err := sqlexec.QueryRow(conn, `SELECT coalesce(json(payload), '') as payload FROM events WHERE queue_name = ? AND event_name = ?`, queue, eventName)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: reading event: %w", err)
	}
	var eventPayload string
	var eventHasPayload bool
	if eventRow != nil {
		eventPayload, eventHasPayload = eventRow.NullString(0)
		if eventPayload == "" {
			eventHasPayload = false
		}
	}

	// Step 5: consume a pending payload previously delivered by emit.
	runPayloadRow, err := sqlexec.QueryRow(conn, `SELECT coalesce(json(event_payload), '') as event_payload FROM runs WHERE queue_name = ? AND run_id = ?`, queue, runID)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: reading run payload: %w", err)
	}
	var resolved string
	var hasResolved bool
	if runPayloadRow != nil {
		if pending, ok := runPayloadRow.NullString(0); ok && pending != "" {
			if _, err := sqlexec.Exec(conn, `UPDATE runs SET event_payload = NULL WHERE queue_name = ? AND run_id = ?`, queue, runID); err != nil {
				return AwaitResult{}, fmt.Errorf("await_event: clearing pending payload: %w", err)
			}
			if pending == eventPayload {
				resolved, hasResolved = pending, true
			}
		}
	}

	// Step 6: require a live worker.
	if run.State != RunRunning {
		return AwaitResult{}, fmt.Errorf("%w: run %q is %q, not running", ErrState, runID, run.State)
	}

	// Step 7: fall back to the event's current payload if still unresolved.
	if !hasResolved && eventHasPayload {
		resolved, hasResolved = eventPayload, true
	}

	// Step 8: resolved synchronously -- memoize and return.
	if hasResolved {
		if err := upsertCheckpoint(conn, queue, taskID, stepName, resolved, runID, now); err != nil {
			return AwaitResult{}, fmt.Errorf("await_event: %w", err)
		}
		return AwaitResult{ShouldSuspend: false, Payload: resolved, HasPayload: true}, nil
	}

	// Step 9: spurious re-await after a null-payload wake.
	runWakeRow, err := sqlexec.QueryRow(conn, `SELECT wake_event FROM runs WHERE queue_name = ? AND run_id = ?`, queue, runID)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: reading wake_event: %w", err)
	}
	if runWakeRow != nil {
		if wake, ok := runWakeRow.NullString(0); ok && wake == eventName {
			if _, err := sqlexec.Exec(conn, `UPDATE runs SET wake_event = NULL WHERE queue_name = ? AND run_id = ?`, queue, runID); err != nil {
				return AwaitResult{}, fmt.Errorf("await_event: clearing wake_event: %w", err)
			}
			return AwaitResult{ShouldSuspend: false, HasPayload: false}, nil
		}
	}

	// Step 10: suspend. Insert/replace the wait, move the run and task to
	// sleeping.
	var timeoutAt any
	availableAt := int64(farFutureSentinelMS)
	if timeoutSecs != nil {
		t := now + *timeoutSecs*1000
		timeoutAt = t
		availableAt = t
	}
	if _, err := sqlexec.Exec(conn, `
		INSERT INTO waits (queue_name, run_id, step_name, task_id, event_name, timeout_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue_name, run_id, step_name) DO UPDATE SET
			task_id = excluded.task_id,
			event_name = excluded.event_name,
			timeout_at = excluded.timeout_at,
			created_at = excluded.created_at
	`, queue, runID, stepName, taskID, eventName, timeoutAt, now); err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: inserting wait: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `
		UPDATE runs SET
			state = ?, claimed_by = NULL, claim_expires_at = NULL,
			available_at = ?, wake_event = ?, event_payload = NULL
		WHERE queue_name = ? AND run_id = ?
	`, RunSleeping, availableAt, eventName, queue, runID); err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: suspending run: %w", err)
	}
	if _, err := sqlexec.Exec(conn, `UPDATE tasks SET state = ? WHERE queue_name = ? AND task_id = ?`, TaskSleeping, queue, taskID); err != nil {
		return AwaitResult{}, fmt.Errorf("await_event: suspending task: %w", err)
	}

	return AwaitResult{ShouldSuspend: true, HasPayload: false}, nil
}

// EmitEvent delivers payload to an event, waking every run currently
// waiting on it. payload == "" with hasPayload=false stores a
// JSON null payload.
func EmitEvent(conn sqlexec.Conn, queue, eventName, payload string, hasPayload bool) error {
	if err := validate.Name("queue_name", queue); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Name("event_name", eventName); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if hasPayload {
		if err := validate.JSON("payload", payload); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return err
	}

	// An absent payload is stored as JSON null, not SQL NULL: a SQL NULL
	// payload marks the placeholder row await_event inserts before any emit,
	// and the two must stay distinguishable.
	storedPayload := payload
	if !hasPayload {
		storedPayload = "null"
	}
	if _, err := sqlexec.Exec(conn, `
		INSERT INTO events (queue_name, event_name, payload, emitted_at) VALUES (?, ?, jsonb(?), ?)
		ON CONFLICT(queue_name, event_name) DO UPDATE SET payload = excluded.payload, emitted_at = excluded.emitted_at
	`, queue, eventName, storedPayload, now); err != nil {
		return fmt.Errorf("emit_event: upserting event: %w", err)
	}

	if _, err := sqlexec.Exec(conn, `
		DELETE FROM waits WHERE queue_name = ? AND event_name = ? AND timeout_at IS NOT NULL AND timeout_at <= ?
	`, queue, eventName, now); err != nil {
		return fmt.Errorf("emit_event: clearing timed-out waits: %w", err)
	}

	waits, err := sqlexec.QueryAll(conn, `
		SELECT run_id, step_name, task_id FROM waits WHERE queue_name = ? AND event_name = ?
	`, queue, eventName)
	if err != nil {
		return fmt.Errorf("emit_event: reading waits: %w", err)
	}

	for _, w := range waits {
		runID := w.String(0)
		stepName := w.String(1)
		taskID := w.String(2)

		n, err := sqlexec.Exec(conn, `
			UPDATE runs SET
				state = ?, available_at = ?, wake_event = NULL, event_payload = jsonb(?),
				claimed_by = NULL, claim_expires_at = NULL
			WHERE queue_name = ? AND run_id = ? AND state = ?
		`, RunPending, now, storedPayload, queue, runID, RunSleeping)
		if err != nil {
			return fmt.Errorf("emit_event: waking run: %w", err)
		}
		if n == 0 {
			if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND run_id = ? AND step_name = ?`, queue, runID, stepName); err != nil {
				return fmt.Errorf("emit_event: clearing stale wait: %w", err)
			}
			continue
		}

		if err := upsertCheckpoint(conn, queue, taskID, stepName, storedPayload, runID, now); err != nil {
			return fmt.Errorf("emit_event: %w", err)
		}
		if _, err := sqlexec.Exec(conn, `UPDATE tasks SET state = ? WHERE queue_name = ? AND task_id = ?`, TaskPending, queue, taskID); err != nil {
			return fmt.Errorf("emit_event: waking task: %w", err)
		}
		if _, err := sqlexec.Exec(conn, `DELETE FROM waits WHERE queue_name = ? AND run_id = ? AND step_name = ?`, queue, runID, stepName); err != nil {
			return fmt.Errorf("emit_event: removing wait: %w", err)
		}
	}

	return nil
}
