package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/ids"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// SpawnParams holds spawn's required fields and the JSON blobs packed
// into its options argument. Params defaults to "{}" if empty -- tasks
// always carry a params blob, never an absent one.
type SpawnParams struct {
	Queue          string
	Task           string
	Params         string
	Headers        string
	RetryStrategy  string
	MaxAttempts    *int64
	Cancellation   string
	IdempotencyKey string
}

// Spawn creates a task and its first run, or -- when an idempotency key
// collides with an existing task -- returns that task's identity
// unchanged.
func Spawn(conn sqlexec.Conn, p SpawnParams) (SpawnResult, error) {
	if err := validate.Name("task_name", p.Task); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.Params == "" {
		p.Params = "{}"
	}
	if err := validate.NonEmptyJSON("params", p.Params); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for field, blob := range map[string]string{
		"headers":        p.Headers,
		"retry_strategy": p.RetryStrategy,
		"cancellation":   p.Cancellation,
	} {
		if err := validate.JSON(field, blob); err != nil {
			return SpawnResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if p.MaxAttempts != nil {
		if err := validate.PositiveInt("max_attempts", *p.MaxAttempts); err != nil {
			return SpawnResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	queueExists, err := queueExists(conn, p.Queue)
	if err != nil {
		return SpawnResult{}, err
	}
	if !queueExists {
		return SpawnResult{}, fmt.Errorf("%w: queue %q does not exist", ErrNotFound, p.Queue)
	}

	now, err := clock.NowMS(conn)
	if err != nil {
		return SpawnResult{}, err
	}

	if p.IdempotencyKey != "" {
		taskID := ids.New()
		n, err := sqlexec.Exec(conn, `
			INSERT INTO tasks (
				queue_name, task_id, task_name, params, headers, retry_strategy,
				max_attempts, cancellation, enqueue_at, state, attempts, idempotency_key
			) VALUES (?, ?, ?, jsonb(?), jsonb(?), jsonb(?), ?, jsonb(?), ?, ?, 1, ?)
			ON CONFLICT(queue_name, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		`, p.Queue, taskID, p.Task, p.Params, nullableText(p.Headers), nullableText(p.RetryStrategy),
			nullableInt(p.MaxAttempts), nullableText(p.Cancellation), now, TaskPending, p.IdempotencyKey)
		if err != nil {
			return SpawnResult{}, fmt.Errorf("spawn: %w", err)
		}
		if n == 0 {
			return existingSpawn(conn, p.Queue, p.IdempotencyKey)
		}
		runID := ids.New()
		if err := insertFirstRun(conn, p.Queue, taskID, runID, now); err != nil {
			return SpawnResult{}, err
		}
		if err := setLastAttemptRun(conn, p.Queue, taskID, runID); err != nil {
			return SpawnResult{}, err
		}
		return SpawnResult{TaskID: taskID, RunID: runID, Attempt: 1, Created: true}, nil
	}

	taskID := ids.New()
	if _, err := sqlexec.Exec(conn, `
		INSERT INTO tasks (
			queue_name, task_id, task_name, params, headers, retry_strategy,
			max_attempts, cancellation, enqueue_at, state, attempts
		) VALUES (?, ?, ?, jsonb(?), jsonb(?), jsonb(?), ?, jsonb(?), ?, ?, 1)
	`, p.Queue, taskID, p.Task, p.Params, nullableText(p.Headers), nullableText(p.RetryStrategy),
		nullableInt(p.MaxAttempts), nullableText(p.Cancellation), now, TaskPending); err != nil {
		return SpawnResult{}, fmt.Errorf("spawn: %w", err)
	}
	runID := ids.New()
	if err := insertFirstRun(conn, p.Queue, taskID, runID, now); err != nil {
		return SpawnResult{}, err
	}
	if err := setLastAttemptRun(conn, p.Queue, taskID, runID); err != nil {
		return SpawnResult{}, err
	}
	return SpawnResult{TaskID: taskID, RunID: runID, Attempt: 1, Created: true}, nil
}

func insertFirstRun(conn sqlexec.Conn, queue, taskID, runID string, now int64) error {
	_, err := sqlexec.Exec(conn, `
		INSERT INTO runs (queue_name, run_id, task_id, attempt, state, available_at, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
	`, queue, runID, taskID, RunPending, now, now)
	if err != nil {
		return fmt.Errorf("spawn: inserting run: %w", err)
	}
	return nil
}

func setLastAttemptRun(conn sqlexec.Conn, queue, taskID, runID string) error {
	_, err := sqlexec.Exec(conn, `
		UPDATE tasks SET last_attempt_run = ? WHERE queue_name = ? AND task_id = ?
	`, runID, queue, taskID)
	if err != nil {
		return fmt.Errorf("spawn: updating last_attempt_run: %w", err)
	}
	return nil
}

func existingSpawn(conn sqlexec.Conn, queue, idempotencyKey string) (SpawnResult, error) {
	row, err := sqlexec.QueryRow(conn, `
		SELECT task_id, last_attempt_run, attempts FROM tasks
		WHERE queue_name = ? AND idempotency_key = ?
	`, queue, idempotencyKey)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn: reading existing task: %w", err)
	}
	if row == nil {
		return SpawnResult{}, fmt.Errorf("%w: idempotency key %q vanished mid-transaction", ErrNotFound, idempotencyKey)
	}
	return SpawnResult{
		TaskID:  row.String(0),
		RunID:   row.String(1),
		Attempt: int(row.Int64(2)),
		Created: false,
	}, nil
}

func queueExists(conn sqlexec.Conn, queue string) (bool, error) {
	row, err := sqlexec.QueryRow(conn, `SELECT 1 FROM queues WHERE queue_name = ?`, queue)
	if err != nil {
		return false, fmt.Errorf("spawn: checking queue: %w", err)
	}
	return row != nil, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
