// Package engine is the hard core of the durable task-queue engine: the
// relational state machines for tasks/runs/checkpoints/events/waits and the
// mutation paths that keep them consistent inside a single SQLite
// transaction. It holds no state of its own between calls --
// every exported function takes the live sqlexec.Conn the caller is
// already inside an immediate transaction on, and returns one of the error
// kinds below so the function surface (internal/sqlfuncs) can render a
// single human-readable SQL error.
package engine

import "errors"

// Sentinel errors for the engine's failure kinds. Wrap with fmt.Errorf's
// %w at the call site to attach the offending id/name; callers can still
// errors.Is against these.
var (
	// ErrValidation covers malformed names, invalid JSON, negative TTLs,
	// and missing required arguments.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers a referenced queue/task/run/event that doesn't
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrState covers an operation that requires a specific run/task
	// state the current row doesn't have (e.g. complete requires
	// running).
	ErrState = errors.New("invalid state for operation")

	// ErrCancelled signals that the task has been cancelled, surfaced to
	// await_event, set_task_checkpoint_state, and extend_claim.
	ErrCancelled = errors.New("task has been cancelled")
)
