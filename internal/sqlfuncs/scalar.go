package sqlfuncs

import (
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/engine"
	"github.com/Napageneral/taskengine/internal/migrate"
)

// EngineVersion is the engine's own semantic version, returned by
// version/0. It tracks the schema's latest introduced_version.
const EngineVersion = "0.1.0"

// argTimeMS reads a time argument that arrives either as an INTEGER (ms
// since epoch) or as TEXT, which clock.ParseMS accepts as an integer string
// or an RFC-3339 timestamp.
func argTimeMS(v any) (int64, error) {
	if n, ok := v.(int64); ok {
		return n, nil
	}
	return clock.ParseMS(argString(v))
}

// registerScalars installs every scalar function. None are registered as
// pure: apart from version, every one either mutates the database or reads
// the clock, which fake_now can change between two calls in the same
// statement.
func registerScalars(conn *sqlite3.SQLiteConn) error {
	register := func(name string, impl any) error {
		return conn.RegisterFunc(name, impl, false)
	}

	if err := register("version", func() string { return EngineVersion }); err != nil {
		return err
	}

	if err := register("create_queue", func(queue string) (int64, error) {
		var created bool
		err := withFrame(conn, func() error {
			var innerErr error
			created, innerErr = engine.CreateQueue(conn, queue)
			return innerErr
		})
		if err != nil {
			return 0, err
		}
		if created {
			return 1, nil
		}
		return 0, nil
	}); err != nil {
		return err
	}

	if err := register("drop_queue", func(queue string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.DropQueue(conn, queue) })
	}); err != nil {
		return err
	}

	if err := register("complete_run", func(queue, runID, resultJSON string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.Complete(conn, queue, runID, resultJSON) })
	}); err != nil {
		return err
	}

	// wakeAt is taken untyped so the caller may pass either an INTEGER (ms
	// since epoch) or TEXT, which argTimeMS hands to ParseMS (an integer
	// string or an RFC-3339 timestamp).
	if err := register("schedule_run", func(queue, runID string, wakeAtRaw any) (int64, error) {
		wakeAt, err := argTimeMS(wakeAtRaw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", engine.ErrValidation, err)
		}
		return 0, withFrame(conn, func() error { return engine.Schedule(conn, queue, runID, wakeAt) })
	}); err != nil {
		return err
	}

	if err := register("fail_run", func(queue, runID, reasonJSON string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.Fail(conn, queue, runID, reasonJSON, nil) })
	}); err != nil {
		return err
	}
	if err := register("fail_run", func(queue, runID, reasonJSON string, retryAtRaw any) (int64, error) {
		retryAt, err := argTimeMS(retryAtRaw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", engine.ErrValidation, err)
		}
		return 0, withFrame(conn, func() error { return engine.Fail(conn, queue, runID, reasonJSON, &retryAt) })
	}); err != nil {
		return err
	}

	if err := register("extend_claim", func(queue, runID string, extendBySecs int64) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.ExtendClaim(conn, queue, runID, extendBySecs) })
	}); err != nil {
		return err
	}

	if err := register("cleanup_tasks", func(queue string, ttlSecs int64) (int64, error) {
		var n int64
		err := withFrame(conn, func() error {
			var innerErr error
			n, innerErr = engine.CleanupTasks(conn, queue, ttlSecs, 0)
			return innerErr
		})
		return n, err
	}); err != nil {
		return err
	}
	if err := register("cleanup_tasks", func(queue string, ttlSecs, limit int64) (int64, error) {
		var n int64
		err := withFrame(conn, func() error {
			var innerErr error
			n, innerErr = engine.CleanupTasks(conn, queue, ttlSecs, limit)
			return innerErr
		})
		return n, err
	}); err != nil {
		return err
	}

	if err := register("cleanup_events", func(queue string, ttlSecs int64) (int64, error) {
		var n int64
		err := withFrame(conn, func() error {
			var innerErr error
			n, innerErr = engine.CleanupEvents(conn, queue, ttlSecs, 0)
			return innerErr
		})
		return n, err
	}); err != nil {
		return err
	}
	if err := register("cleanup_events", func(queue string, ttlSecs, limit int64) (int64, error) {
		var n int64
		err := withFrame(conn, func() error {
			var innerErr error
			n, innerErr = engine.CleanupEvents(conn, queue, ttlSecs, limit)
			return innerErr
		})
		return n, err
	}); err != nil {
		return err
	}

	if err := register("cancel_task", func(queue, taskID string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.CancelTask(conn, queue, taskID) })
	}); err != nil {
		return err
	}

	if err := register("set_task_checkpoint_state", func(queue, taskID, stepName, stateJSON, ownerRunID string) (int64, error) {
		return 0, withFrame(conn, func() error {
			return engine.SetCheckpointState(conn, queue, taskID, stepName, stateJSON, ownerRunID, nil)
		})
	}); err != nil {
		return err
	}
	if err := register("set_task_checkpoint_state", func(queue, taskID, stepName, stateJSON, ownerRunID string, extendClaimBy int64) (int64, error) {
		return 0, withFrame(conn, func() error {
			return engine.SetCheckpointState(conn, queue, taskID, stepName, stateJSON, ownerRunID, &extendClaimBy)
		})
	}); err != nil {
		return err
	}

	if err := register("emit_event", func(queue, eventName string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.EmitEvent(conn, queue, eventName, "", false) })
	}); err != nil {
		return err
	}
	if err := register("emit_event", func(queue, eventName, payload string) (int64, error) {
		return 0, withFrame(conn, func() error { return engine.EmitEvent(conn, queue, eventName, payload, true) })
	}); err != nil {
		return err
	}

	if err := register("set_fake_now", func(ms int64) (int64, error) {
		return 0, clock.SetFakeNow(conn, ms)
	}); err != nil {
		return err
	}

	if err := register("apply_migrations", func() (int64, error) {
		var n int
		err := withFrame(conn, func() error {
			now, err := clock.NowMS(conn)
			if err != nil {
				return err
			}
			n, err = migrate.Apply(conn, now, 0)
			return err
		})
		return int64(n), err
	}); err != nil {
		return err
	}
	if err := register("apply_migrations", func(target int64) (int64, error) {
		var n int
		err := withFrame(conn, func() error {
			now, err := clock.NowMS(conn)
			if err != nil {
				return err
			}
			n, err = migrate.Apply(conn, now, int(target))
			return err
		})
		return int64(n), err
	}); err != nil {
		return err
	}

	return nil
}
