package sqlfuncs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/engine"
	"github.com/Napageneral/taskengine/internal/migrate"
	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// spawnOptions mirrors spawn_task's options JSON blob.
type spawnOptions struct {
	Headers        json.RawMessage `json:"headers"`
	RetryStrategy  json.RawMessage `json:"retry_strategy"`
	MaxAttempts    *int64          `json:"max_attempts"`
	Cancellation   json.RawMessage `json:"cancellation"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func rawOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	return string(m)
}

var spawnTaskModule = &vtabModule{spec: tvfSpec{
	name:     "spawn_task",
	mutating: true,
	schemaSQL: `CREATE TABLE x(
		task_id TEXT, run_id TEXT, attempt INTEGER, created INTEGER,
		queue TEXT HIDDEN, task_name TEXT HIDDEN, params TEXT HIDDEN, options TEXT HIDDEN
	)`,
	firstHiddenCol: 4,
	numArgs:        4,
	run: func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error) {
		queue := argString(args[0])
		taskName := argString(args[1])
		params := argString(args[2])

		var opts spawnOptions
		if raw := argString(args[3]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &opts); err != nil {
				return nil, fmt.Errorf("%w: options is not valid JSON", engine.ErrValidation)
			}
		}

		res, err := engine.Spawn(conn, engine.SpawnParams{
			Queue:          queue,
			Task:           taskName,
			Params:         params,
			Headers:        rawOrEmpty(opts.Headers),
			RetryStrategy:  rawOrEmpty(opts.RetryStrategy),
			MaxAttempts:    opts.MaxAttempts,
			Cancellation:   rawOrEmpty(opts.Cancellation),
			IdempotencyKey: opts.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		created := int64(0)
		if res.Created {
			created = 1
		}
		return []tvfRow{{res.TaskID, res.RunID, int64(res.Attempt), created}}, nil
	},
}}

var claimTaskModule = &vtabModule{spec: tvfSpec{
	name:     "claim_task",
	mutating: true,
	schemaSQL: `CREATE TABLE x(
		run_id TEXT, task_id TEXT, attempt INTEGER, task_name TEXT, params BLOB,
		retry_strategy BLOB, max_attempts INTEGER, headers BLOB, wake_event TEXT, event_payload BLOB,
		queue TEXT HIDDEN, worker_id TEXT HIDDEN, claim_timeout_secs INTEGER HIDDEN, qty INTEGER HIDDEN
	)`,
	firstHiddenCol: 10,
	numArgs:        4,
	jsonCols:       map[int]bool{4: true, 5: true, 7: true, 9: true},
	run: func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error) {
		queue := argString(args[0])
		workerID := argString(args[1])
		claimTimeoutSecs := argInt64(args[2])
		qty := argInt64(args[3])

		claimed, err := engine.Claim(conn, queue, workerID, claimTimeoutSecs, qty)
		if err != nil {
			return nil, err
		}
		rows := make([]tvfRow, 0, len(claimed))
		for _, c := range claimed {
			var maxAttempts any
			if c.MaxAttempts != nil {
				maxAttempts = *c.MaxAttempts
			}
			rows = append(rows, tvfRow{
				c.RunID, c.TaskID, int64(c.Attempt), c.TaskName, c.Params,
				c.RetryStrategy, maxAttempts, c.Headers, c.WakeEvent, c.EventPayload,
			})
		}
		return rows, nil
	},
}}

var getCheckpointStateModule = &vtabModule{spec: tvfSpec{
	name:           "get_task_checkpoint_state",
	schemaSQL:      `CREATE TABLE x(state BLOB, found INTEGER, queue TEXT HIDDEN, task_id TEXT HIDDEN, step_name TEXT HIDDEN)`,
	firstHiddenCol: 2,
	numArgs:        3,
	jsonCols:       map[int]bool{0: true},
	run: func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error) {
		queue := argString(args[0])
		taskID := argString(args[1])
		stepName := argString(args[2])
		state, found, err := engine.GetCheckpointState(conn, queue, taskID, stepName)
		if err != nil {
			return nil, err
		}
		foundInt := int64(0)
		if found {
			foundInt = 1
		}
		return []tvfRow{{state, foundInt}}, nil
	},
}}

var getCheckpointStatesModule = &vtabModule{spec: tvfSpec{
	name:           "get_task_checkpoint_states",
	schemaSQL:      `CREATE TABLE x(checkpoint_name TEXT, state BLOB, updated_at INTEGER, queue TEXT HIDDEN, task_id TEXT HIDDEN)`,
	firstHiddenCol: 3,
	numArgs:        2,
	jsonCols:       map[int]bool{1: true},
	run: func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error) {
		queue := argString(args[0])
		taskID := argString(args[1])
		states, err := engine.GetCheckpointStates(conn, queue, taskID)
		if err != nil {
			return nil, err
		}
		rows := make([]tvfRow, 0, len(states))
		for _, s := range states {
			rows = append(rows, tvfRow{s.CheckpointName, s.State, s.UpdatedAt})
		}
		return rows, nil
	},
}}

var awaitEventModule = &vtabModule{spec: tvfSpec{
	name:           "await_event",
	mutating:       true,
	schemaSQL:      `CREATE TABLE x(should_suspend INTEGER, payload BLOB, queue TEXT HIDDEN, task_id TEXT HIDDEN, run_id TEXT HIDDEN, step_name TEXT HIDDEN, event_name TEXT HIDDEN, timeout_secs INTEGER HIDDEN)`,
	firstHiddenCol: 2,
	numArgs:        6,
	jsonCols:       map[int]bool{1: true},
	run: func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error) {
		queue := argString(args[0])
		taskID := argString(args[1])
		runID := argString(args[2])
		stepName := argString(args[3])
		eventName := argString(args[4])
		var timeoutPtr *int64
		if len(args) > 5 {
			if timeoutSecs, ok := argNullInt64(args[5]); ok {
				timeoutPtr = &timeoutSecs
			}
		}

		res, err := engine.AwaitEvent(conn, queue, taskID, runID, stepName, eventName, timeoutPtr)
		if err != nil {
			return nil, err
		}
		shouldSuspend := int64(0)
		if res.ShouldSuspend {
			shouldSuspend = 1
		}
		var payload any
		if res.HasPayload {
			payload = res.Payload
		}
		return []tvfRow{{shouldSuspend, payload}}, nil
	},
}}

var listQueuesModule = &vtabModule{spec: tvfSpec{
	name:           "list_queues",
	schemaSQL:      `CREATE TABLE x(queue_name TEXT, created_at INTEGER)`,
	firstHiddenCol: 2,
	numArgs:        0,
	run: func(conn sqlexec.Conn, _ []driver.Value) ([]tvfRow, error) {
		queues, err := engine.ListQueues(conn)
		if err != nil {
			return nil, err
		}
		rows := make([]tvfRow, 0, len(queues))
		for _, q := range queues {
			rows = append(rows, tvfRow{q.QueueName, q.CreatedAt})
		}
		return rows, nil
	},
}}

var migrationRecordsModule = &vtabModule{spec: tvfSpec{
	name:           "migration_records",
	schemaSQL:      `CREATE TABLE x(id INTEGER, introduced_version TEXT, applied_time INTEGER)`,
	firstHiddenCol: 3,
	numArgs:        0,
	run: func(conn sqlexec.Conn, _ []driver.Value) ([]tvfRow, error) {
		records, err := migrate.Records(conn)
		if err != nil {
			return nil, err
		}
		rows := make([]tvfRow, 0, len(records))
		for _, r := range records {
			rows = append(rows, tvfRow{int64(r.ID), r.IntroducedVersion, r.AppliedTime})
		}
		return rows, nil
	},
}}

// registerModules installs every table-valued function on conn.
func registerModules(conn *sqlite3.SQLiteConn) error {
	modules := map[string]*vtabModule{
		"spawn_task":                 spawnTaskModule,
		"claim_task":                 claimTaskModule,
		"get_task_checkpoint_state":  getCheckpointStateModule,
		"get_task_checkpoint_states": getCheckpointStatesModule,
		"await_event":                awaitEventModule,
		"list_queues":                listQueuesModule,
		"migration_records":          migrationRecordsModule,
	}
	for name, mod := range modules {
		if err := conn.CreateModule(name, mod); err != nil {
			return fmt.Errorf("sqlfuncs: registering module %s: %w", name, err)
		}
	}
	return nil
}
