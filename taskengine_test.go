package taskengine

import (
	"database/sql"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("taskengine", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Each pooled connection to :memory: is its own database; keep the
	// whole test on one.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return db
}

func setFakeNow(t *testing.T, db *sql.DB, ms int64) {
	t.Helper()
	if _, err := db.Exec("SELECT set_fake_now(?)", ms); err != nil {
		t.Fatalf("set_fake_now(%d): %v", ms, err)
	}
}

func TestDriverRegistersFunctionSurface(t *testing.T) {
	db := openTestDB(t)

	var version string
	if err := db.QueryRow("SELECT version()").Scan(&version); err != nil {
		t.Fatalf("SELECT version(): %v", err)
	}
	if version == "" {
		t.Fatalf("expected non-empty version")
	}

	if _, err := db.Exec("SELECT create_queue('default')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}

	var queueName string
	if err := db.QueryRow("SELECT queue_name FROM list_queues()").Scan(&queueName); err != nil {
		t.Fatalf("list_queues: %v", err)
	}
	if queueName != "default" {
		t.Fatalf("expected queue_name 'default', got %q", queueName)
	}
}

func TestBasicLifecycle(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		"SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}', '{}')",
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if attempt != 1 || created != 1 {
		t.Fatalf("expected (attempt=1, created=1), got (%d, %d)", attempt, created)
	}

	var claimedRun, claimedTask, taskName string
	var claimedAttempt int64
	if err := db.QueryRow(
		"SELECT run_id, task_id, attempt, task_name FROM claim_task('alpha', 'worker', 30, 1)",
	).Scan(&claimedRun, &claimedTask, &claimedAttempt, &taskName); err != nil {
		t.Fatalf("claim_task: %v", err)
	}
	if claimedRun != runID || claimedTask != taskID || claimedAttempt != 1 || taskName != "demo" {
		t.Fatalf("unexpected claim row: (%s, %s, %d, %s)", claimedRun, claimedTask, claimedAttempt, taskName)
	}

	if _, err := db.Exec("SELECT complete_run('alpha', ?, '{\"ok\":true}')", runID); err != nil {
		t.Fatalf("complete_run: %v", err)
	}

	var runState, result, taskState string
	if err := db.QueryRow(
		"SELECT state, json(result) FROM runs WHERE run_id = ?", runID,
	).Scan(&runState, &result); err != nil {
		t.Fatalf("reading run: %v", err)
	}
	if runState != "completed" || result != `{"ok":true}` {
		t.Fatalf("expected completed run with result, got (%s, %s)", runState, result)
	}
	if err := db.QueryRow("SELECT state FROM tasks WHERE task_id = ?", taskID).Scan(&taskState); err != nil {
		t.Fatalf("reading task: %v", err)
	}
	if taskState != "completed" {
		t.Fatalf("expected completed task, got %q", taskState)
	}
}

func TestFailSchedulesImmediateRetry(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		`SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}',
			'{"retry_strategy":{"kind":"fixed","base_seconds":0},"max_attempts":2}')`,
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if _, err := db.Exec("SELECT run_id FROM claim_task('alpha', 'worker', 30, 1)"); err != nil {
		t.Fatalf("claim_task: %v", err)
	}
	if _, err := db.Exec(
		"SELECT fail_run('alpha', ?, '{\"name\":\"err\",\"message\":\"boom\"}')", runID,
	); err != nil {
		t.Fatalf("fail_run: %v", err)
	}

	var failedState string
	if err := db.QueryRow("SELECT state FROM runs WHERE run_id = ?", runID).Scan(&failedState); err != nil {
		t.Fatalf("reading failed run: %v", err)
	}
	if failedState != "failed" {
		t.Fatalf("expected original run failed, got %q", failedState)
	}

	var retryAttempt int64
	var retryState string
	if err := db.QueryRow(
		"SELECT attempt, state FROM runs WHERE task_id = ? AND run_id != ?", taskID, runID,
	).Scan(&retryAttempt, &retryState); err != nil {
		t.Fatalf("reading retry run: %v", err)
	}
	if retryAttempt != 2 || retryState != "pending" {
		t.Fatalf("expected pending retry with attempt 2, got (%d, %s)", retryAttempt, retryState)
	}
}

func TestScheduleRunSleepsUntilWakeAt(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		"SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}', '{}')",
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if _, err := db.Exec("SELECT run_id FROM claim_task('alpha', 'worker', 30, 1)"); err != nil {
		t.Fatalf("claim_task: %v", err)
	}
	if _, err := db.Exec("SELECT schedule_run('alpha', ?, 87000)", runID); err != nil {
		t.Fatalf("schedule_run: %v", err)
	}

	var runState, taskState string
	var availableAt int64
	if err := db.QueryRow(
		"SELECT state, available_at FROM runs WHERE run_id = ?", runID,
	).Scan(&runState, &availableAt); err != nil {
		t.Fatalf("reading run: %v", err)
	}
	if runState != "sleeping" || availableAt != 87000 {
		t.Fatalf("expected sleeping run at 87000, got (%s, %d)", runState, availableAt)
	}
	if err := db.QueryRow("SELECT state FROM tasks WHERE task_id = ?", taskID).Scan(&taskState); err != nil {
		t.Fatalf("reading task: %v", err)
	}
	if taskState != "sleeping" {
		t.Fatalf("expected sleeping task, got %q", taskState)
	}
}

func TestAwaitEmitRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		"SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}', '{}')",
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if _, err := db.Exec("SELECT run_id FROM claim_task('alpha', 'worker', 30, 1)"); err != nil {
		t.Fatalf("claim_task: %v", err)
	}

	var shouldSuspend int64
	var payload sql.NullString
	if err := db.QueryRow(
		"SELECT should_suspend, payload FROM await_event('alpha', ?, ?, 'stepA', 'eventA', NULL)",
		taskID, runID,
	).Scan(&shouldSuspend, &payload); err != nil {
		t.Fatalf("await_event: %v", err)
	}
	if shouldSuspend != 1 || payload.Valid {
		t.Fatalf("expected first await to suspend with no payload, got (%d, %v)", shouldSuspend, payload)
	}

	var waitCount int64
	if err := db.QueryRow(
		"SELECT count(*) FROM waits WHERE run_id = ? AND step_name = 'stepA'", runID,
	).Scan(&waitCount); err != nil {
		t.Fatalf("counting waits: %v", err)
	}
	if waitCount != 1 {
		t.Fatalf("expected one wait row, got %d", waitCount)
	}

	if _, err := db.Exec(`SELECT emit_event('alpha', 'eventA', '{"ok":true}')`); err != nil {
		t.Fatalf("emit_event: %v", err)
	}

	var runState, eventPayload string
	if err := db.QueryRow(
		"SELECT state, json(event_payload) FROM runs WHERE run_id = ?", runID,
	).Scan(&runState, &eventPayload); err != nil {
		t.Fatalf("reading woken run: %v", err)
	}
	if runState != "pending" || eventPayload != `{"ok":true}` {
		t.Fatalf("expected pending run carrying the payload, got (%s, %s)", runState, eventPayload)
	}

	var reclaimedRun string
	var reclaimedAttempt int64
	if err := db.QueryRow(
		"SELECT run_id, attempt FROM claim_task('alpha', 'worker', 30, 1)",
	).Scan(&reclaimedRun, &reclaimedAttempt); err != nil {
		t.Fatalf("claim_task after emit: %v", err)
	}
	if reclaimedRun != runID || reclaimedAttempt != 1 {
		t.Fatalf("expected the same run back with attempt unchanged, got (%s, %d)", reclaimedRun, reclaimedAttempt)
	}

	if err := db.QueryRow(
		"SELECT should_suspend, payload FROM await_event('alpha', ?, ?, 'stepA', 'eventA', NULL)",
		taskID, runID,
	).Scan(&shouldSuspend, &payload); err != nil {
		t.Fatalf("await_event (second): %v", err)
	}
	if shouldSuspend != 0 || payload.String != `{"ok":true}` {
		t.Fatalf("expected resolved await, got (%d, %q)", shouldSuspend, payload.String)
	}

	var checkpointState string
	if err := db.QueryRow(
		"SELECT json(state) FROM get_task_checkpoint_state('alpha', ?, 'stepA')", taskID,
	).Scan(&checkpointState); err != nil {
		t.Fatalf("get_task_checkpoint_state: %v", err)
	}
	if checkpointState != `{"ok":true}` {
		t.Fatalf("expected checkpoint to hold the payload, got %q", checkpointState)
	}
}

func TestClaimTimeoutReschedules(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}
	base := int64(1_700_000_000_000)
	setFakeNow(t, db, base)

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		`SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}',
			'{"retry_strategy":{"kind":"fixed","base_seconds":60},"max_attempts":2}')`,
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if _, err := db.Exec("SELECT run_id FROM claim_task('alpha', 'worker', 30, 1)"); err != nil {
		t.Fatalf("claim_task: %v", err)
	}

	// Let the 30s claim lapse; the next claim call reconciles it.
	setFakeNow(t, db, base+31_000)
	rows, err := db.Query("SELECT run_id FROM claim_task('alpha', 'worker2', 30, 1)")
	if err != nil {
		t.Fatalf("claim_task (reconciling): %v", err)
	}
	if rows.Next() {
		t.Fatal("expected nothing claimable while the retry sleeps out its 60s delay")
	}
	rows.Close()

	var failedState, reason string
	if err := db.QueryRow(
		"SELECT state, json(failure_reason) FROM runs WHERE run_id = ?", runID,
	).Scan(&failedState, &reason); err != nil {
		t.Fatalf("reading expired run: %v", err)
	}
	if failedState != "failed" || !strings.Contains(reason, "$ClaimTimeout") {
		t.Fatalf("expected $ClaimTimeout failure, got (%s, %s)", failedState, reason)
	}

	var retryAttempt int64
	var retryState string
	if err := db.QueryRow(
		"SELECT attempt, state FROM runs WHERE task_id = ? AND run_id != ?", taskID, runID,
	).Scan(&retryAttempt, &retryState); err != nil {
		t.Fatalf("reading retry run: %v", err)
	}
	if retryAttempt != 2 || retryState != "sleeping" {
		t.Fatalf("expected sleeping retry with attempt 2, got (%d, %s)", retryAttempt, retryState)
	}
}

func TestCleanupTasksAndEvents(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("SELECT create_queue('alpha')"); err != nil {
		t.Fatalf("create_queue: %v", err)
	}
	base := int64(1_700_000_000_000)
	setFakeNow(t, db, base)

	var taskID, runID string
	var attempt, created int64
	if err := db.QueryRow(
		"SELECT task_id, run_id, attempt, created FROM spawn_task('alpha', 'demo', '{}', '{}')",
	).Scan(&taskID, &runID, &attempt, &created); err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	if _, err := db.Exec("SELECT run_id FROM claim_task('alpha', 'worker', 30, 1)"); err != nil {
		t.Fatalf("claim_task: %v", err)
	}
	if _, err := db.Exec("SELECT complete_run('alpha', ?, '{}')", runID); err != nil {
		t.Fatalf("complete_run: %v", err)
	}
	if _, err := db.Exec(`SELECT emit_event('alpha', 'eventA', '{"n":1}')`); err != nil {
		t.Fatalf("emit_event: %v", err)
	}

	setFakeNow(t, db, base+2_000)

	var removed int64
	if err := db.QueryRow("SELECT cleanup_tasks('alpha', 1, 100)").Scan(&removed); err != nil {
		t.Fatalf("cleanup_tasks: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 task removed, got %d", removed)
	}
	if err := db.QueryRow("SELECT cleanup_events('alpha', 1, 100)").Scan(&removed); err != nil {
		t.Fatalf("cleanup_events: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 event removed, got %d", removed)
	}
}
