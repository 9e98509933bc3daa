package engine_test

import (
	"testing"

	"github.com/Napageneral/taskengine/internal/engine"
)

func TestCancelTaskClearsNonTerminalRuns(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := engine.CancelTask(conn, "alpha", spawned.TaskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	row, err := conn.Tx.Query(`SELECT state FROM tasks WHERE task_id = ?`, spawned.TaskID)
	if err != nil {
		t.Fatalf("query task: %v", err)
	}
	if !row.Next() {
		t.Fatal("expected task row")
	}
	var taskState string
	if err := row.Scan(&taskState); err != nil {
		t.Fatalf("scan: %v", err)
	}
	row.Close()
	if taskState != engine.TaskCancelled {
		t.Fatalf("expected task state %q, got %q", engine.TaskCancelled, taskState)
	}

	runRow, err := conn.Tx.Query(`SELECT state FROM runs WHERE run_id = ?`, spawned.RunID)
	if err != nil {
		t.Fatalf("query run: %v", err)
	}
	defer runRow.Close()
	if !runRow.Next() {
		t.Fatal("expected run row")
	}
	var runState string
	if err := runRow.Scan(&runState); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if runState != engine.RunCancelled {
		t.Fatalf("expected run state %q, got %q", engine.RunCancelled, runState)
	}
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := engine.CancelTask(conn, "alpha", spawned.TaskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if err := engine.CancelTask(conn, "alpha", spawned.TaskID); err != nil {
		t.Fatalf("second CancelTask should be a no-op, got %v", err)
	}
}
