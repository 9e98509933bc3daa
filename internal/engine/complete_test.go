package engine_test

import (
	"errors"
	"testing"

	"github.com/Napageneral/taskengine/internal/engine"
)

func TestCompleteRequiresRunningState(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := engine.Complete(conn, "alpha", spawned.RunID, `{"ok":true}`); !errors.Is(err, engine.ErrState) {
		t.Fatalf("expected ErrState completing a pending run, got %v", err)
	}
}

func TestCompleteMarksTaskAndRunDone(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := engine.Claim(conn, "alpha", "worker-1", 60, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := engine.Complete(conn, "alpha", spawned.RunID, `{"ok":true}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	row, err := conn.Tx.Query(`SELECT state, json(completed_payload) FROM tasks WHERE task_id = ?`, spawned.TaskID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer row.Close()
	if !row.Next() {
		t.Fatal("expected task row")
	}
	var state, payload string
	if err := row.Scan(&state, &payload); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if state != engine.TaskCompleted {
		t.Fatalf("expected task state %q, got %q", engine.TaskCompleted, state)
	}
	if payload != `{"ok":true}` {
		t.Fatalf("expected completed_payload to carry the result, got %q", payload)
	}
}
