package engine_test

import (
	"testing"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/engine"
)

func TestCleanupTasksRemovesOldTerminalTasks(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	base := int64(1_700_000_000_000)
	if err := clock.SetFakeNow(conn, base); err != nil {
		t.Fatalf("SetFakeNow: %v", err)
	}

	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := engine.Claim(conn, "alpha", "worker-1", 60, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := engine.Complete(conn, "alpha", spawned.RunID, `{}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if n, err := engine.CleanupTasks(conn, "alpha", 3600, 100); err != nil {
		t.Fatalf("CleanupTasks: %v", err)
	} else if n != 0 {
		t.Fatalf("expected nothing eligible before the TTL elapses, got %d", n)
	}

	if err := clock.SetFakeNow(conn, base+3601000); err != nil {
		t.Fatalf("SetFakeNow: %v", err)
	}
	n, err := engine.CleanupTasks(conn, "alpha", 3600, 100)
	if err != nil {
		t.Fatalf("CleanupTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task removed, got %d", n)
	}

	row, err := conn.Tx.Query(`SELECT task_id FROM tasks WHERE task_id = ?`, spawned.TaskID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer row.Close()
	if row.Next() {
		t.Fatal("expected task to be deleted")
	}
}

func TestCleanupEventsRemovesOldEvents(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	base := int64(1_700_000_000_000)
	if err := clock.SetFakeNow(conn, base); err != nil {
		t.Fatalf("SetFakeNow: %v", err)
	}

	if err := engine.EmitEvent(conn, "alpha", "eventA", "", false); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}

	if err := clock.SetFakeNow(conn, base+3601000); err != nil {
		t.Fatalf("SetFakeNow: %v", err)
	}
	n, err := engine.CleanupEvents(conn, "alpha", 3600, 100)
	if err != nil {
		t.Fatalf("CleanupEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event removed, got %d", n)
	}
}
