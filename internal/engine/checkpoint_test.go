package engine_test

import (
	"testing"

	"github.com/Napageneral/taskengine/internal/engine"
)

func TestSetCheckpointStateAndRead(t *testing.T) {
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

	if err := engine.SetCheckpointState(conn, "alpha", spawned.TaskID, "stepA", `{"n":1}`, spawned.RunID, nil); err != nil {
		t.Fatalf("SetCheckpointState: %v", err)
	}

	state, found, err := engine.GetCheckpointState(conn, "alpha", spawned.TaskID, "stepA")
	if err != nil {
		t.Fatalf("GetCheckpointState: %v", err)
	}
	if !found || state != `{"n":1}` {
		t.Fatalf("expected checkpoint %q, got found=%v state=%q", `{"n":1}`, found, state)
	}

	all, err := engine.GetCheckpointStates(conn, "alpha", spawned.TaskID)
	if err != nil {
		t.Fatalf("GetCheckpointStates: %v", err)
	}
	if len(all) != 1 || all[0].CheckpointName != "stepA" {
		t.Fatalf("unexpected checkpoint list: %+v", all)
	}
}

func TestSetCheckpointStateRejectsEmptyState(t *testing.T) {
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

	if err := engine.SetCheckpointState(conn, "alpha", spawned.TaskID, "stepA", "", spawned.RunID, nil); err == nil {
		t.Fatal("expected validation error for empty state")
	}
}
