package engine_test

import (
	"testing"

	"github.com/Napageneral/taskengine/internal/engine"
)

func TestAwaitEventSuspendsThenEmitWakesIt(t *testing.T) {
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

	res, err := engine.AwaitEvent(conn, "alpha", spawned.TaskID, spawned.RunID, "stepA", "eventA", nil)
	if err != nil {
		t.Fatalf("AwaitEvent: %v", err)
	}
	if !res.ShouldSuspend {
		t.Fatal("expected the first await with no prior emit to suspend")
	}

	if err := engine.EmitEvent(conn, "alpha", "eventA", `{"answer":42}`, true); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}

	claimed, err := engine.Claim(conn, "alpha", "worker-2", 60, 1)
	if err != nil {
		t.Fatalf("Claim after emit: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected the woken run to become claimable, got %d", len(claimed))
	}
	if claimed[0].EventPayload != `{"answer":42}` {
		t.Fatalf("expected the claimed run to carry the emitted payload, got %q", claimed[0].EventPayload)
	}

	res2, err := engine.AwaitEvent(conn, "alpha", spawned.TaskID, claimed[0].RunID, "stepA", "eventA", nil)
	if err != nil {
		t.Fatalf("AwaitEvent (second): %v", err)
	}
	if res2.ShouldSuspend {
		t.Fatal("expected the re-await after wakeup to resolve synchronously")
	}
	if res2.Payload != `{"answer":42}` {
		t.Fatalf("expected resolved payload %q, got %q", `{"answer":42}`, res2.Payload)
	}
}

func TestAwaitEventReplaysFromCheckpoint(t *testing.T) {
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

	if _, err := engine.AwaitEvent(conn, "alpha", spawned.TaskID, spawned.RunID, "stepA", "eventA", nil); err != nil {
		t.Fatalf("AwaitEvent: %v", err)
	}
	if err := engine.EmitEvent(conn, "alpha", "eventA", `{"answer":42}`, true); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}
	claimed, err := engine.Claim(conn, "alpha", "worker-2", 60, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := engine.AwaitEvent(conn, "alpha", spawned.TaskID, claimed[0].RunID, "stepA", "eventA", nil); err != nil {
		t.Fatalf("AwaitEvent (resolve): %v", err)
	}

	// Awaiting the same step again should short-circuit via the committed
	// checkpoint without touching the event at all.
	res, err := engine.AwaitEvent(conn, "alpha", spawned.TaskID, claimed[0].RunID, "stepA", "eventA", nil)
	if err != nil {
		t.Fatalf("AwaitEvent (replay): %v", err)
	}
	if res.ShouldSuspend {
		t.Fatal("expected checkpoint replay to resolve synchronously")
	}
	if res.Payload != `{"answer":42}` {
		t.Fatalf("expected replayed payload %q, got %q", `{"answer":42}`, res.Payload)
	}
}
