package engine_test

import (
	"errors"
	"testing"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/engine"
)

func TestScheduleMovesRunToSleeping(t *testing.T) {
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

	if err := engine.Schedule(conn, "alpha", spawned.RunID, base+60000); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if claimed, err := engine.Claim(conn, "alpha", "worker-2", 60, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	} else if len(claimed) != 0 {
		t.Fatalf("expected scheduled run not yet eligible, got %d", len(claimed))
	}

	if err := clock.SetFakeNow(conn, base+60000); err != nil {
		t.Fatalf("SetFakeNow: %v", err)
	}
	claimed, err := engine.Claim(conn, "alpha", "worker-2", 60, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected scheduled run to become eligible at wakeAt, got %d", len(claimed))
	}
}

func TestExtendClaimRequiresActiveClaim(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spawned, err := engine.Spawn(conn, engine.SpawnParams{Queue: "alpha", Task: "demo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := engine.ExtendClaim(conn, "alpha", spawned.RunID, 30); !errors.Is(err, engine.ErrState) {
		t.Fatalf("expected ErrState extending an unclaimed run's claim, got %v", err)
	}
}

func TestExtendClaimPushesExpiryOut(t *testing.T) {
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
	if _, err := engine.Claim(conn, "alpha", "worker-1", 5, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := engine.ExtendClaim(conn, "alpha", spawned.RunID, 300); err != nil {
		t.Fatalf("ExtendClaim: %v", err)
	}

	row, err := conn.Tx.Query(`SELECT claim_expires_at FROM runs WHERE run_id = ?`, spawned.RunID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer row.Close()
	if !row.Next() {
		t.Fatal("expected run row")
	}
	var claimExpiresAt int64
	if err := row.Scan(&claimExpiresAt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if claimExpiresAt != base+300000 {
		t.Fatalf("expected claim_expires_at to be extended to %d, got %d", base+300000, claimExpiresAt)
	}
}
