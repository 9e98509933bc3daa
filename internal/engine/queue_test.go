package engine_test

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/engine"
	"github.com/Napageneral/taskengine/internal/migrate"
	"github.com/Napageneral/taskengine/internal/sqlexec/sqlexectest"
)

func openEngineConn(t *testing.T) sqlexectest.TxConn {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	conn := sqlexectest.TxConn{Tx: tx}
	if _, err := migrate.Apply(conn, 1000, 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	conn := openEngineConn(t)

	created, err := engine.CreateQueue(conn, "alpha")
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if !created {
		t.Fatal("expected first CreateQueue to report created")
	}

	created, err = engine.CreateQueue(conn, "alpha")
	if err != nil {
		t.Fatalf("CreateQueue (second): %v", err)
	}
	if created {
		t.Fatal("expected second CreateQueue to report not created")
	}
}

func TestCreateQueueRejectsBadName(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "   "); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation for a blank name, got %v", err)
	}
	long := strings.Repeat("q", 49)
	if _, err := engine.CreateQueue(conn, long); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation for an over-long name, got %v", err)
	}
}

func TestListQueuesOrdersByCreation(t *testing.T) {
	conn := openEngineConn(t)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := engine.CreateQueue(conn, name); err != nil {
			t.Fatalf("CreateQueue(%s): %v", name, err)
		}
	}

	rows, err := engine.ListQueues(conn)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 queues, got %d", len(rows))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if rows[i].QueueName != want {
			t.Fatalf("row %d: expected %q, got %q", i, want, rows[i].QueueName)
		}
	}
}

func TestDropQueueCascades(t *testing.T) {
	conn := openEngineConn(t)
	if _, err := engine.CreateQueue(conn, "alpha"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if _, err := engine.Spawn(conn, engine.SpawnParams{
		Queue: "alpha",
		Task:  "greet",
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := engine.DropQueue(conn, "alpha"); err != nil {
		t.Fatalf("DropQueue: %v", err)
	}

	rows, err := engine.ListQueues(conn)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected queue to be gone, got %d", len(rows))
	}

	res, err := conn.Tx.Query(`SELECT task_id FROM tasks WHERE queue_name = 'alpha'`)
	if err != nil {
		t.Fatalf("query tasks: %v", err)
	}
	defer res.Close()
	if res.Next() {
		t.Fatal("expected no tasks remaining after drop_queue")
	}
}

func TestDropQueueOnMissingQueueIsNotAnError(t *testing.T) {
	conn := openEngineConn(t)
	if err := engine.DropQueue(conn, "nope"); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}
}
