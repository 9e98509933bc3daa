package engine

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/sqlexec"
	"github.com/Napageneral/taskengine/internal/validate"
)

// CreateQueue creates queueName if it doesn't already exist. Returns true
// iff this call created it (idempotent: a second call on an existing queue
// returns false, not an error).
func CreateQueue(conn sqlexec.Conn, queueName string) (bool, error) {
	if err := validate.Name("queue_name", queueName); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	now, err := clock.NowMS(conn)
	if err != nil {
		return false, err
	}
	n, err := sqlexec.Exec(conn, `
		INSERT INTO queues (queue_name, created_at) VALUES (?, ?)
		ON CONFLICT(queue_name) DO NOTHING
	`, queueName, now)
	if err != nil {
		return false, fmt.Errorf("create_queue: %w", err)
	}
	return n > 0, nil
}

// DropQueue deletes queueName and every task/run/checkpoint/event/wait
// under it, in one transaction. Idempotent: dropping a queue that doesn't
// exist is not an error.
func DropQueue(conn sqlexec.Conn, queueName string) error {
	if err := validate.Name("queue_name", queueName); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, table := range []string{"waits", "events", "checkpoints", "runs", "tasks", "queues"} {
		if _, err := sqlexec.Exec(conn, `DELETE FROM `+table+` WHERE queue_name = ?`, queueName); err != nil {
			return fmt.Errorf("drop_queue: deleting from %s: %w", table, err)
		}
	}
	return nil
}

// QueueRow is one row of ListQueues.
type QueueRow struct {
	QueueName string `json:"queue_name"`
	CreatedAt int64  `json:"created_at"`
}

// ListQueues returns every known queue ordered by creation time.
func ListQueues(conn sqlexec.Conn) ([]QueueRow, error) {
	rows, err := sqlexec.QueryAll(conn, `SELECT queue_name, created_at FROM queues ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list_queues: %w", err)
	}
	out := make([]QueueRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, QueueRow{QueueName: r.String(0), CreatedAt: r.Int64(1)})
	}
	return out, nil
}
