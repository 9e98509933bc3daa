// Package ids generates the time-ordered identifiers the engine relies on
// for tasks and runs. Claim ordering ties equal available_at timestamps by
// ascending id, so ids must sort the same way they were created.
package ids

import "github.com/google/uuid"

// New returns a UUIDv7 string: lexicographically sortable by creation time,
// which is what lets claim_task's ORDER BY (available_at, run_id) approximate
// FIFO without a separate sequence column.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/entropy source is
		// broken beyond recovery; fall back to a random v4 rather than
		// panic inside a SQL callback.
		return uuid.New().String()
	}
	return id.String()
}
