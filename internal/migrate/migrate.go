// Package migrate applies the engine's embedded schema migrations:
// ordered embedded SQL files, a tracking table, skip what's already
// applied, with an optional target version and applied history exposed
// for the migration_records table-valued function.
package migrate

import (
	"fmt"

	"github.com/Napageneral/taskengine/internal/schema"
	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// EnsureTable creates the migrations tracking table if it doesn't exist
// yet. Called unconditionally at the top of Apply and of any read path that
// might run against a brand new database file.
func EnsureTable(conn sqlexec.Conn) error {
	return sqlexec.ExecScript(conn, `
		CREATE TABLE IF NOT EXISTS migrations (
			id                 INTEGER NOT NULL,
			introduced_version TEXT,
			applied_time       INTEGER NOT NULL,
			PRIMARY KEY (id)
		)
	`)
}

// Record is one applied-migration entry, as surfaced by migration_records.
type Record struct {
	ID                int    `json:"id"`
	IntroducedVersion string `json:"introduced_version"`
	AppliedTime       int64  `json:"applied_time"`
}

// Records returns every applied migration, ordered by id ascending.
func Records(conn sqlexec.Conn) ([]Record, error) {
	if err := EnsureTable(conn); err != nil {
		return nil, err
	}
	rows, err := sqlexec.QueryAll(conn, `
		SELECT id, introduced_version, applied_time
		FROM migrations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		version, _ := r.NullString(1)
		out = append(out, Record{
			ID:                int(r.Int64(0)),
			IntroducedVersion: version,
			AppliedTime:       r.Int64(2),
		})
	}
	return out, nil
}

func appliedIDs(conn sqlexec.Conn) (map[int]bool, int, error) {
	rows, err := sqlexec.QueryAll(conn, `SELECT id FROM migrations`)
	if err != nil {
		return nil, 0, err
	}
	applied := make(map[int]bool, len(rows))
	maxApplied := 0
	for _, r := range rows {
		id := int(r.Int64(0))
		applied[id] = true
		if id > maxApplied {
			maxApplied = id
		}
	}
	return applied, maxApplied, nil
}

// Apply brings the schema up to target (the highest migration id, if
// target is 0), skipping migrations already recorded as applied. It runs
// as a single sequence of statements on conn; the caller is responsible for
// the surrounding BEGIN IMMEDIATE / COMMIT / ROLLBACK, matching every other
// engine entry point's frame, so partial application never persists.
func Apply(conn sqlexec.Conn, nowMS int64, target int) (appliedCount int, err error) {
	if err := EnsureTable(conn); err != nil {
		return 0, fmt.Errorf("migrate: ensuring migrations table: %w", err)
	}

	all := schema.Load()
	maxKnown := 0
	for _, m := range all {
		if m.ID > maxKnown {
			maxKnown = m.ID
		}
	}

	applied, maxApplied, err := appliedIDs(conn)
	if err != nil {
		return 0, fmt.Errorf("migrate: reading applied migrations: %w", err)
	}

	if target == 0 {
		target = maxKnown
	}
	if target < maxApplied {
		return 0, fmt.Errorf("migrate: target version %d is older than already-applied version %d", target, maxApplied)
	}
	if target > maxKnown {
		return 0, fmt.Errorf("migrate: target version %d exceeds highest known migration %d", target, maxKnown)
	}

	for _, m := range all {
		if m.ID > target || applied[m.ID] {
			continue
		}
		if err := sqlexec.ExecScript(conn, m.SQL); err != nil {
			return appliedCount, fmt.Errorf("migrate: applying migration %d: %w", m.ID, err)
		}
		if _, err := sqlexec.Exec(conn, `
			INSERT INTO migrations (id, introduced_version, applied_time) VALUES (?, ?, ?)
		`, int64(m.ID), m.IntroducedVersion, nowMS); err != nil {
			return appliedCount, fmt.Errorf("migrate: recording migration %d: %w", m.ID, err)
		}
		appliedCount++
	}

	return appliedCount, nil
}
