// Package clock implements the engine's single source of "now": every
// mutation stamps timestamps from here instead of calling time.Now()
// directly, so tests can pin time by writing a row instead of threading a
// fake clock through every call.
package clock

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Napageneral/taskengine/internal/sqlexec"
)

const fakeNowKey = "fake_now"

// NowMS returns the current time in milliseconds since the Unix epoch,
// honoring a test override stored in settings(key='fake_now').
func NowMS(conn sqlexec.Conn) (int64, error) {
	row, err := sqlexec.QueryRow(conn, `SELECT value FROM settings WHERE key = ?`, fakeNowKey)
	if err != nil {
		// A pre-migration database has no settings table yet, so it cannot
		// be holding an override either. apply_migrations relies on this to
		// stamp applied_time on a brand-new file.
		return time.Now().UnixMilli(), nil
	}
	if row == nil {
		return time.Now().UnixMilli(), nil
	}
	return row.Int64(0), nil
}

// SetFakeNow pins the clock to ms for every subsequent NowMS call on this
// database, until cleared. Passing 0 clears the override.
func SetFakeNow(conn sqlexec.Conn, ms int64) error {
	if ms == 0 {
		_, err := sqlexec.Exec(conn, `DELETE FROM settings WHERE key = ?`, fakeNowKey)
		return err
	}
	_, err := sqlexec.Exec(conn, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fakeNowKey, ms)
	return err
}

// ParseMS parses a time input that may be either an integer (ms since
// epoch) or an RFC-3339 string -- wake_at/retry_at accept either --
// trying the integer form first.
func ParseMS(raw string) (int64, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("clock: %q is neither an integer nor an RFC-3339 timestamp", raw)
	}
	return t.UnixMilli(), nil
}
