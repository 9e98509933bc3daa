package sqlfuncs

import (
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// withFrame applies the engine's mutation frame -- BEGIN IMMEDIATE, run,
// COMMIT or ROLLBACK -- but only when conn isn't already inside a
// transaction the host started itself (a worker claiming and completing a
// run across several calls inside one BEGIN...COMMIT is a supported usage,
// and a nested BEGIN would error). AutoCommit reports whether SQLite is
// between statements with no open transaction.
func withFrame(raw *sqlite3.SQLiteConn, fn func() error) error {
	ownsTx := raw.AutoCommit()
	if ownsTx {
		if _, err := sqlexec.Exec(raw, "BEGIN IMMEDIATE"); err != nil {
			return fmt.Errorf("sqlfuncs: beginning transaction: %w", err)
		}
	}
	if err := fn(); err != nil {
		if ownsTx {
			_, _ = sqlexec.Exec(raw, "ROLLBACK")
		}
		return err
	}
	if ownsTx {
		if _, err := sqlexec.Exec(raw, "COMMIT"); err != nil {
			return fmt.Errorf("sqlfuncs: committing transaction: %w", err)
		}
	}
	return nil
}
