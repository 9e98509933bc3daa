package sqlfuncs

import (
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/migrate"
)

// minSQLiteVersion is the lowest linked SQLite version the engine
// requires: jsonb() shipped in 3.45.0, and every JSON-shaped column write
// goes through it.
const minSQLiteVersion = 3045000

// Register installs the full function surface on a freshly opened
// connection: every scalar function and every table-valued function
// module. It is meant to be passed as a *sqlite3.SQLiteDriver's
// ConnectHook, so every connection opened through the driver -- regardless
// of pooling -- gets the complete surface without the host needing to know
// the function list.
func Register(conn *sqlite3.SQLiteConn) error {
	_, versionNumber, _ := sqlite3.Version()
	if versionNumber < minSQLiteVersion {
		return fmt.Errorf("sqlfuncs: linked SQLite %d is older than the required %d", versionNumber, minSQLiteVersion)
	}

	if err := registerScalars(conn); err != nil {
		return err
	}
	if err := registerModules(conn); err != nil {
		return err
	}
	return nil
}

// EnsureSchema applies every embedded migration on a freshly opened
// connection, for hosts that want a ready-to-use database without calling
// apply_migrations themselves.
func EnsureSchema(conn *sqlite3.SQLiteConn) error {
	return withFrame(conn, func() error {
		now, err := clock.NowMS(conn)
		if err != nil {
			return err
		}
		_, err = migrate.Apply(conn, now, 0)
		return err
	})
}
