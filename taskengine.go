// Package taskengine registers a database/sql driver named "taskengine"
// that installs the full function surface (internal/sqlfuncs) on every
// connection it opens, so a host program can do:
//
//	import _ "github.com/Napageneral/taskengine"
//	db, _ := sql.Open("taskengine", "tasks.db")
//
// and immediately call spawn_task/claim_task/... as ordinary SQL, with no
// separate setup step. This is the Go-native half of the loadable
// extension: a single in-process registration wired through
// mattn/go-sqlite3's ConnectHook. Hosts without Go in the process load
// cmd/taskengine-loadext's c-shared build instead.
package taskengine

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/sqlfuncs"
)

func init() {
	sql.Register("taskengine", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := sqlfuncs.Register(conn); err != nil {
				return err
			}
			return sqlfuncs.EnsureSchema(conn)
		},
	})
}
