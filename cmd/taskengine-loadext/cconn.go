package main

// A small sqlexec.Conn implementation over a raw *C.sqlite3 handle, for use
// only from the C-ABI entry point in main.go. Every other host in this repo
// (cmd/taskenginectl, cmd/taskengine-workerd, the root driver registration)
// reaches the engine through mattn/go-sqlite3's *sqlite3.SQLiteConn, which
// already satisfies sqlexec.Conn. A genuine SQLite loadable extension is
// handed a bare C connection by the host that .load()s it, with no Go
// driver involved, so this file exists purely to bridge that gap.

/*
#cgo LDFLAGS: -lsqlite3
#include <sqlite3.h>
#include <stdlib.h>

// SQLITE_TRANSIENT is a (void*)-1 cast baked into a macro that cgo can't
// translate into a Go expression directly, so it gets its own C wrapper --
// the same indirection mattn/go-sqlite3 uses for the same reason.
static int taskengine_bind_text(sqlite3_stmt *stmt, int col, const char *text, int n) {
	return sqlite3_bind_text(stmt, col, text, n, SQLITE_TRANSIENT);
}

static int taskengine_bind_blob(sqlite3_stmt *stmt, int col, const void *data, int n) {
	return sqlite3_bind_blob(stmt, col, data, n, SQLITE_TRANSIENT);
}
*/
import "C"

import (
	"database/sql/driver"
	"fmt"
	"io"
	"unsafe"
)

// cConn adapts a raw *C.sqlite3 to sqlexec.Conn using cgo-level
// prepare/bind/step/finalize, the same four-call shape mattn/go-sqlite3
// itself builds on internally.
type cConn struct {
	db *C.sqlite3
}

func (c *cConn) prepare(query string) (*C.sqlite3_stmt, error) {
	cq := C.CString(query)
	defer C.free(unsafe.Pointer(cq))

	var stmt *C.sqlite3_stmt
	rc := C.sqlite3_prepare_v2(c.db, cq, -1, &stmt, nil)
	if rc != C.SQLITE_OK {
		return nil, fmt.Errorf("taskengine-loadext: prepare: %s", C.GoString(C.sqlite3_errmsg(c.db)))
	}
	return stmt, nil
}

func bindArgs(stmt *C.sqlite3_stmt, args []driver.Value) error {
	for i, a := range args {
		idx := C.int(i + 1)
		var rc C.int
		switch v := a.(type) {
		case nil:
			rc = C.sqlite3_bind_null(stmt, idx)
		case int64:
			rc = C.sqlite3_bind_int64(stmt, idx, C.sqlite3_int64(v))
		case float64:
			rc = C.sqlite3_bind_double(stmt, idx, C.double(v))
		case string:
			cs := C.CString(v)
			rc = C.taskengine_bind_text(stmt, idx, cs, C.int(len(v)))
			C.free(unsafe.Pointer(cs))
		case []byte:
			if len(v) == 0 {
				rc = C.sqlite3_bind_null(stmt, idx)
			} else {
				rc = C.taskengine_bind_blob(stmt, idx, unsafe.Pointer(&v[0]), C.int(len(v)))
			}
		default:
			return fmt.Errorf("taskengine-loadext: unsupported bind arg type %T", v)
		}
		if rc != C.SQLITE_OK {
			return fmt.Errorf("taskengine-loadext: bind arg %d failed (rc=%d)", i, int(rc))
		}
	}
	return nil
}

func columnValue(stmt *C.sqlite3_stmt, col C.int) driver.Value {
	switch C.sqlite3_column_type(stmt, col) {
	case C.SQLITE_NULL:
		return nil
	case C.SQLITE_INTEGER:
		return int64(C.sqlite3_column_int64(stmt, col))
	case C.SQLITE_FLOAT:
		return float64(C.sqlite3_column_double(stmt, col))
	default:
		n := C.sqlite3_column_bytes(stmt, col)
		p := C.sqlite3_column_text(stmt, col)
		return C.GoStringN((*C.char)(unsafe.Pointer(p)), n)
	}
}

// Exec runs every statement in query to completion and reports rows
// affected by the last one. Migration scripts arrive as one multi-statement
// string, so the prepare loop walks sqlite3_prepare_v2's tail pointer the
// same way sqlite3_exec does.
func (c *cConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	cq := C.CString(query)
	defer C.free(unsafe.Pointer(cq))

	var res cResult
	tail := cq
	for {
		var stmt *C.sqlite3_stmt
		var next *C.char
		rc := C.sqlite3_prepare_v2(c.db, tail, -1, &stmt, &next)
		if rc != C.SQLITE_OK {
			return nil, fmt.Errorf("taskengine-loadext: prepare: %s", C.GoString(C.sqlite3_errmsg(c.db)))
		}
		tail = next
		if stmt == nil {
			// Trailing whitespace or comments.
			if tail == nil || *tail == 0 {
				break
			}
			continue
		}

		if err := bindArgs(stmt, args); err != nil {
			C.sqlite3_finalize(stmt)
			return nil, err
		}
		for {
			rc := C.sqlite3_step(stmt)
			if rc == C.SQLITE_ROW {
				continue
			}
			if rc != C.SQLITE_DONE {
				err := fmt.Errorf("taskengine-loadext: step: %s", C.GoString(C.sqlite3_errmsg(c.db)))
				C.sqlite3_finalize(stmt)
				return nil, err
			}
			break
		}
		C.sqlite3_finalize(stmt)
		res = cResult{
			lastInsertID: int64(C.sqlite3_last_insert_rowid(c.db)),
			rowsAffected: int64(C.sqlite3_changes(c.db)),
		}
		if tail == nil || *tail == 0 {
			break
		}
	}
	return res, nil
}

// Query runs a statement and materializes every row eagerly -- simplest
// correct option here since cRows doesn't need to stream past the
// function call's lifetime.
func (c *cConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	stmt, err := c.prepare(query)
	if err != nil {
		return nil, err
	}
	defer C.sqlite3_finalize(stmt)

	if err := bindArgs(stmt, args); err != nil {
		return nil, err
	}

	n := int(C.sqlite3_column_count(stmt))
	cols := make([]string, n)
	for i := 0; i < n; i++ {
		cols[i] = C.GoString(C.sqlite3_column_name(stmt, C.int(i)))
	}

	var rows [][]driver.Value
	for {
		rc := C.sqlite3_step(stmt)
		if rc == C.SQLITE_DONE {
			break
		}
		if rc != C.SQLITE_ROW {
			return nil, fmt.Errorf("taskengine-loadext: step: %s", C.GoString(C.sqlite3_errmsg(c.db)))
		}
		row := make([]driver.Value, n)
		for i := 0; i < n; i++ {
			row[i] = columnValue(stmt, C.int(i))
		}
		rows = append(rows, row)
	}
	return &cRows{cols: cols, rows: rows}, nil
}

// withCFrame is internal/sqlfuncs's withFrame for the raw C connection:
// BEGIN IMMEDIATE / COMMIT / ROLLBACK around fn, skipped when the host
// already holds a transaction of its own.
func withCFrame(c *cConn, fn func() error) error {
	ownsTx := C.sqlite3_get_autocommit(c.db) != 0
	if ownsTx {
		if _, err := c.Exec("BEGIN IMMEDIATE", nil); err != nil {
			return fmt.Errorf("taskengine-loadext: beginning transaction: %w", err)
		}
	}
	if err := fn(); err != nil {
		if ownsTx {
			_, _ = c.Exec("ROLLBACK", nil)
		}
		return err
	}
	if ownsTx {
		if _, err := c.Exec("COMMIT", nil); err != nil {
			return fmt.Errorf("taskengine-loadext: committing transaction: %w", err)
		}
	}
	return nil
}

type cResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r cResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r cResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type cRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *cRows) Columns() []string { return r.cols }
func (r *cRows) Close() error      { return nil }

func (r *cRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
