// Package sqlexectest adapts a *sql.Tx onto the sqlexec.Conn interface so
// package tests can exercise internal/engine and internal/migrate without a
// live SQLite extension load — only this repo's test files import it.
package sqlexectest

import (
	"database/sql"
	"database/sql/driver"
	"io"
)

// TxConn wraps a *sql.Tx as an sqlexec.Conn. Production code never uses
// this: the engine is only ever invoked with the connection SQLite itself
// handed the calling function (a *sqlite3.SQLiteConn, or
// cmd/taskengine-loadext's cConn).
type TxConn struct {
	Tx *sql.Tx
}

func (c TxConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	return c.Tx.Exec(query, anyArgs...)
}

func (c TxConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	rows, err := c.Tx.Query(query, anyArgs...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &rowsAdapter{rows: rows, cols: cols}, nil
}

type rowsAdapter struct {
	rows *sql.Rows
	cols []string
}

func (r *rowsAdapter) Columns() []string { return r.cols }
func (r *rowsAdapter) Close() error      { return r.rows.Close() }

func (r *rowsAdapter) Next(dest []driver.Value) error {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	scanDest := make([]any, len(dest))
	for i := range scanDest {
		scanDest[i] = &scanHolder{}
	}
	if err := r.rows.Scan(scanDest...); err != nil {
		return err
	}
	for i, d := range scanDest {
		dest[i] = d.(*scanHolder).v
	}
	return nil
}

// scanHolder lets us Scan into an interface{} target and recover whatever
// concrete driver.Value the sql package produced (int64, float64, string,
// []byte, time.Time, or nil).
type scanHolder struct{ v any }

func (s *scanHolder) Scan(src any) error {
	// database/sql may reuse a []byte between Scan calls; copy it so the
	// materialized Row stays valid after the cursor advances.
	if b, ok := src.([]byte); ok {
		s.v = append([]byte(nil), b...)
		return nil
	}
	s.v = src
	return nil
}
