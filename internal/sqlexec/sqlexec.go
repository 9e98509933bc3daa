// Package sqlexec is the thin wrapper the engine uses to talk to the
// connection that invoked it. It never goes through database/sql's
// connection pool: every call the engine makes must land on the exact
// *sqlite3.SQLiteConn that SQLite handed the calling function, or the
// BEGIN IMMEDIATE transaction discipline in internal/engine would silently
// run statements on a different connection.
package sqlexec

import (
	"database/sql/driver"
	"fmt"
	"io"
	"strconv"
)

// Conn is the minimal surface the engine needs out of a live SQLite
// connection: prepare+bind+step+finalize, hidden behind Exec/Query.
// *sqlite3.SQLiteConn satisfies this directly (it implements driver.Execer
// and driver.Queryer). Tests satisfy it with TxConn, a wrapper over
// *sql.Tx opened against an in-memory SQLite database.
type Conn interface {
	Exec(query string, args []driver.Value) (driver.Result, error)
	Query(query string, args []driver.Value) (driver.Rows, error)
}

// Row is a single materialized result row, indexed positionally to match
// the bit-stable column orders the schema (§6) requires.
type Row []driver.Value

// Int64 returns column i as an integer, treating SQL NULL as 0.
func (r Row) Int64(i int) int64 {
	v, _ := asInt64(r[i])
	return v
}

// NullInt64 returns column i as an integer plus whether it was non-NULL.
func (r Row) NullInt64(i int) (int64, bool) {
	if r[i] == nil {
		return 0, false
	}
	v, _ := asInt64(r[i])
	return v, true
}

// String returns column i as text, treating SQL NULL as "".
func (r Row) String(i int) string {
	v, _ := asString(r[i])
	return v
}

// NullString returns column i as text plus whether it was non-NULL.
func (r Row) NullString(i int) (string, bool) {
	if r[i] == nil {
		return "", false
	}
	v, _ := asString(r[i])
	return v, true
}

func asInt64(v driver.Value) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		// Columns with TEXT affinity (e.g. settings.value) store integers
		// as their text representation; parse it back.
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sqlexec: value %q is not an integer: %w", t, err)
		}
		return n, nil
	case []byte:
		return asInt64(string(t))
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("sqlexec: value %v (%T) is not an integer", v, v)
	}
}

func asString(v driver.Value) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("sqlexec: value %v (%T) is not text", v, v)
	}
}

// Exec runs a single parameterized statement and returns rows affected.
func Exec(conn Conn, query string, args ...driver.Value) (int64, error) {
	res, err := conn.Exec(query, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecScript runs a batch of semicolon-separated statements with no bound
// arguments, used by the migration runner to apply a migration file in one
// shot.
func ExecScript(conn Conn, script string) error {
	_, err := conn.Exec(script, nil)
	return err
}

// QueryRow runs query and returns its first row, or (nil, nil) if it
// produced no rows.
func QueryRow(conn Conn, query string, args ...driver.Value) (Row, error) {
	rows, err := conn.Query(query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := rows.Columns()
	dest := make([]driver.Value, len(cols))
	if err := rows.Next(dest); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return Row(dest), nil
}

// QueryAll runs query and materializes every row.
func QueryAll(conn Conn, query string, args ...driver.Value) ([]Row, error) {
	rows, err := conn.Query(query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := rows.Columns()
	var out []Row
	for {
		dest := make([]driver.Value, len(cols))
		if err := rows.Next(dest); err != nil {
			if err != io.EOF {
				return out, err
			}
			break
		}
		out = append(out, Row(dest))
	}
	return out, nil
}
