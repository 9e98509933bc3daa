// Package sqlfuncs is the function surface: it binds every internal/engine
// operation to a SQL scalar or table-valued
// function on a *sqlite3.SQLiteConn, translating SQLite's typed argument
// values into engine calls and streaming results back as rows. Nothing in
// this package holds domain state -- it is pure plumbing between SQLite's
// C API (via mattn/go-sqlite3) and the engine package.
//
// go-sqlite3 gates its virtual-table API behind the sqlite_vtable build
// tag, so binaries importing this package build with -tags sqlite_vtable.
package sqlfuncs

import (
	"database/sql/driver"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// tvfRow is one result row of a table-valued function, indexed the same
// way as its declared output columns.
type tvfRow []any

// tvfSpec describes one table-valued function: its declared schema (output
// columns followed by HIDDEN input-argument columns, matching the pattern
// SQLite's own table-valued functions like json_each use) and the function
// that executes it once per Filter call.
type tvfSpec struct {
	name           string
	schemaSQL      string
	firstHiddenCol int
	numArgs        int
	mutating       bool
	jsonCols       map[int]bool
	run            func(conn sqlexec.Conn, args []driver.Value) ([]tvfRow, error)
}

// vtabModule adapts a tvfSpec into mattn/go-sqlite3's Module interface.
// The EponymousOnlyModule marker makes the table usable directly as
// name(args...) in a FROM clause -- the shape SQLite's own table-valued
// functions like json_each take -- without ever requiring a CREATE VIRTUAL
// TABLE statement.
type vtabModule struct {
	spec tvfSpec
}

func (m *vtabModule) EponymousOnlyModule() {}

func (m *vtabModule) DestroyModule() {}

func (m *vtabModule) Create(c *sqlite3.SQLiteConn, args []string) (sqlite3.VTab, error) {
	return m.Connect(c, args)
}

func (m *vtabModule) Connect(c *sqlite3.SQLiteConn, args []string) (sqlite3.VTab, error) {
	if err := c.DeclareVTab(m.spec.schemaSQL); err != nil {
		return nil, fmt.Errorf("sqlfuncs: declaring %s: %w", m.spec.name, err)
	}
	return &vtab{spec: m.spec, conn: c}, nil
}

type vtab struct {
	spec tvfSpec
	conn *sqlite3.SQLiteConn
}

// BestIndex marks every usable equality constraint on a hidden argument
// column -- exactly what the table-valued-function call syntax
// name(a, b, c) supplies -- as used so their values arrive in Filter. A
// plan that binds fewer than all numArgs arguments is not rejected; it is
// only costed at 1e9 instead of 1.
func (v *vtab) BestIndex(cst []sqlite3.InfoConstraint, _ []sqlite3.InfoOrderBy) (*sqlite3.IndexResult, error) {
	used := make([]bool, len(cst))
	matched := 0
	for i, c := range cst {
		if c.Usable && c.Op == sqlite3.OpEQ && c.Column >= v.spec.firstHiddenCol {
			used[i] = true
			matched++
		}
	}
	cost := 1e9
	if matched == v.spec.numArgs {
		cost = 1.0
	}
	return &sqlite3.IndexResult{Used: used, EstimatedCost: cost, EstimatedRows: 1}, nil
}

func (v *vtab) Disconnect() error { return nil }
func (v *vtab) Destroy() error    { return nil }

func (v *vtab) Open() (sqlite3.VTabCursor, error) {
	return &vtabCursor{vtab: v}, nil
}

type vtabCursor struct {
	vtab *vtab
	rows []tvfRow
	pos  int
}

func (c *vtabCursor) Filter(idxNum int, idxStr string, vals []interface{}) error {
	args := make([]driver.Value, len(vals))
	for i, v := range vals {
		args[i] = v
	}

	if !c.vtab.spec.mutating {
		rows, err := c.vtab.spec.run(c.vtab.conn, args)
		if err != nil {
			return err
		}
		c.rows = rows
		c.pos = 0
		return nil
	}

	var rows []tvfRow
	err := withFrame(c.vtab.conn, func() error {
		var runErr error
		rows, runErr = c.vtab.spec.run(c.vtab.conn, args)
		return runErr
	})
	if err != nil {
		return err
	}
	c.rows = rows
	c.pos = 0
	return nil
}

func (c *vtabCursor) Next() error {
	c.pos++
	return nil
}

func (c *vtabCursor) EOF() bool {
	return c.pos >= len(c.rows)
}

func (c *vtabCursor) Column(ctx *sqlite3.SQLiteContext, col int) error {
	if col >= len(c.rows[c.pos]) {
		ctx.ResultNull()
		return nil
	}
	switch v := c.rows[c.pos][col].(type) {
	case nil:
		ctx.ResultNull()
	case string:
		ctx.ResultText(v)
		if c.vtab.spec.jsonCols[col] {
			resultJSONSubtype(ctx)
		}
	case int64:
		ctx.ResultInt64(v)
	case int:
		ctx.ResultInt(v)
	case bool:
		ctx.ResultBool(v)
	default:
		return fmt.Errorf("sqlfuncs: unsupported column value type %T", v)
	}
	return nil
}

func (c *vtabCursor) Rowid() (int64, error) {
	return int64(c.pos), nil
}

func (c *vtabCursor) Close() error { return nil }
