package sqlfuncs

// resultJSONSubtype tags a scalar/vtab-column result already written via
// ResultText with SQLite's JSON subtype, so a downstream json() call sees
// the value as JSON instead of plain text.
// It declares sqlite3_context and sqlite3_result_subtype itself rather than
// including <sqlite3.h>: mattn/go-sqlite3 already links the full SQLite
// amalgamation into this binary, so the symbol resolves at link time without
// pulling in a second copy of the header.

/*
typedef struct sqlite3_context sqlite3_context;
extern void sqlite3_result_subtype(sqlite3_context*, unsigned int);
*/
import "C"

import (
	"unsafe"

	"github.com/mattn/go-sqlite3"
)

const jsonSubtype = 'J'

func resultJSONSubtype(ctx *sqlite3.SQLiteContext) {
	c := (*C.sqlite3_context)(unsafe.Pointer(ctx))
	C.sqlite3_result_subtype(c, C.uint(jsonSubtype))
}
