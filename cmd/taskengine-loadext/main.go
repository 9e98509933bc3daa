// Command taskengine-loadext builds the genuine SQLite loadable extension:
// a -buildmode=c-shared library any SQLite host (not just a Go one) can
// `.load` into a plain `sqlite3` CLI or any other language's SQLite binding.
// internal/sqlfuncs (used by cmd/taskenginectl, cmd/taskengine-workerd, and
// the root driver registration) reaches the same engine through
// mattn/go-sqlite3's ConnectHook, which only fires for connections opened
// by a Go database/sql program linking this module -- it cannot help a
// host that has no Go in its process at all. This binary covers those
// hosts.
//
// Every table-valued function of internal/sqlfuncs is exposed here as a
// scalar function returning its rows as JSON TEXT instead; the other
// scalar functions (complete_run, fail_run, cleanup_tasks, ...) keep their
// plain integer or NULL results. The reason is that
// SQLite's public C extension API (sqlite3_create_function_v2) hands back
// a single value per call with no equivalent to go-sqlite3's high-level
// Module/VTab interfaces, and hand-rolling the sqlite3_module vtable
// struct in cgo is out of scope here. claim_task_json, for instance,
// returns a JSON array of claimed runs instead of one row per run.
package main

/*
#cgo LDFLAGS: -lsqlite3
#include <sqlite3.h>
#include <stdlib.h>

extern void goDispatch(sqlite3_context*, int, sqlite3_value**);

static void cDispatchTrampoline(sqlite3_context *ctx, int argc, sqlite3_value **argv) {
	goDispatch(ctx, argc, argv);
}

static int registerFn(sqlite3 *db, const char *name, int nArg, void *opName) {
	return sqlite3_create_function_v2(db, name, nArg, SQLITE_UTF8, opName, cDispatchTrampoline, 0, 0, 0);
}

// sqlite3_result_text's destructor parameter and sqlite3_bind_text's share
// the same SQLITE_TRANSIENT macro cgo can't reference directly (see
// cconn.go) -- same C-wrapper workaround, result-side this time.
static void taskengine_result_text(sqlite3_context *ctx, const char *text, int n) {
	sqlite3_result_text(ctx, text, n, SQLITE_TRANSIENT);
}

// cgo cannot call variadic C functions like sqlite3_mprintf directly, so
// these wrappers pin the call to the one- and two-argument shapes actually
// used below.
static char *taskengine_mprintf_d(const char *format, int n) {
	return sqlite3_mprintf(format, n);
}

static char *taskengine_mprintf_s(const char *format, const char *s) {
	return sqlite3_mprintf(format, s);
}
*/
import "C"

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"unsafe"

	"github.com/Napageneral/taskengine/internal/clock"
	"github.com/Napageneral/taskengine/internal/engine"
	"github.com/Napageneral/taskengine/internal/migrate"
	"github.com/Napageneral/taskengine/internal/sqlexec"
)

// handler is one dispatch target: it receives the call's arguments already
// coerced to driver.Value (text/int64/NULL) and returns a JSON-encodable
// result, matching the shape of the corresponding internal/sqlfuncs
// function (scalar.go / tvf.go) it mirrors.
type handler func(conn sqlexec.Conn, args []driver.Value) (interface{}, error)

var handlers = map[string]handler{
	"version": func(_ sqlexec.Conn, _ []driver.Value) (interface{}, error) {
		return engineVersion(), nil
	},
	"create_queue": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		created, err := engine.CreateQueue(c, str(a, 0))
		return created, err
	},
	"drop_queue": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return nil, engine.DropQueue(c, str(a, 0))
	},
	"spawn_task_json": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		var opts struct {
			Headers        json.RawMessage `json:"headers"`
			RetryStrategy  json.RawMessage `json:"retry_strategy"`
			MaxAttempts    *int64          `json:"max_attempts"`
			Cancellation   json.RawMessage `json:"cancellation"`
			IdempotencyKey string          `json:"idempotency_key"`
		}
		if raw := str(a, 3); raw != "" {
			if err := json.Unmarshal([]byte(raw), &opts); err != nil {
				return nil, fmt.Errorf("%w: options is not valid JSON", engine.ErrValidation)
			}
		}
		return engine.Spawn(c, engine.SpawnParams{
			Queue:          str(a, 0),
			Task:           str(a, 1),
			Params:         str(a, 2),
			Headers:        rawOrEmpty(opts.Headers),
			RetryStrategy:  rawOrEmpty(opts.RetryStrategy),
			MaxAttempts:    opts.MaxAttempts,
			Cancellation:   rawOrEmpty(opts.Cancellation),
			IdempotencyKey: opts.IdempotencyKey,
		})
	},
	"claim_task_json": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return engine.Claim(c, str(a, 0), str(a, 1), intArg(a, 2), intArg(a, 3))
	},
	"complete_run": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return nil, engine.Complete(c, str(a, 0), str(a, 1), str(a, 2))
	},
	"schedule_run": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		wakeAt, err := timeArg(a, 2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrValidation, err)
		}
		return nil, engine.Schedule(c, str(a, 0), str(a, 1), wakeAt)
	},
	"fail_run": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		var retryAt *int64
		if len(a) > 3 {
			v, err := timeArg(a, 3)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", engine.ErrValidation, err)
			}
			retryAt = &v
		}
		return nil, engine.Fail(c, str(a, 0), str(a, 1), str(a, 2), retryAt)
	},
	"extend_claim": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return nil, engine.ExtendClaim(c, str(a, 0), str(a, 1), intArg(a, 2))
	},
	"cancel_task": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return nil, engine.CancelTask(c, str(a, 0), str(a, 1))
	},
	"set_task_checkpoint_state": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		var extendBy *int64
		if len(a) > 5 {
			v := intArg(a, 5)
			extendBy = &v
		}
		return nil, engine.SetCheckpointState(c, str(a, 0), str(a, 1), str(a, 2), str(a, 3), str(a, 4), extendBy)
	},
	"get_task_checkpoint_state": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		state, found, err := engine.GetCheckpointState(c, str(a, 0), str(a, 1), str(a, 2))
		if err != nil {
			return nil, err
		}
		return struct {
			State string `json:"state"`
			Found bool   `json:"found"`
		}{state, found}, nil
	},
	"get_task_checkpoint_states_json": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return engine.GetCheckpointStates(c, str(a, 0), str(a, 1))
	},
	"await_event_json": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		var timeoutPtr *int64
		if len(a) > 5 && a[5] != nil {
			v := intArg(a, 5)
			timeoutPtr = &v
		}
		res, err := engine.AwaitEvent(c, str(a, 0), str(a, 1), str(a, 2), str(a, 3), str(a, 4), timeoutPtr)
		if err != nil {
			return nil, err
		}
		out := struct {
			ShouldSuspend bool            `json:"should_suspend"`
			Payload       json.RawMessage `json:"payload"`
		}{ShouldSuspend: res.ShouldSuspend}
		if res.HasPayload {
			out.Payload = json.RawMessage(res.Payload)
		}
		return out, nil
	},
	"set_fake_now": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		return nil, clock.SetFakeNow(c, intArg(a, 0))
	},
	"emit_event": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		hasPayload := len(a) > 2
		payload := ""
		if hasPayload {
			payload = str(a, 2)
		}
		return nil, engine.EmitEvent(c, str(a, 0), str(a, 1), payload, hasPayload)
	},
	"cleanup_tasks": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		limit := int64(0)
		if len(a) > 2 {
			limit = intArg(a, 2)
		}
		return engine.CleanupTasks(c, str(a, 0), intArg(a, 1), limit)
	},
	"cleanup_events": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		limit := int64(0)
		if len(a) > 2 {
			limit = intArg(a, 2)
		}
		return engine.CleanupEvents(c, str(a, 0), intArg(a, 1), limit)
	},
	"list_queues_json": func(c sqlexec.Conn, _ []driver.Value) (interface{}, error) {
		return engine.ListQueues(c)
	},
	"migration_records_json": func(c sqlexec.Conn, _ []driver.Value) (interface{}, error) {
		return migrate.Records(c)
	},
	"apply_migrations": func(c sqlexec.Conn, a []driver.Value) (interface{}, error) {
		target := 0
		if len(a) > 0 {
			target = int(intArg(a, 0))
		}
		now, err := clock.NowMS(c)
		if err != nil {
			return nil, err
		}
		return migrate.Apply(c, now, target)
	},
}

func rawOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	return string(m)
}

func str(a []driver.Value, i int) string {
	if i >= len(a) || a[i] == nil {
		return ""
	}
	switch v := a[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func intArg(a []driver.Value, i int) int64 {
	if i >= len(a) || a[i] == nil {
		return 0
	}
	switch v := a[i].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// timeArg reads an argument that may be an integer (ms since epoch) or an
// RFC-3339 string -- wake_at/retry_at accept either form.
func timeArg(a []driver.Value, i int) (int64, error) {
	if i >= len(a) || a[i] == nil {
		return 0, nil
	}
	if v, ok := a[i].(int64); ok {
		return v, nil
	}
	return clock.ParseMS(str(a, i))
}

//export goDispatch
func goDispatch(ctx *C.sqlite3_context, argc C.int, argv **C.sqlite3_value) {
	opName := C.GoString((*C.char)(C.sqlite3_user_data(ctx)))
	h, ok := handlers[opName]
	if !ok {
		errText := C.CString("taskengine-loadext: unknown function " + opName)
		defer C.free(unsafe.Pointer(errText))
		C.sqlite3_result_error(ctx, errText, -1)
		return
	}

	args := make([]driver.Value, int(argc))
	rawArgs := unsafe.Slice(argv, int(argc))
	for i, v := range rawArgs {
		args[i] = valueFromSQLite(v)
	}

	conn := &cConn{db: C.sqlite3_context_db_handle(ctx)}
	var result interface{}
	var err error
	if mutatingHandlers[opName] {
		err = withCFrame(conn, func() error {
			var innerErr error
			result, innerErr = h(conn, args)
			return innerErr
		})
	} else {
		result, err = h(conn, args)
	}
	if err != nil {
		errText := C.CString(err.Error())
		defer C.free(unsafe.Pointer(errText))
		C.sqlite3_result_error(ctx, errText, -1)
		return
	}
	if result == nil {
		C.sqlite3_result_null(ctx)
		return
	}
	if s, ok := result.(string); ok {
		resultText(ctx, s)
		return
	}
	if b, ok := result.(bool); ok {
		if b {
			C.sqlite3_result_int64(ctx, 1)
		} else {
			C.sqlite3_result_int64(ctx, 0)
		}
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		errText := C.CString("taskengine-loadext: encoding result: " + err.Error())
		defer C.free(unsafe.Pointer(errText))
		C.sqlite3_result_error(ctx, errText, -1)
		return
	}
	resultText(ctx, string(encoded))
	if jsonResultHandlers[opName] {
		C.sqlite3_result_subtype(ctx, C.uint(jsonSubtype))
	}
}

// mutatingHandlers names handlers that write: each runs inside the
// BEGIN IMMEDIATE / COMMIT / ROLLBACK frame every engine mutation requires,
// unless the host already opened a transaction of its own (withCFrame
// checks autocommit, same as internal/sqlfuncs's withFrame).
var mutatingHandlers = map[string]bool{
	"create_queue":              true,
	"drop_queue":                true,
	"spawn_task_json":           true,
	"claim_task_json":           true,
	"complete_run":              true,
	"schedule_run":              true,
	"fail_run":                  true,
	"extend_claim":              true,
	"cancel_task":               true,
	"set_task_checkpoint_state": true,
	"await_event_json":          true,
	"emit_event":                true,
	"cleanup_tasks":             true,
	"cleanup_events":            true,
	"apply_migrations":          true,
}

// jsonResultHandlers names handlers whose marshaled result is itself a JSON
// value a caller should decode -- unlike cleanup_tasks/
// cleanup_events/apply_migrations, which fall through the same json.Marshal
// path only because they return plain Go integers, not JSON.
var jsonResultHandlers = map[string]bool{
	"spawn_task_json":                 true,
	"claim_task_json":                 true,
	"get_task_checkpoint_state":       true,
	"get_task_checkpoint_states_json": true,
	"await_event_json":                true,
	"list_queues_json":                true,
	"migration_records_json":          true,
}

func resultText(ctx *C.sqlite3_context, s string) {
	cs := C.CString(s)
	defer C.free(unsafe.Pointer(cs))
	C.taskengine_result_text(ctx, cs, C.int(len(s)))
}

func valueFromSQLite(v *C.sqlite3_value) driver.Value {
	switch C.sqlite3_value_type(v) {
	case C.SQLITE_NULL:
		return nil
	case C.SQLITE_INTEGER:
		return int64(C.sqlite3_value_int64(v))
	case C.SQLITE_FLOAT:
		return float64(C.sqlite3_value_double(v))
	default:
		n := C.sqlite3_value_bytes(v)
		p := C.sqlite3_value_text(v)
		return C.GoStringN((*C.char)(unsafe.Pointer(p)), n)
	}
}

func engineVersion() string {
	return "0.1.0"
}

// jsonSubtype marks a TEXT result as JSON so a caller can decode
// it directly instead of re-parsing; every handler result reaching the
// json.Marshal fallback in goDispatch is JSON by construction.
const jsonSubtype = 'J'

// functionArity lists every registered function's name and C-visible
// argument count; -1 means variable arity (used where an optional
// trailing argument, like fail_run's retry_at, changes the count).
var functionArity = map[string]C.int{
	"version":                        0,
	"create_queue":                   1,
	"drop_queue":                     1,
	"spawn_task_json":                4,
	"claim_task_json":                4,
	"complete_run":                   3,
	"schedule_run":                   3,
	"fail_run":                       -1,
	"extend_claim":                   3,
	"cancel_task":                    2,
	"set_task_checkpoint_state":      -1,
	"get_task_checkpoint_state":      3,
	"get_task_checkpoint_states_json": 2,
	"await_event_json":               -1,
	"emit_event":                     -1,
	"set_fake_now":                   1,
	"cleanup_tasks":                  -1,
	"cleanup_events":                 -1,
	"list_queues_json":               0,
	"migration_records_json":         0,
	"apply_migrations":               -1,
}

// opNames keeps the C strings passed as sqlite3_create_function_v2's
// user-data pointer alive for the process lifetime of the loaded
// extension -- they must outlive every call into goDispatch.
var opNames = map[string]*C.char{}

//export sqlite3_taskengine_init
func sqlite3_taskengine_init(db *C.sqlite3, pzErrMsg **C.char, pApi unsafe.Pointer) C.int {
	// Built with #cgo LDFLAGS: -lsqlite3 (direct link against the host's
	// libsqlite3), so the sqlite3_api_routines indirection pApi carries
	// for extensions built against sqlite3ext.h is unused here -- every
	// sqlite3_* symbol below resolves against the linked library directly.
	_ = pApi

	// Every JSON-shaped write goes through jsonb(?), which shipped in
	// SQLite 3.45.0.
	if n := int(C.sqlite3_libversion_number()); n < 3045000 {
		format := C.CString("taskengine: linked SQLite %d is older than the required 3045000")
		defer C.free(unsafe.Pointer(format))
		*pzErrMsg = C.taskengine_mprintf_d(format, C.int(n))
		return C.SQLITE_ERROR
	}

	for name, arity := range functionArity {
		cname := C.CString(name)
		opNames[name] = cname
		if rc := C.registerFn(db, cname, arity, unsafe.Pointer(cname)); rc != C.SQLITE_OK {
			format := C.CString("taskengine: failed to register %s")
			defer C.free(unsafe.Pointer(format))
			*pzErrMsg = C.taskengine_mprintf_s(format, cname)
			return rc
		}
	}
	return C.SQLITE_OK
}

func main() {}
