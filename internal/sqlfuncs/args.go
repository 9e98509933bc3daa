package sqlfuncs

import (
	"database/sql/driver"
	"strconv"
)

// argString reads a hidden-column argument as text, treating SQL NULL as
// the empty-string "absent" sentinel.
func argString(v driver.Value) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// argInt64 reads a hidden-column argument as an integer, treating SQL NULL
// (and anything unparseable) as zero.
func argInt64(v driver.Value) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// argNullInt64 reads a hidden-column argument as an integer, also reporting
// whether it was SQL NULL -- used for optional trailing arguments like
// await_event's timeout_secs.
func argNullInt64(v driver.Value) (int64, bool) {
	if v == nil {
		return 0, false
	}
	return argInt64(v), true
}
