// Package validate rejects malformed names before the engine ever opens a
// transaction. These are deliberately trivial predicates; anything
// stateful belongs in the engine itself.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxQueueNameLen is queue_name's length cap. The two extra characters in
// the original check account for a surrounding delimiter pair that never
// reaches this package, so the usable length is 48.
const maxQueueNameLen = 48

// Name validates a queue/task_name/checkpoint_name/event_name/step_name:
// just a non-empty (after trimming) check, with an added length cap for
// queue_name. Names may contain spaces, punctuation, or non-ASCII -- nothing
// here restricts the character set.
func Name(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("validation: %s must be provided", field)
	}
	if field == "queue_name" && len(value) > maxQueueNameLen {
		return fmt.Errorf("validation: %s is too long (max %d characters)", field, maxQueueNameLen)
	}
	return nil
}

// JSON validates that value is well-formed JSON. An empty string is treated
// as the internal "absent" sentinel and is valid.
func JSON(field, value string) error {
	if value == "" {
		return nil
	}
	if !json.Valid([]byte(value)) {
		return fmt.Errorf("validation: %s is not valid JSON", field)
	}
	return nil
}

// NonEmptyJSON validates value is JSON and rejects the empty sentinel,
// used where a real payload is required (e.g. a checkpoint's state).
func NonEmptyJSON(field, value string) error {
	if value == "" {
		return fmt.Errorf("validation: %s must not be empty", field)
	}
	return JSON(field, value)
}

// PositiveInt validates a count/timeout argument is >= 1.
func PositiveInt(field string, value int64) error {
	if value < 1 {
		return fmt.Errorf("validation: %s must be >= 1, got %d", field, value)
	}
	return nil
}

// NonNegativeInt validates a duration/ttl argument is >= 0.
func NonNegativeInt(field string, value int64) error {
	if value < 0 {
		return fmt.Errorf("validation: %s must be >= 0, got %d", field, value)
	}
	return nil
}
