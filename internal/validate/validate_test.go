package validate_test

import (
	"strings"
	"testing"
)

import "github.com/Napageneral/taskengine/internal/validate"

func TestNameAcceptsOrdinaryIdentifiers(t *testing.T) {
	for _, ok := range []string{"alpha", "order-events", "step.one", "a", "Queue_1", "has space", "emoji😀"} {
		if err := validate.Name("queue_name", ok); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", ok, err)
		}
	}
}

func TestNameRejectsEmpty(t *testing.T) {
	for _, bad := range []string{"", "   "} {
		if err := validate.Name("task_name", bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestNameRejectsOverlongQueueName(t *testing.T) {
	if err := validate.Name("queue_name", strings.Repeat("a", 49)); err == nil {
		t.Error("expected a 49-character queue_name to be rejected")
	}
	if err := validate.Name("queue_name", strings.Repeat("a", 48)); err != nil {
		t.Errorf("expected a 48-character queue_name to be accepted, got %v", err)
	}
}

func TestNameHasNoLengthCapOutsideQueueName(t *testing.T) {
	if err := validate.Name("task_name", strings.Repeat("a", 200)); err != nil {
		t.Errorf("expected a long task_name to be accepted, got %v", err)
	}
}

func TestJSONAllowsEmptySentinel(t *testing.T) {
	if err := validate.JSON("params", ""); err != nil {
		t.Errorf("expected empty string to be valid absent-sentinel, got %v", err)
	}
}

func TestJSONRejectsMalformed(t *testing.T) {
	if err := validate.JSON("params", "{not json"); err == nil {
		t.Error("expected malformed JSON to be rejected")
	}
}

func TestNonEmptyJSONRejectsEmpty(t *testing.T) {
	if err := validate.NonEmptyJSON("state", ""); err == nil {
		t.Error("expected empty state to be rejected")
	}
}

func TestPositiveInt(t *testing.T) {
	if err := validate.PositiveInt("qty", 0); err == nil {
		t.Error("expected 0 to be rejected")
	}
	if err := validate.PositiveInt("qty", 1); err != nil {
		t.Errorf("expected 1 to be accepted, got %v", err)
	}
}

func TestNonNegativeInt(t *testing.T) {
	if err := validate.NonNegativeInt("ttl", -1); err == nil {
		t.Error("expected -1 to be rejected")
	}
	if err := validate.NonNegativeInt("ttl", 0); err != nil {
		t.Errorf("expected 0 to be accepted, got %v", err)
	}
}
