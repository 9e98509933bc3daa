package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPresetsMissingFileIsNotAnError(t *testing.T) {
	presets, err := LoadPresets("")
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 0 {
		t.Fatalf("expected no presets, got %d", len(presets))
	}
}

func TestLoadPresetsParsesRetryStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presets.yaml")
	doc := `
presets:
  - name: aggressive-retry
    retry_strategy:
      kind: exponential
      base_seconds: 0.5
      max_seconds: 60
    max_attempts: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	presets, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	p, ok := presets["aggressive-retry"]
	if !ok {
		t.Fatalf("expected preset %q to be present", "aggressive-retry")
	}
	if p.MaxAttempts == nil || *p.MaxAttempts != 10 {
		t.Fatalf("expected max_attempts 10, got %v", p.MaxAttempts)
	}
	js, err := p.RetryStrategyJSON()
	if err != nil {
		t.Fatalf("RetryStrategyJSON: %v", err)
	}
	if js == "" {
		t.Fatalf("expected non-empty retry_strategy JSON")
	}
}
