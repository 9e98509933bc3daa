package hostconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset is one named spawn preset: a retry strategy and/or cancellation
// policy a caller can reference by name instead of authoring the
// retry_strategy/cancellation JSON blobs spawn_task expects by hand every
// time. The policy bodies stay plain maps since their shape is a
// tagged-union the engine itself parses.
type Preset struct {
	Name          string                 `yaml:"name"`
	RetryStrategy map[string]interface{} `yaml:"retry_strategy"`
	Cancellation  map[string]interface{} `yaml:"cancellation"`
	MaxAttempts   *int64                 `yaml:"max_attempts"`
}

// LoadPresets reads a YAML file of presets, keyed by name for lookup by
// `taskenginectl spawn --preset=<name>`. A missing path is not an error --
// it just means no presets are configured.
func LoadPresets(path string) (map[string]Preset, error) {
	if path == "" {
		return map[string]Preset{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]Preset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hostconfig: reading presets file: %w", err)
	}

	var doc struct {
		Presets []Preset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("hostconfig: parsing presets file: %w", err)
	}

	out := make(map[string]Preset, len(doc.Presets))
	for _, p := range doc.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("hostconfig: preset missing a name")
		}
		out[p.Name] = p
	}
	return out, nil
}

// RetryStrategyJSON re-encodes the preset's retry_strategy map back to the
// JSON text spawn_task's options blob requires. Returns "" when the preset
// sets no retry strategy.
func (p Preset) RetryStrategyJSON() (string, error) {
	if p.RetryStrategy == nil {
		return "", nil
	}
	b, err := json.Marshal(p.RetryStrategy)
	if err != nil {
		return "", fmt.Errorf("hostconfig: encoding preset %q retry_strategy: %w", p.Name, err)
	}
	return string(b), nil
}

// CancellationJSON re-encodes the preset's cancellation map back to JSON.
func (p Preset) CancellationJSON() (string, error) {
	if p.Cancellation == nil {
		return "", nil
	}
	b, err := json.Marshal(p.Cancellation)
	if err != nil {
		return "", fmt.Errorf("hostconfig: encoding preset %q cancellation: %w", p.Name, err)
	}
	return string(b), nil
}
