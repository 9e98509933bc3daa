// Package hostconfig loads configuration for the host binaries
// (cmd/taskenginectl, cmd/taskengine-workerd). The engine package itself
// takes no configuration -- every call it makes is parameterized by its
// caller -- so this only exists at the process boundary.
package hostconfig

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the CLI/daemon's environment-bound configuration: defaults,
// then env overrides, bound through struct tags.
type Config struct {
	Env      string `env:"TASKENGINE_ENV" envDefault:"local"`
	LogLevel string `env:"TASKENGINE_LOG_LEVEL" envDefault:"info"`

	DBPath string `env:"TASKENGINE_DB_PATH" envDefault:"./taskengine.db"`
	Queue  string `env:"TASKENGINE_QUEUE" envDefault:"default"`

	WorkerID         string        `env:"TASKENGINE_WORKER_ID"`
	PollInterval     time.Duration `env:"TASKENGINE_POLL_INTERVAL" envDefault:"1s"`
	ClaimTimeoutSecs int64         `env:"TASKENGINE_CLAIM_TIMEOUT_SECS" envDefault:"30"`
	ClaimBatchSize   int64         `env:"TASKENGINE_CLAIM_BATCH_SIZE" envDefault:"10"`

	CleanupCron      string `env:"TASKENGINE_CLEANUP_CRON" envDefault:"@hourly"`
	CleanupTTLSecs   int64  `env:"TASKENGINE_CLEANUP_TTL_SECS" envDefault:"604800"`
	CleanupBatchSize int64  `env:"TASKENGINE_CLEANUP_BATCH_SIZE" envDefault:"1000"`

	// PresetsPath, if set, points at a YAML file of named retry/cancellation
	// presets (see presets.go) that `taskenginectl spawn --preset=<name>`
	// resolves instead of requiring hand-authored JSON on the command line.
	PresetsPath string `env:"TASKENGINE_PRESETS_PATH"`
}

// Load returns a Config with defaults applied, then overridden by any set
// environment variables. There is no on-disk config file layer --
// presets.go's YAML file covers engine-domain policy, not process
// settings.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: parse env: %w", err)
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, nil
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
