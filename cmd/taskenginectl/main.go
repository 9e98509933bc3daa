// Command taskenginectl is a thin CLI client over the SQL function surface:
// every subcommand opens the "taskengine" driver (the root package's
// ConnectHook registration), runs one or more SQL calls, and prints a JSON
// result. It holds no engine logic of its own.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	_ "github.com/Napageneral/taskengine"
	"github.com/Napageneral/taskengine/internal/hostconfig"
)

var version = "0.1.0-dev"

func newLogger(cfg *hostconfig.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.Env == "local" && os.Getenv("NO_COLOR") == "" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.SlogLevel(),
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	return slog.New(handler)
}

func openDB(cfg *hostconfig.Config) (*sql.DB, error) {
	db, err := sql.Open("taskengine", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.DBPath, err)
	}
	db.SetMaxOpenConns(1) // single-writer engine; extra conns just contend on BEGIN IMMEDIATE
	return db, nil
}

func printJSON(data interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printErrorJSON(err error) error {
	_ = printJSON(map[string]interface{}{"ok": false, "error": err.Error()})
	return err
}

func main() {
	cfg, err := hostconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskenginectl: "+err.Error())
		os.Exit(1)
	}
	logger := newLogger(cfg)

	var queueFlag string

	rootCmd := &cobra.Command{
		Use:   "taskenginectl",
		Short: "Client for the durable task-queue engine's SQL function surface",
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the engine's SQLite database")
	rootCmd.PersistentFlags().StringVar(&queueFlag, "queue", cfg.Queue, "queue name")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]interface{}{"version": version})
		},
	}

	queueCmd := &cobra.Command{Use: "queue", Short: "Queue management"}

	queueCreateCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a queue (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var created int64
			if err := db.QueryRow("SELECT create_queue(?)", args[0]).Scan(&created); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "queue": args[0], "created": created == 1})
		},
	}

	queueDropCmd := &cobra.Command{
		Use:   "drop NAME",
		Short: "Drop a queue and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			if _, err := db.Exec("SELECT drop_queue(?)", args[0]); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "queue": args[0]})
		},
	}

	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			rows, err := db.Query("SELECT queue_name, created_at FROM list_queues()")
			if err != nil {
				return printErrorJSON(err)
			}
			defer rows.Close()
			type q struct {
				Name      string `json:"queue_name"`
				CreatedAt int64  `json:"created_at"`
			}
			var out []q
			for rows.Next() {
				var r q
				if err := rows.Scan(&r.Name, &r.CreatedAt); err != nil {
					return printErrorJSON(err)
				}
				out = append(out, r)
			}
			return printJSON(map[string]interface{}{"ok": true, "queues": out})
		},
	}

	queueCmd.AddCommand(queueCreateCmd, queueDropCmd, queueListCmd)

	var spawnParams, spawnHeaders, spawnRetryStrategy, spawnCancellation, spawnIdempotencyKey, spawnPreset string
	var spawnMaxAttempts int64
	spawnCmd := &cobra.Command{
		Use:   "spawn TASK_NAME",
		Short: "Spawn a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retryStrategy, cancellation := spawnRetryStrategy, spawnCancellation
			if spawnPreset != "" {
				presets, err := hostconfig.LoadPresets(cfg.PresetsPath)
				if err != nil {
					return printErrorJSON(err)
				}
				p, ok := presets[spawnPreset]
				if !ok {
					return printErrorJSON(fmt.Errorf("unknown preset %q", spawnPreset))
				}
				if retryStrategy == "" {
					if retryStrategy, err = p.RetryStrategyJSON(); err != nil {
						return printErrorJSON(err)
					}
				}
				if cancellation == "" {
					if cancellation, err = p.CancellationJSON(); err != nil {
						return printErrorJSON(err)
					}
				}
				if spawnMaxAttempts == 0 && p.MaxAttempts != nil {
					spawnMaxAttempts = *p.MaxAttempts
				}
			}

			options := map[string]interface{}{}
			if spawnHeaders != "" {
				options["headers"] = json.RawMessage(spawnHeaders)
			}
			if retryStrategy != "" {
				options["retry_strategy"] = json.RawMessage(retryStrategy)
			}
			if cancellation != "" {
				options["cancellation"] = json.RawMessage(cancellation)
			}
			if spawnMaxAttempts > 0 {
				options["max_attempts"] = spawnMaxAttempts
			}
			if spawnIdempotencyKey != "" {
				options["idempotency_key"] = spawnIdempotencyKey
			}
			optionsJSON, err := json.Marshal(options)
			if err != nil {
				return printErrorJSON(err)
			}

			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()

			var taskID, runID string
			var attempt, created int64
			row := db.QueryRow(
				"SELECT task_id, run_id, attempt, created FROM spawn_task(?, ?, ?, ?)",
				queueFlag, args[0], spawnParams, string(optionsJSON),
			)
			if err := row.Scan(&taskID, &runID, &attempt, &created); err != nil {
				return printErrorJSON(err)
			}
			logger.Info("spawned task", "queue", queueFlag, "task", args[0], "task_id", taskID)
			return printJSON(map[string]interface{}{
				"ok": true, "task_id": taskID, "run_id": runID, "attempt": attempt, "created": created == 1,
			})
		},
	}
	spawnCmd.Flags().StringVar(&spawnParams, "params", "{}", "JSON params blob")
	spawnCmd.Flags().StringVar(&spawnHeaders, "headers", "", "JSON headers blob")
	spawnCmd.Flags().StringVar(&spawnRetryStrategy, "retry-strategy", "", "JSON retry_strategy blob")
	spawnCmd.Flags().StringVar(&spawnCancellation, "cancellation", "", "JSON cancellation blob")
	spawnCmd.Flags().Int64Var(&spawnMaxAttempts, "max-attempts", 0, "maximum attempts (0 = unbounded)")
	spawnCmd.Flags().StringVar(&spawnIdempotencyKey, "idempotency-key", "", "idempotency key")
	spawnCmd.Flags().StringVar(&spawnPreset, "preset", "", "named retry/cancellation preset (see TASKENGINE_PRESETS_PATH)")

	var claimTimeoutSecs, claimQty int64
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim up to --qty eligible runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()

			rows, err := db.Query(
				"SELECT run_id, task_id, attempt, task_name, params, headers FROM claim_task(?, ?, ?, ?)",
				queueFlag, cfg.WorkerID, claimTimeoutSecs, claimQty,
			)
			if err != nil {
				return printErrorJSON(err)
			}
			defer rows.Close()

			type claimed struct {
				RunID    string `json:"run_id"`
				TaskID   string `json:"task_id"`
				Attempt  int64  `json:"attempt"`
				TaskName string `json:"task_name"`
				Params   string `json:"params"`
				Headers  string `json:"headers"`
			}
			var out []claimed
			for rows.Next() {
				var c claimed
				if err := rows.Scan(&c.RunID, &c.TaskID, &c.Attempt, &c.TaskName, &c.Params, &c.Headers); err != nil {
					return printErrorJSON(err)
				}
				out = append(out, c)
			}
			return printJSON(map[string]interface{}{"ok": true, "claimed": out})
		},
	}
	claimCmd.Flags().Int64Var(&claimTimeoutSecs, "claim-timeout-secs", 30, "claim lease duration in seconds (0 = no expiry)")
	claimCmd.Flags().Int64Var(&claimQty, "qty", 1, "maximum runs to claim")

	completeCmd := &cobra.Command{
		Use:   "complete RUN_ID RESULT_JSON",
		Short: "Mark a run completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			if _, err := db.Exec("SELECT complete_run(?, ?, ?)", queueFlag, args[0], args[1]); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "run_id": args[0]})
		},
	}

	var failRetryAt int64
	failCmd := &cobra.Command{
		Use:   "fail RUN_ID REASON_JSON",
		Short: "Mark a run failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var execErr error
			if failRetryAt > 0 {
				_, execErr = db.Exec("SELECT fail_run(?, ?, ?, ?)", queueFlag, args[0], args[1], failRetryAt)
			} else {
				_, execErr = db.Exec("SELECT fail_run(?, ?, ?)", queueFlag, args[0], args[1])
			}
			if execErr != nil {
				return printErrorJSON(execErr)
			}
			return printJSON(map[string]interface{}{"ok": true, "run_id": args[0]})
		},
	}
	failCmd.Flags().Int64Var(&failRetryAt, "retry-at", 0, "explicit retry time in epoch ms (0 = use the retry policy)")

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			if _, err := db.Exec("SELECT cancel_task(?, ?)", queueFlag, args[0]); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "task_id": args[0]})
		},
	}

	emitCmd := &cobra.Command{
		Use:   "emit EVENT_NAME [PAYLOAD_JSON]",
		Short: "Emit an event, waking any runs suspended on it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var execErr error
			if len(args) == 2 {
				_, execErr = db.Exec("SELECT emit_event(?, ?, ?)", queueFlag, args[0], args[1])
			} else {
				_, execErr = db.Exec("SELECT emit_event(?, ?)", queueFlag, args[0])
			}
			if execErr != nil {
				return printErrorJSON(execErr)
			}
			return printJSON(map[string]interface{}{"ok": true, "event_name": args[0]})
		},
	}

	cleanupCmd := &cobra.Command{Use: "cleanup", Short: "Garbage-collect terminal tasks and stale events"}
	var cleanupTTLSecs, cleanupLimit int64
	cleanupTasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Delete terminal tasks older than --ttl-secs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var n int64
			if err := db.QueryRow("SELECT cleanup_tasks(?, ?, ?)", queueFlag, cleanupTTLSecs, cleanupLimit).Scan(&n); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "deleted": n})
		},
	}
	cleanupEventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Delete emitted events older than --ttl-secs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var n int64
			if err := db.QueryRow("SELECT cleanup_events(?, ?, ?)", queueFlag, cleanupTTLSecs, cleanupLimit).Scan(&n); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "deleted": n})
		},
	}
	cleanupCmd.PersistentFlags().Int64Var(&cleanupTTLSecs, "ttl-secs", 604800, "age past which terminal rows are eligible for deletion")
	cleanupCmd.PersistentFlags().Int64Var(&cleanupLimit, "limit", 1000, "maximum rows deleted per call")
	cleanupCmd.AddCommand(cleanupTasksCmd, cleanupEventsCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			var applied int64
			if err := db.QueryRow("SELECT apply_migrations()").Scan(&applied); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "applied": applied})
		},
	}

	rootCmd.AddCommand(versionCmd, queueCmd, spawnCmd, claimCmd, completeCmd, failCmd, cancelCmd, emitCmd, cleanupCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
