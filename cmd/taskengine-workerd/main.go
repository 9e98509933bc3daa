// Command taskengine-workerd is a long-running claim/execute/complete worker
// daemon: it polls a queue for claimable runs, dispatches each to a
// registered handler keyed by task name, and reports the outcome back
// through complete_run/fail_run. A second goroutine runs cleanup_tasks and
// cleanup_events on a cron schedule.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"

	_ "github.com/Napageneral/taskengine"
	"github.com/Napageneral/taskengine/internal/hostconfig"
)

// Handler processes one claimed run and returns its result JSON, or an error
// whose message becomes the failure reason. Registered per task name.
type Handler func(ctx context.Context, params, headers json.RawMessage) (resultJSON string, err error)

// claimedRun mirrors claim_task's row shape.
type claimedRun struct {
	RunID         string
	TaskID        string
	Attempt       int64
	TaskName      string
	Params        string
	RetryStrategy string
	MaxAttempts   sql.NullInt64
	Headers       string
	WakeEvent     sql.NullString
	EventPayload  sql.NullString
}

// worker owns the claim loop, the handler registry and the cleanup reaper.
type worker struct {
	db  *sql.DB
	cfg *hostconfig.Config
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func newWorker(db *sql.DB, cfg *hostconfig.Config, log *slog.Logger) *worker {
	w := &worker{db: db, cfg: cfg, log: log, handlers: map[string]Handler{}}
	w.RegisterHandler("echo", echoHandler)
	return w
}

// RegisterHandler binds a task name to the handler that executes its runs.
// Unregistered task names are left claimed-and-failed with a clear reason
// rather than silently stalling, so a misconfigured deployment is loud.
func (w *worker) RegisterHandler(taskName string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskName] = h
}

func (w *worker) handlerFor(taskName string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskName]
	return h, ok
}

// echoHandler is the daemon's built-in demo/smoke-test handler: it succeeds
// immediately, returning its params back as the result. Real deployments
// register their own handlers for the task names they spawn.
func echoHandler(_ context.Context, params, _ json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	return string(params), nil
}

// Run drives the claim loop until ctx is cancelled.
func (w *worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.claimAndDispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("claim cycle failed", "error", err)
			}
		}
	}
}

func (w *worker) claimAndDispatch(ctx context.Context) error {
	runs, err := w.claim(ctx)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	for _, r := range runs {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.execute(ctx, r)
		}()
	}
	wg.Wait()
	return nil
}

func (w *worker) claim(ctx context.Context) ([]claimedRun, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT run_id, task_id, attempt, task_name, params, retry_strategy,
			max_attempts, headers, wake_event, event_payload
		 FROM claim_task(?, ?, ?, ?)`,
		w.cfg.Queue, w.cfg.WorkerID, w.cfg.ClaimTimeoutSecs, w.cfg.ClaimBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claimedRun
	for rows.Next() {
		var r claimedRun
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.Attempt, &r.TaskName, &r.Params,
			&r.RetryStrategy, &r.MaxAttempts, &r.Headers, &r.WakeEvent, &r.EventPayload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (w *worker) execute(ctx context.Context, r claimedRun) {
	log := w.log.With("run_id", r.RunID, "task_id", r.TaskID, "task_name", r.TaskName, "attempt", r.Attempt)

	handler, ok := w.handlerFor(r.TaskName)
	if !ok {
		w.fail(ctx, log, r.RunID, fmt.Sprintf(`{"name":"$NoHandler","message":"no handler registered for task %q"}`, r.TaskName), nil)
		return
	}

	resultJSON, err := handler(ctx, json.RawMessage(r.Params), json.RawMessage(r.Headers))
	if err != nil {
		reason, merr := json.Marshal(map[string]string{
			"name":    "$HandlerError",
			"message": err.Error(),
		})
		if merr != nil {
			reason = []byte(`{"name":"$HandlerError","message":"handler failed"}`)
		}
		w.fail(ctx, log, r.RunID, string(reason), nil)
		return
	}

	if resultJSON == "" {
		resultJSON = "{}"
	}
	if _, err := w.db.ExecContext(ctx, `SELECT complete_run(?, ?, ?)`, w.cfg.Queue, r.RunID, resultJSON); err != nil {
		log.Error("complete_run failed", "error", err)
		return
	}
	log.Info("run completed")
}

func (w *worker) fail(ctx context.Context, log *slog.Logger, runID, reasonJSON string, retryAt *int64) {
	var err error
	if retryAt != nil {
		_, err = w.db.ExecContext(ctx, `SELECT fail_run(?, ?, ?, ?)`, w.cfg.Queue, runID, reasonJSON, *retryAt)
	} else {
		_, err = w.db.ExecContext(ctx, `SELECT fail_run(?, ?, ?)`, w.cfg.Queue, runID, reasonJSON)
	}
	if err != nil {
		log.Error("fail_run failed", "error", err)
		return
	}
	log.Warn("run failed", "reason", reasonJSON)
}

// runCleanupReaper runs cleanup_tasks/cleanup_events on cfg.CleanupCron
// (default "@hourly").
func runCleanupReaper(ctx context.Context, db *sql.DB, cfg *hostconfig.Config, log *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(cfg.CleanupCron, func() {
		var tasksDeleted, eventsDeleted int64
		row := db.QueryRowContext(ctx, `SELECT cleanup_tasks(?, ?, ?)`, cfg.Queue, cfg.CleanupTTLSecs, cfg.CleanupBatchSize)
		if err := row.Scan(&tasksDeleted); err != nil {
			log.Error("cleanup_tasks failed", "error", err)
		}
		row = db.QueryRowContext(ctx, `SELECT cleanup_events(?, ?, ?)`, cfg.Queue, cfg.CleanupTTLSecs, cfg.CleanupBatchSize)
		if err := row.Scan(&eventsDeleted); err != nil {
			log.Error("cleanup_events failed", "error", err)
		}
		log.Info("cleanup reaper ran", "tasks_deleted", tasksDeleted, "events_deleted", eventsDeleted)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing cleanup cron %q: %w", cfg.CleanupCron, err)
	}
	c.Start()
	return c, nil
}

func newLogger(cfg *hostconfig.Config) *slog.Logger {
	if cfg.Env == "local" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.SlogLevel()}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func run() error {
	cfg, err := hostconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg)

	db, err := sql.Open("taskengine", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging db: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper, err := runCleanupReaper(ctx, db, cfg, log)
	if err != nil {
		return err
	}
	defer func() { <-reaper.Stop().Done() }()

	w := newWorker(db, cfg, log)
	log.Info("taskengine-workerd starting",
		"worker_id", cfg.WorkerID, "queue", cfg.Queue, "db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval, "cleanup_cron", cfg.CleanupCron)

	return w.Run(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
