package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Location    *time.Location
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueCritical: 3,
			QueueDefault:  1,
		},
		Logger:   newAsynqLogger(cfg.Logger),
		LogLevel: asynq.WarnLevel,
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: cfg.Location})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// ScheduleTimes configures the daily reporting cron entries. Empty specs are
// skipped. Cycle rollovers are derived from the shift schedule.
type ScheduleTimes struct {
	Reconcile        string
	Revalue          string
	IdempotencyPurge string
	Integrity        string
}

// DefaultScheduleTimes reconciles and revalues after the default two-hour
// grace of the midnight close has run out.
func DefaultScheduleTimes() ScheduleTimes {
	return ScheduleTimes{
		Reconcile:        "30 2 * * *",
		Revalue:          "45 2 * * *",
		IdempotencyPurge: "0 4 * * *",
		Integrity:        "15 4 * * *",
	}
}

// RolloverSpecs returns one cron expression per shift boundary, in the
// schedule's local time.
func RolloverSpecs(schedule cycle.Schedule) []string {
	closings := schedule.Closings
	if len(closings) == 0 {
		closings = []time.Duration{24 * time.Hour}
	}
	specs := make([]string, 0, len(closings))
	for _, closing := range closings {
		offset := closing % (24 * time.Hour)
		minutes := int(offset / time.Minute)
		specs = append(specs, fmt.Sprintf("%d %d * * *", minutes%60, minutes/60))
	}
	return specs
}

// LedgerCron builds the scheduler registrations for the ledger tasks.
func LedgerCron(schedule cycle.Schedule, times ScheduleTimes) ([]CronRegistration, error) {
	type entry struct {
		spec string
		task func() (*asynq.Task, error)
	}
	var entries []entry
	for _, spec := range RolloverSpecs(schedule) {
		entries = append(entries, entry{spec, func() (*asynq.Task, error) { return NewCycleRolloverTask(CyclePayload{}) }})
	}
	entries = append(entries,
		entry{times.Reconcile, func() (*asynq.Task, error) { return NewReconcileTask(DatePayload{}) }},
		entry{times.Revalue, func() (*asynq.Task, error) { return NewRevalueTask(DatePayload{}) }},
		entry{times.IdempotencyPurge, func() (*asynq.Task, error) { return NewIdempotencyCleanupTask(CleanupPayload{}) }},
		entry{times.Integrity, func() (*asynq.Task, error) { return NewGLIntegrityTask(CyclePayload{}) }},
	)
	var out []CronRegistration
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		task, err := e.task()
		if err != nil {
			return nil, err
		}
		out = append(out, CronRegistration{Spec: e.spec, Task: task})
	}
	return out, nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// Enqueue submits a prepared task.
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Retry   int    `json:"retry"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := make([]queueHealth, 0, 2)
	for _, queue := range []string{QueueCritical, QueueDefault} {
		if h.inspector == nil {
			out = append(out, queueHealth{Queue: queue})
			continue
		}
		info, err := h.inspector.GetQueueInfo(queue)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, queueHealth{Queue: queue})
			continue
		}
		if err != nil {
			h.logger.Warn("jobs health", slog.String("queue", queue), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		out = append(out, queueHealth{Queue: info.Queue, Pending: info.Pending, Active: info.Active, Retry: info.Retry})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"queues": out})
}
