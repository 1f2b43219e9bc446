package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Cycles is the subset of the cycle service the jobs drive.
type Cycles interface {
	Schedule() cycle.Schedule
	Open(ctx context.Context, key cycle.Key, actorID int64, opts cycle.OpenOptions) (cycle.Cycle, error)
	Close(ctx context.Context, key cycle.Key, actorID int64) (cycle.Cycle, error)
	Rollover(ctx context.Context, at time.Time, actorID int64) (cycle.Cycle, error)
	VerifyClosing(ctx context.Context, key cycle.Key) ([]cycle.DailyBalance, error)
}

// Reconciler runs the inventory to GL reconciliation.
type Reconciler interface {
	Run(ctx context.Context, asOf time.Time, actorID int64) (reconcile.Report, error)
}

// Revaluer posts the FX revaluation.
type Revaluer interface {
	Revalue(ctx context.Context, asOf time.Time, actorID int64) (posting.Result, error)
}

// KeyCleaner purges idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// TrialBalancer reports account balances.
type TrialBalancer interface {
	TrialBalance(ctx context.Context, asOf time.Time) ([]accounting.TrialBalanceLine, error)
}

// LedgerDeps wires the ledger task handlers.
type LedgerDeps struct {
	Cycles     Cycles
	Reconciler Reconciler
	Revaluer   Revaluer
	Keys       KeyCleaner
	Ledger     TrialBalancer
	Lease      *Lease
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
	Retention  time.Duration
	Now        func() time.Time
}

// LedgerHandlers executes ledger tasks. Payloads without a date are resolved
// against the clock: opening and rollover target the current cycle, closing
// the previous one, and reconciliation and revaluation run for yesterday.
type LedgerHandlers struct {
	deps LedgerDeps
}

// NewLedgerHandlers constructs the handlers.
func NewLedgerHandlers(deps LedgerDeps) *LedgerHandlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retention <= 0 {
		deps.Retention = 7 * 24 * time.Hour
	}
	return &LedgerHandlers{deps: deps}
}

// Handlers lists the asynq handlers for registration with the worker.
func (h *LedgerHandlers) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCycleOpen, Handler: h.HandleCycleOpen},
		{Type: TaskCycleClose, Handler: h.HandleCycleClose},
		{Type: TaskCycleRollover, Handler: h.HandleCycleRollover},
		{Type: TaskReconcile, Handler: h.HandleReconcile},
		{Type: TaskRevalue, Handler: h.HandleRevalue},
		{Type: TaskIdempotencyCleanup, Handler: h.HandleIdempotencyCleanup},
		{Type: TaskGLIntegrity, Handler: h.HandleGLIntegrity},
	}
}

// HandleCycleOpen opens the addressed cycle.
func (h *LedgerHandlers) HandleCycleOpen(ctx context.Context, t *asynq.Task) error {
	var payload CyclePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	schedule := h.deps.Cycles.Schedule()
	key, err := h.cycleKey(payload, schedule.KeyFor(h.deps.Now()))
	if err != nil {
		return err
	}
	return h.run(ctx, TaskCycleOpen, key.String(), func(ctx context.Context) error {
		c, err := h.deps.Cycles.Open(ctx, key, shared.SystemActor.ID, cycle.OpenOptions{Bootstrap: payload.Bootstrap})
		if err != nil {
			return err
		}
		h.deps.Logger.Info("cycle opened", slog.String("cycle", key.String()), slog.String("state", string(c.State())))
		return nil
	})
}

// HandleCycleClose closes the addressed cycle.
func (h *LedgerHandlers) HandleCycleClose(ctx context.Context, t *asynq.Task) error {
	var payload CyclePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	schedule := h.deps.Cycles.Schedule()
	key, err := h.cycleKey(payload, schedule.Previous(schedule.KeyFor(h.deps.Now())))
	if err != nil {
		return err
	}
	return h.run(ctx, TaskCycleClose, key.String(), func(ctx context.Context) error {
		c, err := h.deps.Cycles.Close(ctx, key, shared.SystemActor.ID)
		if err != nil {
			return err
		}
		h.deps.Logger.Info("cycle closed", slog.String("cycle", key.String()), slog.String("state", string(c.State())))
		return nil
	})
}

// HandleCycleRollover closes the previous cycle and opens the one that
// starts at the shift boundary.
func (h *LedgerHandlers) HandleCycleRollover(ctx context.Context, t *asynq.Task) error {
	var payload CyclePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	schedule := h.deps.Cycles.Schedule()
	now := h.deps.Now()
	key, err := h.cycleKey(payload, schedule.KeyFor(now))
	if err != nil {
		return err
	}
	at := now
	if payload.Date != "" {
		at = schedule.ClosesAt(schedule.Previous(key))
	}
	return h.run(ctx, TaskCycleRollover, key.String(), func(ctx context.Context) error {
		c, err := h.deps.Cycles.Rollover(ctx, at, shared.SystemActor.ID)
		if err != nil {
			return err
		}
		h.deps.Logger.Info("cycle rolled over", slog.String("cycle", c.Key.String()), slog.String("state", string(c.State())))
		return nil
	})
}

// HandleReconcile runs the reconciliation for the payload date.
func (h *LedgerHandlers) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload DatePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	asOf, err := h.asOf(payload.Date)
	if err != nil {
		return err
	}
	return h.run(ctx, TaskReconcile, asOf.Format(dateLayout), func(ctx context.Context) error {
		_, err := h.deps.Reconciler.Run(ctx, asOf, shared.SystemActor.ID)
		return err
	})
}

// HandleRevalue posts the FX revaluation for the payload date.
func (h *LedgerHandlers) HandleRevalue(ctx context.Context, t *asynq.Task) error {
	var payload DatePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	asOf, err := h.asOf(payload.Date)
	if err != nil {
		return err
	}
	return h.run(ctx, TaskRevalue, asOf.Format(dateLayout), func(ctx context.Context) error {
		res, err := h.deps.Revaluer.Revalue(ctx, asOf, shared.SystemActor.ID)
		if err != nil {
			return err
		}
		h.deps.Logger.Info("fx revaluation",
			slog.String("date", asOf.Format(dateLayout)),
			slog.Bool("duplicate", res.Duplicate),
			slog.Bool("skipped", res.Skipped),
		)
		return nil
	})
}

// HandleIdempotencyCleanup purges keys older than the retention window.
func (h *LedgerHandlers) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	var payload CleanupPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = h.deps.Retention
	}
	return h.run(ctx, TaskIdempotencyCleanup, "", func(ctx context.Context) error {
		return h.deps.Keys.Cleanup(ctx, retention)
	})
}

// HandleGLIntegrity checks the previous cycle's closings and the trial balance.
func (h *LedgerHandlers) HandleGLIntegrity(ctx context.Context, t *asynq.Task) error {
	var payload CyclePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	schedule := h.deps.Cycles.Schedule()
	key, err := h.cycleKey(payload, schedule.Previous(schedule.KeyFor(h.deps.Now())))
	if err != nil {
		return err
	}
	return h.run(ctx, TaskGLIntegrity, key.String(), func(ctx context.Context) error {
		report, err := RunGLIntegrityCheck(ctx, h.deps.Cycles, h.deps.Ledger, key)
		if err != nil {
			return err
		}
		h.deps.Metrics.AddFindings("closing", len(report.BrokenClosings))
		if !report.Balanced() {
			h.deps.Metrics.AddFindings("trial_balance", 1)
		}
		if report.Clean() {
			h.deps.Logger.Info("gl integrity clean", slog.String("cycle", key.String()))
			return nil
		}
		h.deps.Logger.Error("gl integrity findings",
			slog.String("cycle", key.String()),
			slog.Int("broken_closings", len(report.BrokenClosings)),
			slog.String("debit", report.Debit.String()),
			slog.String("credit", report.Credit.String()),
		)
		return nil
	})
}

func (h *LedgerHandlers) run(ctx context.Context, job, scope string, fn func(context.Context) error) error {
	tracker := h.deps.Metrics.Track(job)
	name := job
	if scope != "" {
		name = job + ":" + scope
	}
	ran, err := h.deps.Lease.Do(ctx, name, fn)
	if !ran && err == nil {
		h.deps.Metrics.Skipped(job)
		h.deps.Logger.Info("job skipped, lease held elsewhere", slog.String("job", job), slog.String("scope", scope))
		return nil
	}
	if err != nil {
		h.deps.Logger.Error("job failed", slog.String("job", job), slog.String("scope", scope), slog.Any("error", err))
		if errors.Is(err, shared.ErrPeriodLocked) || errors.Is(err, cycle.ErrInvalidShift) {
			err = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
	}
	return tracker.End(err)
}

func (h *LedgerHandlers) cycleKey(payload CyclePayload, fallback cycle.Key) (cycle.Key, error) {
	date, ok, err := parseDate(payload.Date)
	if err != nil {
		return cycle.Key{}, err
	}
	if !ok {
		return fallback, nil
	}
	return cycle.NewKey(date, payload.Shift), nil
}

func (h *LedgerHandlers) asOf(raw string) (time.Time, error) {
	date, ok, err := parseDate(raw)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return date, nil
	}
	y, m, d := h.deps.Now().AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
