package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts cycle persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCycle(ctx context.Context, key Key) (Cycle, error)
	ListBalances(ctx context.Context, key Key) ([]DailyBalance, error)
}

// TxRepository exposes operations that run under row locks.
type TxRepository interface {
	LockCycle(ctx context.Context, key Key) (Cycle, error)
	ShareLockCycle(ctx context.Context, key Key) (Cycle, error)
	GetCycle(ctx context.Context, key Key) (Cycle, error)
	InsertCycle(ctx context.Context, c Cycle) error
	UpdateCycle(ctx context.Context, c Cycle) error
	HasCycleBefore(ctx context.Context, key Key) (bool, error)
	ListBalances(ctx context.Context, key Key) ([]DailyBalance, error)
	LockBalance(ctx context.Context, key Key, subject Subject) (DailyBalance, bool, error)
	LockBalances(ctx context.Context, key Key) ([]DailyBalance, error)
	UpsertBalance(ctx context.Context, b DailyBalance) error
}

// Config tunes the state machine.
type Config struct {
	Grace       time.Duration
	Parallelism int
}

// DefaultConfig returns a two-hour grace period.
func DefaultConfig() Config {
	return Config{Grace: 2 * time.Hour, Parallelism: 4}
}

// OpenOptions controls opening capture.
type OpenOptions struct {
	// Bootstrap opens with zero balances when no prior cycle exists.
	Bootstrap bool
}

// Metrics observes open and close outcomes.
type Metrics interface {
	ObserveCycleStep(step string, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCycleStep(string, error) {}

// Service drives cycles through opening, movement recording and closing.
type Service struct {
	repo     RepositoryPort
	schedule Schedule
	cfg      Config
	audit    shared.AuditPort
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, schedule Schedule, cfg Config, audit shared.AuditPort, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Service{repo: repo, schedule: schedule, cfg: cfg, audit: audit, metrics: nopMetrics{}, logger: logger, now: time.Now}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Schedule returns the shift schedule.
func (s *Service) Schedule() Schedule {
	return s.schedule
}

func (s *Service) stamp() time.Time {
	return s.now().UTC()
}

// Open captures opening balances for key from the prior key's closing balances.
// Re-opening an opened cycle is a no-op.
func (s *Service) Open(ctx context.Context, key Key, actorID int64, opts OpenOptions) (Cycle, error) {
	key = NewKey(key.Date, key.Shift)
	if err := s.schedule.Validate(key); err != nil {
		return Cycle{}, err
	}
	started := s.now()

	var current Cycle
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := s.lockOrCreate(ctx, tx, key)
		if err != nil {
			return err
		}
		current = c
		if c.Opened() {
			return nil
		}
		c.OpeningStatus = StatusInProgress
		c.LastError = ""
		c.UpdatedAt = s.stamp()
		current = c
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		return Cycle{}, err
	}
	if current.Opened() {
		return current, nil
	}

	var subjects int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCycle(ctx, key)
		if err != nil {
			return err
		}
		if c.Opened() {
			current = c
			return nil
		}
		prior := s.schedule.Previous(key)
		prev, err := tx.GetCycle(ctx, prior)
		switch {
		case errors.Is(err, ErrCycleNotFound):
			earlier, err := tx.HasCycleBefore(ctx, key)
			if err != nil {
				return err
			}
			if earlier && !opts.Bootstrap {
				return fmt.Errorf("%w: %s missing", ErrPriorNotClosed, prior)
			}
		case err != nil:
			return err
		case !prev.Closed():
			return fmt.Errorf("%w: %s is %s", ErrPriorNotClosed, prior, prev.State())
		default:
			closings, err := tx.ListBalances(ctx, prior)
			if err != nil {
				return err
			}
			for _, pb := range closings {
				nb, found, err := tx.LockBalance(ctx, key, pb.Subject)
				if err != nil {
					return err
				}
				if !found {
					nb = DailyBalance{Key: key, Subject: pb.Subject}
				}
				nb.OpeningQty = pb.ClosingQty
				nb.OpeningValue = pb.ClosingValue
				if err := tx.UpsertBalance(ctx, nb); err != nil {
					return err
				}
				subjects++
			}
		}
		now := s.stamp()
		c.OpeningStatus = StatusCompleted
		c.OpenedAt = &now
		c.UpdatedAt = now
		current = c
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		s.fail(ctx, key, false, err)
		s.record(ctx, "cycle.open", key, actorID, subjects, started, err)
		return Cycle{}, err
	}
	s.logger.InfoContext(ctx, "cycle opened", slog.String("key", key.String()), slog.Int("subjects", subjects))
	s.record(ctx, "cycle.open", key, actorID, subjects, started, nil)
	return current, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx TxRepository, key Key) (Cycle, error) {
	c, err := tx.LockCycle(ctx, key)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrCycleNotFound) {
		return Cycle{}, err
	}
	c = Cycle{Key: key, OpeningStatus: StatusPending, ClosingStatus: StatusPending, UpdatedAt: s.stamp()}
	if err := tx.InsertCycle(ctx, c); err != nil {
		return Cycle{}, err
	}
	return tx.LockCycle(ctx, key)
}

// RecordMovement adds a movement to the subject's bucket for m.Key. Movements
// against a closed cycle inside its grace period recompute the closing and
// carry the change into the next cycle's opening; after grace they fail
// with shared.ErrPeriodLocked.
func (s *Service) RecordMovement(ctx context.Context, m Movement) (DailyBalance, error) {
	m.Key = NewKey(m.Key.Date, m.Key.Shift)
	if m.Subject.Code == "" || m.Subject.Kind == "" {
		return DailyBalance{}, fmt.Errorf("%w: subject required", ErrInvalidMovement)
	}
	var out DailyBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.ShareLockCycle(ctx, m.Key)
		if errors.Is(err, ErrCycleNotFound) {
			return fmt.Errorf("%w: %s", ErrCycleNotOpen, m.Key)
		}
		if err != nil {
			return err
		}
		if err := s.writable(c); err != nil {
			return err
		}
		bal, found, err := tx.LockBalance(ctx, m.Key, m.Subject)
		if err != nil {
			return err
		}
		if !found {
			bal = DailyBalance{Key: m.Key, Subject: m.Subject}
		}
		beforeQty, beforeValue := bal.ComputeClosing()
		if err := bal.Apply(m.Kind, m.Qty, m.Value); err != nil {
			return err
		}
		if c.Closed() {
			bal.ClosingQty, bal.ClosingValue = bal.ComputeClosing()
			afterQty, afterValue := bal.ClosingQty, bal.ClosingValue
			if err := s.carryForward(ctx, tx, m.Key, m.Subject, afterQty.Sub(beforeQty), afterValue.Sub(beforeValue)); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "grace correction applied",
				slog.String("key", m.Key.String()),
				slog.String("subject", m.Subject.String()))
		}
		if err := tx.UpsertBalance(ctx, bal); err != nil {
			return err
		}
		out = bal
		return nil
	})
	return out, err
}

func (s *Service) carryForward(ctx context.Context, tx TxRepository, key Key, subject Subject, dQty, dValue decimal.Decimal) error {
	next := s.schedule.Next(key)
	nc, err := tx.ShareLockCycle(ctx, next)
	if errors.Is(err, ErrCycleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !nc.Opened() {
		return nil
	}
	if nc.Closed() || nc.ClosingStatus == StatusInProgress {
		return fmt.Errorf("%w: next cycle %s already closed", shared.ErrPeriodLocked, next)
	}
	nb, found, err := tx.LockBalance(ctx, next, subject)
	if err != nil {
		return err
	}
	if !found {
		nb = DailyBalance{Key: next, Subject: subject}
	}
	nb.OpeningQty = nb.OpeningQty.Add(dQty)
	nb.OpeningValue = nb.OpeningValue.Add(dValue)
	return tx.UpsertBalance(ctx, nb)
}

func (s *Service) writable(c Cycle) error {
	switch {
	case !c.Opened():
		return fmt.Errorf("%w: %s is %s", ErrCycleNotOpen, c.Key, c.State())
	case c.ClosingStatus == StatusInProgress:
		return fmt.Errorf("%w: %w", shared.ErrLockConflict, ErrClosingInProgress)
	case c.HardLocked(s.now()):
		return fmt.Errorf("%w: cycle %s", shared.ErrPeriodLocked, c.Key)
	}
	return nil
}

// EnsureWritable reports whether direct mutations against key are allowed.
func (s *Service) EnsureWritable(ctx context.Context, key Key) error {
	c, err := s.repo.GetCycle(ctx, NewKey(key.Date, key.Shift))
	if errors.Is(err, ErrCycleNotFound) {
		return fmt.Errorf("%w: %s", ErrCycleNotOpen, key)
	}
	if err != nil {
		return err
	}
	return s.writable(c)
}

// Close computes closing balances for key, locks them and starts the grace period.
// Closing an already closed cycle returns it unchanged.
func (s *Service) Close(ctx context.Context, key Key, actorID int64) (Cycle, error) {
	key = NewKey(key.Date, key.Shift)
	started := s.now()

	var current Cycle
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCycle(ctx, key)
		if err != nil {
			return err
		}
		current = c
		if c.Closed() {
			return nil
		}
		if !c.Opened() {
			return fmt.Errorf("%w: %s is %s", ErrCycleNotOpen, key, c.State())
		}
		if key.Shift > 0 {
			prior := s.schedule.Previous(key)
			prev, err := tx.GetCycle(ctx, prior)
			if errors.Is(err, ErrCycleNotFound) || (err == nil && !prev.Closed()) {
				return fmt.Errorf("%w: %s", ErrPriorShiftOpen, prior)
			}
			if err != nil {
				return err
			}
		}
		c.ClosingStatus = StatusInProgress
		c.LastError = ""
		c.UpdatedAt = s.stamp()
		current = c
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		return Cycle{}, err
	}
	if current.Closed() {
		return current, nil
	}

	var subjects int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCycle(ctx, key)
		if err != nil {
			return err
		}
		if c.Closed() {
			current = c
			return nil
		}
		balances, err := tx.LockBalances(ctx, key)
		if err != nil {
			return err
		}
		now := s.stamp()
		for _, b := range balances {
			b.ClosingQty, b.ClosingValue = b.ComputeClosing()
			b.Locked = true
			b.LockedBy = actorID
			b.LockedAt = &now
			if err := tx.UpsertBalance(ctx, b); err != nil {
				return err
			}
			subjects++
		}
		grace := now.Add(s.cfg.Grace)
		c.ClosingStatus = StatusCompleted
		c.ClosedAt = &now
		c.ClosedBy = actorID
		c.GraceUntil = &grace
		c.UpdatedAt = now
		current = c
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		s.fail(ctx, key, true, err)
		s.record(ctx, "cycle.close", key, actorID, subjects, started, err)
		return Cycle{}, err
	}
	s.logger.InfoContext(ctx, "cycle closed",
		slog.String("key", key.String()),
		slog.Int("subjects", subjects),
		slog.Time("grace_until", *current.GraceUntil))
	s.record(ctx, "cycle.close", key, actorID, subjects, started, nil)
	return current, nil
}

// fail marks the cycle ERROR unless err is transient, in which case the
// IN_PROGRESS marker stays and a retry resumes the step.
func (s *Service) fail(ctx context.Context, key Key, closing bool, cause error) {
	if shared.IsRetryable(cause) {
		return
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCycle(ctx, key)
		if err != nil {
			return err
		}
		if closing {
			c.ClosingStatus = StatusError
		} else {
			c.OpeningStatus = StatusError
		}
		c.LastError = cause.Error()
		c.UpdatedAt = s.stamp()
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "mark cycle error", slog.String("key", key.String()), slog.Any("error", err))
	}
}

// CloseAll closes distinct keys in parallel. Keys are independent; every
// failure is returned joined.
func (s *Service) CloseAll(ctx context.Context, keys []Key, actorID int64) ([]Cycle, error) {
	out := make([]Cycle, len(keys))
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for i, key := range keys {
		g.Go(func() error {
			c, err := s.Close(ctx, key, actorID)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
				return nil
			}
			out[i] = c
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// Rollover closes the cycle before the one covering at and then opens the
// covering cycle. A previous cycle that was never created is skipped, so the
// first rollover after bootstrap only opens.
func (s *Service) Rollover(ctx context.Context, at time.Time, actorID int64) (Cycle, error) {
	key := s.schedule.KeyFor(at)
	prior := s.schedule.Previous(key)
	if _, err := s.Close(ctx, prior, actorID); err != nil && !errors.Is(err, ErrCycleNotFound) {
		return Cycle{}, fmt.Errorf("cycle: rollover close %s: %w", prior, err)
	}
	return s.Open(ctx, key, actorID, OpenOptions{})
}

// Status returns the cycle row for key.
func (s *Service) Status(ctx context.Context, key Key) (Cycle, error) {
	return s.repo.GetCycle(ctx, NewKey(key.Date, key.Shift))
}

// IsHardLocked reports whether key is closed and past grace.
func (s *Service) IsHardLocked(ctx context.Context, key Key) (bool, error) {
	c, err := s.Status(ctx, key)
	if errors.Is(err, ErrCycleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HardLocked(s.now()), nil
}

// KeyFor maps a timestamp to its cycle key.
func (s *Service) KeyFor(t time.Time) Key {
	return s.schedule.KeyFor(t)
}

// CurrentOpenKey returns the open cycle that takes postings now.
func (s *Service) CurrentOpenKey(ctx context.Context) (Key, error) {
	key := s.schedule.KeyFor(s.now())
	for _, candidate := range []Key{key, s.schedule.Next(key)} {
		c, err := s.repo.GetCycle(ctx, candidate)
		if errors.Is(err, ErrCycleNotFound) {
			continue
		}
		if err != nil {
			return Key{}, err
		}
		if c.Opened() && !c.Closed() && c.ClosingStatus != StatusInProgress {
			return candidate, nil
		}
	}
	return Key{}, fmt.Errorf("%w: no open cycle at %s", ErrCycleNotOpen, key)
}

// Balances returns the balance rows for key.
func (s *Service) Balances(ctx context.Context, key Key) ([]DailyBalance, error) {
	return s.repo.ListBalances(ctx, NewKey(key.Date, key.Shift))
}

// VerifyClosing returns the rows of a closed cycle whose stored closing no
// longer equals opening plus movements.
func (s *Service) VerifyClosing(ctx context.Context, key Key) ([]DailyBalance, error) {
	c, err := s.Status(ctx, key)
	if err != nil {
		return nil, err
	}
	if !c.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCycleNotOpen, key, c.State())
	}
	balances, err := s.Balances(ctx, key)
	if err != nil {
		return nil, err
	}
	var broken []DailyBalance
	for _, b := range balances {
		qty, value := b.ComputeClosing()
		if !qty.Equal(b.ClosingQty) || !value.Equal(b.ClosingValue) {
			broken = append(broken, b)
		}
	}
	return broken, nil
}

func (s *Service) record(ctx context.Context, action string, key Key, actorID int64, records int, started time.Time, cause error) {
	s.metrics.ObserveCycleStep(strings.TrimPrefix(action, "cycle."), cause)
	log := shared.AuditLog{
		ActorID:          actorID,
		Action:           action,
		Entity:           "ledger_cycle",
		EntityID:         key.String(),
		RecordsProcessed: records,
		Duration:         s.now().Sub(started),
		At:               s.now(),
	}
	if cause != nil {
		log.Errors = []string{cause.Error()}
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "audit cycle", slog.String("action", action), slog.Any("error", err))
	}
}
