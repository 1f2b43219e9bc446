package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// RepositoryPort abstracts counter storage. Mutate must hold an exclusive row
// lock on the counter while fn runs and persist what fn returns.
type RepositoryPort interface {
	Mutate(ctx context.Context, product, location string, fn func(Counter) (Counter, error)) (Counter, error)
	Get(ctx context.Context, product, location string) (Counter, error)
}

// Service applies increments and decrements to counters.
type Service struct {
	repo   RepositoryPort
	retry  db.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, retry db.RetryPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, retry: retry, logger: logger, now: time.Now}
}

// Increment adds qty to the counter, creating it when missing.
func (s *Service) Increment(ctx context.Context, product, location string, qty decimal.Decimal) (Counter, error) {
	if !qty.IsPositive() {
		return Counter{}, ErrInvalidQuantity
	}
	return s.mutate(ctx, product, location, func(c Counter) (Counter, error) {
		c.OnHand = c.OnHand.Add(qty)
		return c, nil
	})
}

// Decrement subtracts qty from the counter. It fails with ErrInsufficientStock
// rather than letting on-hand go negative.
func (s *Service) Decrement(ctx context.Context, product, location string, qty decimal.Decimal) (Counter, error) {
	if !qty.IsPositive() {
		return Counter{}, ErrInvalidQuantity
	}
	return s.mutate(ctx, product, location, func(c Counter) (Counter, error) {
		if c.OnHand.LessThan(qty) {
			return c, fmt.Errorf("%w: %s@%s has %s, need %s", ErrInsufficientStock, product, location, c.OnHand, qty)
		}
		c.OnHand = c.OnHand.Sub(qty)
		return c, nil
	})
}

// OnHand returns the current quantity, zero when no counter exists.
func (s *Service) OnHand(ctx context.Context, product, location string) (decimal.Decimal, error) {
	c, err := s.repo.Get(ctx, product, location)
	if err != nil {
		if errors.Is(err, ErrCounterNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return c.OnHand, nil
}

func (s *Service) mutate(ctx context.Context, product, location string, fn func(Counter) (Counter, error)) (Counter, error) {
	var out Counter
	apply := func(ctx context.Context) error {
		c, err := s.repo.Mutate(ctx, product, location, func(c Counter) (Counter, error) {
			c.ProductCode = product
			c.Location = location
			next, err := fn(c)
			next.UpdatedAt = s.now().UTC()
			return next, err
		})
		out = c
		return err
	}
	// A transaction owned by the caller cannot be retried from here.
	if db.InTx(ctx) {
		return out, apply(ctx)
	}
	err := db.Retry(ctx, s.retry, func(ctx context.Context) error {
		err := apply(ctx)
		if err != nil {
			s.logger.DebugContext(ctx, "stock mutate", slog.String("product", product), slog.Any("error", err))
		}
		return err
	})
	return out, err
}
