package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// InventorySource reports valuation-layer value per product.
type InventorySource interface {
	ValuationByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error)
}

// LedgerSource reports GL inventory balances per product tag plus the untagged remainder.
type LedgerSource interface {
	InventoryBalanceByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, decimal.Decimal, error)
}

// RepositoryPort persists reports.
type RepositoryPort interface {
	Save(ctx context.Context, report Report, actorID int64) error
	Get(ctx context.Context, asOf time.Time) (Report, error)
}

// Metrics publishes the latest difference.
type Metrics interface {
	SetReconciliationDifference(diff float64, material bool)
}

// Service runs and serves reconciliation reports.
type Service struct {
	inventory InventorySource
	ledger    LedgerSource
	repo      RepositoryPort
	cache     *Cache
	policy    Policy
	audit     shared.AuditPort
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs Service. cache and metrics may be nil.
func NewService(inventory InventorySource, ledger LedgerSource, repo RepositoryPort, cache *Cache, policy Policy, audit shared.AuditPort, metrics Metrics, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		inventory: inventory,
		ledger:    ledger,
		repo:      repo,
		cache:     cache,
		policy:    policy,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run computes the report for asOf and replaces any stored one.
func (s *Service) Run(ctx context.Context, asOf time.Time, actorID int64) (Report, error) {
	started := s.now()
	asOf = time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	var (
		inventory  map[string]decimal.Decimal
		ledger     map[string]decimal.Decimal
		unassigned decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inventory, err = s.inventory.ValuationByProduct(gctx, asOf)
		if err != nil {
			return fmt.Errorf("reconcile: inventory side: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ledger, unassigned, err = s.ledger.InventoryBalanceByProduct(gctx, asOf)
		if err != nil {
			return fmt.Errorf("reconcile: ledger side: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.record(ctx, asOf, actorID, Report{}, started, err)
		return Report{}, err
	}

	report := Compute(asOf, inventory, ledger, unassigned, s.policy)
	report.GeneratedAt = s.now().UTC()
	if err := s.repo.Save(ctx, report, actorID); err != nil {
		s.record(ctx, asOf, actorID, report, started, err)
		return Report{}, err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "bump reconciliation cache", slog.Any("error", err))
	} else if err := s.cache.Store(ctx, report); err != nil {
		s.logger.WarnContext(ctx, "store reconciliation cache", slog.Any("error", err))
	}
	if s.metrics != nil {
		s.metrics.SetReconciliationDifference(report.Difference.InexactFloat64(), report.Material)
	}

	level := slog.LevelInfo
	if report.Material {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "reconciliation completed",
		slog.String("as_of", asOf.Format("2006-01-02")),
		slog.String("difference", report.Difference.StringFixed(2)),
		slog.Bool("balanced", report.Balanced),
		slog.Bool("material", report.Material),
		slog.Int("variances", len(report.Breakdown)))
	s.record(ctx, asOf, actorID, report, started, nil)
	return report, nil
}

// Report returns the stored report for asOf, served from cache when possible.
func (s *Service) Report(ctx context.Context, asOf time.Time) (Report, error) {
	asOf = time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	return s.cache.Fetch(ctx, asOf, func(ctx context.Context) (Report, error) {
		return s.repo.Get(ctx, asOf)
	})
}

func (s *Service) record(ctx context.Context, asOf time.Time, actorID int64, report Report, started time.Time, cause error) {
	log := shared.AuditLog{
		ActorID:          actorID,
		Action:           "ledger.reconcile",
		Entity:           "reconciliation_report",
		EntityID:         asOf.Format("2006-01-02"),
		RecordsProcessed: len(report.Breakdown),
		Duration:         s.now().Sub(started),
		Meta: map[string]any{
			"difference": report.Difference.StringFixed(2),
			"material":   report.Material,
		},
		At: s.now().UTC(),
	}
	if cause != nil {
		log.Errors = []string{cause.Error()}
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "audit reconciliation", slog.Any("error", err))
	}
}
