package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts transactional lot storage.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ValuationByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error)
}

// TxRepository exposes lot operations that run under row locks.
type TxRepository interface {
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	LockLots(ctx context.Context, product, location string) ([]Lot, error)
	LockForeignLots(ctx context.Context, base string) ([]Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
}

// Service keeps valuation lots in step with receipts and issues.
type Service struct {
	repo   RepositoryPort
	engine *Engine
}

// NewService constructs Service.
func NewService(repo RepositoryPort, engine *Engine) *Service {
	return &Service{repo: repo, engine: engine}
}

// Engine exposes the conversion engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Receive records a new lot, pricing it in base currency at the receipt date rate.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (Lot, error) {
	if !in.Quantity.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return Lot{}, ErrInvalidUnitCost
	}
	cur := in.Currency
	if cur == "" {
		cur = s.engine.cfg.BaseCurrency
	}
	cur, err := NormalizeCurrency(cur)
	if err != nil {
		return Lot{}, err
	}
	baseUnit, err := s.engine.ToBase(ctx, in.UnitCost, cur, in.ReceivedAt)
	if err != nil {
		return Lot{}, err
	}
	lot := Lot{
		ProductCode:  in.ProductCode,
		Location:     in.Location,
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		BaseUnitCost: baseUnit,
		Currency:     cur,
		ReceivedAt:   in.ReceivedAt,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.InsertLot(ctx, lot)
		return err
	})
	if err != nil {
		return Lot{}, fmt.Errorf("valuation: receive: %w", err)
	}
	return lot, nil
}

// Issue consumes qty of product at location under the product's cost method.
// The product's lots stay row-locked until the surrounding transaction ends.
func (s *Service) Issue(ctx context.Context, product, location string, qty decimal.Decimal) (IssueResult, error) {
	var res IssueResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.LockLots(ctx, product, location)
		if err != nil {
			return err
		}
		res, err = Consume(lots, qty, s.engine.cfg.MethodFor(product))
		if err != nil {
			return err
		}
		before := make(map[int64]Lot, len(lots))
		for _, lot := range lots {
			before[lot.ID] = lot
		}
		for _, lot := range res.Remaining {
			prev := before[lot.ID]
			if prev.Quantity.Equal(lot.Quantity) && prev.BaseUnitCost.Equal(lot.BaseUnitCost) {
				continue
			}
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return IssueResult{}, err
	}
	return res, nil
}

// Revalue computes FX deltas as of asOf. When apply is set and the result is
// material, lots are re-priced in the same transaction.
func (s *Service) Revalue(ctx context.Context, asOf time.Time, apply bool) (Revaluation, error) {
	var out Revaluation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.LockForeignLots(ctx, s.engine.cfg.BaseCurrency)
		if err != nil {
			return err
		}
		out, err = s.engine.Revalue(ctx, lots, asOf)
		if err != nil {
			return err
		}
		if !apply || !out.Material {
			return nil
		}
		byID := make(map[int64]Lot, len(lots))
		for _, lot := range lots {
			byID[lot.ID] = lot
		}
		for _, line := range out.Lines {
			lot := byID[line.LotID]
			lot.BaseUnitCost = line.NewBaseUnitCost
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// ValuationByProduct returns Σ remaining quantity × base unit cost per product as of asOf.
func (s *Service) ValuationByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error) {
	return s.repo.ValuationByProduct(ctx, asOf)
}
