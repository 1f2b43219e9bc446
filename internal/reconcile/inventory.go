package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// ErrSnapshotMissing indicates a past date has no cycle to value inventory from.
var ErrSnapshotMissing = errors.New("reconcile: no cycle snapshot for date")

// CycleBalances reads the per-subject balances of a cycle.
type CycleBalances interface {
	Schedule() cycle.Schedule
	Status(ctx context.Context, key cycle.Key) (cycle.Cycle, error)
	Balances(ctx context.Context, key cycle.Key) ([]cycle.DailyBalance, error)
}

// SnapshotInventory values inventory as of a date. Past dates read the
// product closing values of the day's last cycle, which later issues and
// revaluations do not touch. The current date reads the live valuation lots.
type SnapshotInventory struct {
	cycles CycleBalances
	live   InventorySource
	now    func() time.Time
}

// NewSnapshotInventory constructs SnapshotInventory.
func NewSnapshotInventory(cycles CycleBalances, live InventorySource) *SnapshotInventory {
	return &SnapshotInventory{cycles: cycles, live: live, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *SnapshotInventory) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ValuationByProduct implements InventorySource.
func (s *SnapshotInventory) ValuationByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error) {
	schedule := s.cycles.Schedule()
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Before(schedule.KeyFor(s.now()).Date) {
		return s.live.ValuationByProduct(ctx, asOf)
	}

	key := cycle.NewKey(day, schedule.Shifts()-1)
	c, err := s.cycles.Status(ctx, key)
	if errors.Is(err, cycle.ErrCycleNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotMissing, key)
	}
	if err != nil {
		return nil, err
	}
	if !c.Opened() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSnapshotMissing, key, c.State())
	}
	balances, err := s.cycles.Balances(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, b := range balances {
		if b.Subject.Kind != cycle.SubjectProduct {
			continue
		}
		value := b.ClosingValue
		if !c.Closed() {
			_, value = b.ComputeClosing()
		}
		out[b.Subject.Code] = out[b.Subject.Code].Add(value)
	}
	return out, nil
}
