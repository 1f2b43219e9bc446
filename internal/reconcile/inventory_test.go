package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

type snapshotCycles struct {
	cycles   map[string]cycle.Cycle
	balances map[string][]cycle.DailyBalance
}

func (s *snapshotCycles) Schedule() cycle.Schedule { return cycle.Daily(time.UTC) }

func (s *snapshotCycles) Status(_ context.Context, key cycle.Key) (cycle.Cycle, error) {
	c, ok := s.cycles[key.String()]
	if !ok {
		return cycle.Cycle{}, cycle.ErrCycleNotFound
	}
	return c, nil
}

func (s *snapshotCycles) Balances(_ context.Context, key cycle.Key) ([]cycle.DailyBalance, error) {
	return s.balances[key.String()], nil
}

// liveLots mimics valuation lots: it only knows the current remaining value.
type liveLots struct{ value map[string]decimal.Decimal }

func (l *liveLots) ValuationByProduct(context.Context, time.Time) (map[string]decimal.Decimal, error) {
	return l.value, nil
}

// datedLedger returns the GL inventory balance of entries dated up to asOf.
type datedLedger map[string]map[string]decimal.Decimal

func (l datedLedger) InventoryBalanceByProduct(_ context.Context, asOf time.Time) (map[string]decimal.Decimal, decimal.Decimal, error) {
	return l[asOf.Format("2006-01-02")], decimal.Zero, nil
}

func TestRunIgnoresActivityAfterAsOfDate(t *testing.T) {
	ctx := context.Background()
	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	closedAt := d2
	key1 := cycle.NewKey(d1, 0)
	key2 := cycle.NewKey(d2, 0)
	sku := cycle.Subject{Kind: cycle.SubjectProduct, Code: "SKU-1", Location: "WH1"}
	account := cycle.Subject{Kind: cycle.SubjectAccount, Code: "1300"}

	// Day one receives 10 @ 5. Day two issues 4 before the nightly run.
	cycles := &snapshotCycles{
		cycles: map[string]cycle.Cycle{
			key1.String(): {Key: key1, OpeningStatus: cycle.StatusCompleted, ClosingStatus: cycle.StatusCompleted, ClosedAt: &closedAt},
			key2.String(): {Key: key2, OpeningStatus: cycle.StatusCompleted, ClosingStatus: cycle.StatusPending},
		},
		balances: map[string][]cycle.DailyBalance{
			key1.String(): {
				{Key: key1, Subject: sku, Received: cycle.Bucket{Qty: d("10"), Value: d("50")}, ClosingQty: d("10"), ClosingValue: d("50"), Locked: true},
				{Key: key1, Subject: account, Received: cycle.Bucket{Value: d("50")}, ClosingValue: d("50"), Locked: true},
			},
			key2.String(): {
				{Key: key2, Subject: sku, OpeningQty: d("10"), OpeningValue: d("50"), Issued: cycle.Bucket{Qty: d("4"), Value: d("20")}},
			},
		},
	}
	lots := &liveLots{value: map[string]decimal.Decimal{"SKU-1": d("30")}}
	ledger := datedLedger{
		"2024-03-04": {"SKU-1": d("50")},
		"2024-03-05": {"SKU-1": d("30")},
	}
	inventory := NewSnapshotInventory(cycles, lots)
	inventory.WithNow(func() time.Time { return d2.Add(150 * time.Minute) })

	repo := &memoryRepo{reports: map[string]Report{}}
	svc := NewService(inventory, ledger, repo, nil, DefaultPolicy(), nil, nil, nil)

	first, err := svc.Run(ctx, d1, 0)
	require.NoError(t, err)
	require.True(t, first.InventoryTotal.Equal(d("50")))
	require.True(t, first.Balanced, "difference %s", first.Difference)
	require.Empty(t, first.Breakdown)

	second, err := svc.Run(ctx, d1, 0)
	require.NoError(t, err)
	require.True(t, second.Difference.Equal(first.Difference))
	require.Len(t, repo.reports, 1)

	today, err := svc.Run(ctx, d2, 0)
	require.NoError(t, err)
	require.True(t, today.InventoryTotal.Equal(d("30")))
	require.True(t, today.Balanced)
}

func TestSnapshotInventoryUsesRunningClosingForOpenCycle(t *testing.T) {
	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	key := cycle.NewKey(d1, 0)
	sku := cycle.Subject{Kind: cycle.SubjectProduct, Code: "SKU-1", Location: "WH1"}
	cycles := &snapshotCycles{
		cycles: map[string]cycle.Cycle{key.String(): {Key: key, OpeningStatus: cycle.StatusCompleted}},
		balances: map[string][]cycle.DailyBalance{key.String(): {
			{Key: key, Subject: sku, OpeningValue: d("40"), Received: cycle.Bucket{Value: d("10")}},
			{Key: key, Subject: cycle.Subject{Kind: cycle.SubjectProduct, Code: "SKU-1", Location: "WH2"}, OpeningValue: d("5")},
		}},
	}
	inventory := NewSnapshotInventory(cycles, &liveLots{})
	inventory.WithNow(func() time.Time { return d1.AddDate(0, 0, 3) })

	got, err := inventory.ValuationByProduct(context.Background(), d1)
	require.NoError(t, err)
	require.True(t, got["SKU-1"].Equal(d("55")))

	_, err = inventory.ValuationByProduct(context.Background(), d1.AddDate(0, 0, -1))
	require.ErrorIs(t, err, ErrSnapshotMissing)
}
