package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var asOf = time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

func TestComputeBalanced(t *testing.T) {
	inventory := map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("25000")}
	ledger := map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("25000")}

	r := Compute(asOf, inventory, ledger, decimal.Zero, DefaultPolicy())
	require.True(t, r.Balanced)
	require.False(t, r.Material)
	require.True(t, r.Difference.IsZero())
	require.True(t, r.InventoryTotal.Equal(d("125000")))
	require.Empty(t, r.Breakdown)
}

func TestComputeIsolatesVarianceToProduct(t *testing.T) {
	inventory := map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("25000")}
	ledger := map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("20000")}

	r := Compute(asOf, inventory, ledger, decimal.Zero, DefaultPolicy())
	require.False(t, r.Balanced)
	require.True(t, r.Difference.Equal(d("5000")))
	// max(1000, 1% of 125000) = 1250
	require.True(t, r.Threshold.Equal(d("1250")))
	require.True(t, r.Material)
	require.Len(t, r.Breakdown, 1)
	require.Equal(t, "SKU-2", r.Breakdown[0].ProductCode)
	require.True(t, r.Breakdown[0].Difference.Equal(d("5000")))
}

func TestComputeToleranceAndFloor(t *testing.T) {
	inventory := map[string]decimal.Decimal{"SKU-1": d("500.004")}
	ledger := map[string]decimal.Decimal{"SKU-1": d("500")}
	r := Compute(asOf, inventory, ledger, decimal.Zero, DefaultPolicy())
	require.True(t, r.Balanced)
	require.Empty(t, r.Breakdown)

	ledger["SKU-1"] = d("400")
	r = Compute(asOf, inventory, ledger, decimal.Zero, DefaultPolicy())
	require.False(t, r.Balanced)
	require.False(t, r.Material, "100 is below the fixed floor")
}

func TestComputeCountsUntaggedLedgerBalance(t *testing.T) {
	inventory := map[string]decimal.Decimal{"SKU-1": d("1000")}
	ledger := map[string]decimal.Decimal{}

	r := Compute(asOf, inventory, ledger, d("1000"), DefaultPolicy())
	require.True(t, r.Balanced)
	require.True(t, r.LedgerTotal.Equal(d("1000")))
	require.Len(t, r.Breakdown, 1)
	require.Equal(t, "SKU-1", r.Breakdown[0].ProductCode)
}

func TestComputeOrdersBreakdownByMagnitude(t *testing.T) {
	inventory := map[string]decimal.Decimal{"A": d("10"), "B": d("500"), "C": d("0")}
	ledger := map[string]decimal.Decimal{"A": d("0"), "B": d("0"), "C": d("-40")}

	r := Compute(asOf, inventory, ledger, decimal.Zero, DefaultPolicy())
	require.Len(t, r.Breakdown, 3)
	require.Equal(t, []string{"B", "C", "A"}, []string{r.Breakdown[0].ProductCode, r.Breakdown[1].ProductCode, r.Breakdown[2].ProductCode})
}
