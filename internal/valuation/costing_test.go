package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func twoLots() []Lot {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Lot{
		{ID: 2, ProductCode: "SKU", Quantity: d("10"), UnitCost: d("7"), BaseUnitCost: d("7"), ReceivedAt: day.AddDate(0, 0, 1)},
		{ID: 1, ProductCode: "SKU", Quantity: d("10"), UnitCost: d("5"), BaseUnitCost: d("5"), ReceivedAt: day},
	}
}

func TestConsumeFIFO(t *testing.T) {
	res, err := Consume(twoLots(), d("15"), MethodFIFO)
	require.NoError(t, err)
	require.True(t, res.TotalCost.Equal(d("85")), res.TotalCost.String())
	require.Len(t, res.Consumptions, 2)
	require.Equal(t, int64(1), res.Consumptions[0].LotID)
	require.True(t, res.Remaining[0].Quantity.IsZero())
	require.True(t, res.Remaining[1].Quantity.Equal(d("5")))
}

func TestConsumeLIFO(t *testing.T) {
	res, err := Consume(twoLots(), d("15"), MethodLIFO)
	require.NoError(t, err)
	require.True(t, res.TotalCost.Equal(d("95")), res.TotalCost.String())
	require.Equal(t, int64(2), res.Consumptions[0].LotID)
}

func TestConsumeAverage(t *testing.T) {
	res, err := Consume(twoLots(), d("15"), MethodAverage)
	require.NoError(t, err)
	require.True(t, res.TotalCost.Equal(d("90")), res.TotalCost.String())
	require.True(t, res.UnitCost().Equal(d("6")))

	remaining := decimal.Zero
	for _, lot := range res.Remaining {
		remaining = remaining.Add(lot.BaseValue())
	}
	require.True(t, remaining.Equal(d("30")), remaining.String())
}

func TestConsumeRejectsOverdraw(t *testing.T) {
	_, err := Consume(twoLots(), d("20.5"), MethodFIFO)
	require.ErrorIs(t, err, ErrInsufficientLots)

	_, err = Consume(nil, d("1"), MethodFIFO)
	require.ErrorIs(t, err, ErrInsufficientLots)
}

func TestConsumeValidatesInput(t *testing.T) {
	_, err := Consume(twoLots(), decimal.Zero, MethodFIFO)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = Consume(twoLots(), d("1"), CostMethod("HIFO"))
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestConsumeDoesNotMutateInput(t *testing.T) {
	lots := twoLots()
	_, err := Consume(lots, d("15"), MethodFIFO)
	require.NoError(t, err)
	require.True(t, lots[0].Quantity.Equal(d("10")))
	require.True(t, lots[1].Quantity.Equal(d("10")))
}
