package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, rates ...Rate) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	engine, err := NewEngine(cfg, NewRateTable(rates...))
	require.NoError(t, err)
	return engine
}

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func TestRatePrefersExactDateElsePrior(t *testing.T) {
	engine := testEngine(t,
		Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 3, 1), Rate: d("1.08")},
		Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 3, 5), Rate: d("1.10")},
	)
	ctx := context.Background()

	rate, err := engine.Rate(ctx, "EUR", "USD", day(2024, 3, 5))
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(d("1.10")))

	rate, err = engine.Rate(ctx, "eur", "usd", time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(d("1.08")))

	_, err = engine.Rate(ctx, "EUR", "USD", day(2024, 2, 28))
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestConvert(t *testing.T) {
	engine := testEngine(t, Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 3, 1), Rate: d("1.10")})
	amount, _, err := engine.Convert(context.Background(), d("200"), "EUR", "USD", day(2024, 3, 2))
	require.NoError(t, err)
	require.True(t, amount.Equal(d("220")))

	same, rate, err := engine.Convert(context.Background(), d("200"), "USD", "USD", day(2024, 3, 2))
	require.NoError(t, err)
	require.True(t, same.Equal(d("200")))
	require.True(t, rate.Rate.Equal(d("1")))
}

func TestRateFallsBackToInverse(t *testing.T) {
	engine := testEngine(t, Rate{From: "USD", To: "IDR", EffectiveDate: day(2024, 3, 1), Rate: d("15000")})
	amount, _, err := engine.Convert(context.Background(), d("150000"), "IDR", "USD", day(2024, 3, 1))
	require.NoError(t, err)
	require.True(t, amount.Round(2).Equal(d("10")), amount.String())
}

func TestCurrencyCodesAreValidated(t *testing.T) {
	_, err := NormalizeCurrency("XXZ")
	require.ErrorIs(t, err, ErrInvalidCurrency)
	code, err := NormalizeCurrency(" eur ")
	require.NoError(t, err)
	require.Equal(t, "EUR", code)

	_, err = NewEngine(Config{BaseCurrency: "nope"}, NewRateTable())
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestRevalueMaterialityFloor(t *testing.T) {
	engine := testEngine(t,
		Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 3, 1), Rate: d("1.10")},
		Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 3, 31), Rate: d("1.12")},
	)
	lots := []Lot{{ID: 1, ProductCode: "SKU", Quantity: d("100"), UnitCost: d("50"), BaseUnitCost: d("55"), Currency: "EUR"}}

	small, err := engine.Revalue(context.Background(), lots, day(2024, 3, 31))
	require.NoError(t, err)
	require.True(t, small.TotalDelta.Equal(d("100")), small.TotalDelta.String())
	require.False(t, small.Material)

	lots[0].Quantity = d("1000")
	large, err := engine.Revalue(context.Background(), lots, day(2024, 3, 31))
	require.NoError(t, err)
	require.True(t, large.TotalDelta.Equal(d("1000")))
	require.True(t, large.Material)
	require.True(t, large.Lines[0].NewBaseUnitCost.Equal(d("56")))
}

func TestRevalueSkipsBaseCurrencyLots(t *testing.T) {
	engine := testEngine(t)
	out, err := engine.Revalue(context.Background(), []Lot{{ID: 1, Quantity: d("1"), UnitCost: d("1"), BaseUnitCost: d("1"), Currency: "USD"}}, day(2024, 1, 1))
	require.NoError(t, err)
	require.Empty(t, out.Lines)
	require.False(t, out.Material)
}
