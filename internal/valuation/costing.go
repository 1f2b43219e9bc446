package valuation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Consume draws qty from lots under method. lots are not modified; the
// returned Remaining slice carries updated quantities for every input lot.
// AVERAGE issues at the weighted average base cost and re-prices the
// remaining lots at that average so the carrying value stays consistent.
func Consume(lots []Lot, qty decimal.Decimal, method CostMethod) (IssueResult, error) {
	if !qty.IsPositive() {
		return IssueResult{}, ErrInvalidQuantity
	}
	if !method.Valid() {
		return IssueResult{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	ordered := make([]Lot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	available := decimal.Zero
	value := decimal.Zero
	for _, lot := range ordered {
		available = available.Add(lot.Quantity)
		value = value.Add(lot.BaseValue())
	}
	if available.LessThan(qty) {
		return IssueResult{}, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLots, qty.String(), available.String())
	}

	if method == MethodLIFO {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	var avg decimal.Decimal
	if method == MethodAverage {
		avg = value.DivRound(available, 8)
	}

	res := IssueResult{Method: method, Quantity: qty, TotalCost: decimal.Zero}
	left := qty
	for i := range ordered {
		lot := &ordered[i]
		if left.IsPositive() && lot.Quantity.IsPositive() {
			take := decimal.Min(left, lot.Quantity)
			unit := lot.BaseUnitCost
			if method == MethodAverage {
				unit = avg
			}
			cost := take.Mul(unit)
			res.Consumptions = append(res.Consumptions, Consumption{LotID: lot.ID, Quantity: take, UnitCost: unit, Cost: cost})
			res.TotalCost = res.TotalCost.Add(cost)
			lot.Quantity = lot.Quantity.Sub(take)
			left = left.Sub(take)
		}
		if method == MethodAverage {
			lot.BaseUnitCost = avg
		}
	}
	res.Remaining = ordered
	return res, nil
}
