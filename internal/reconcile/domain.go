// Package reconcile compares valuation-layer inventory with the general
// ledger's inventory accounts.
package reconcile

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds tenant tolerances.
type Policy struct {
	// Epsilon is the largest difference still treated as balanced.
	Epsilon decimal.Decimal `yaml:"epsilon"`
	// FixedFloor and Percentage bound the materiality threshold:
	// max(FixedFloor, Percentage × |inventory total|).
	FixedFloor decimal.Decimal `yaml:"fixed_floor"`
	Percentage decimal.Decimal `yaml:"percentage"`
}

// DefaultPolicy balances within 0.01 and flags variances above max(1000, 1%).
func DefaultPolicy() Policy {
	return Policy{
		Epsilon:    decimal.RequireFromString("0.01"),
		FixedFloor: decimal.NewFromInt(1000),
		Percentage: decimal.RequireFromString("0.01"),
	}
}

// ProductVariance is one product whose two sides disagree.
type ProductVariance struct {
	ProductCode string          `json:"product_code"`
	Inventory   decimal.Decimal `json:"inventory"`
	Ledger      decimal.Decimal `json:"ledger"`
	Difference  decimal.Decimal `json:"difference"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	AsOf           time.Time         `json:"as_of"`
	InventoryTotal decimal.Decimal   `json:"inventory_total"`
	LedgerTotal    decimal.Decimal   `json:"ledger_total"`
	Unassigned     decimal.Decimal   `json:"unassigned"`
	Difference     decimal.Decimal   `json:"difference"`
	Threshold      decimal.Decimal   `json:"threshold"`
	Balanced       bool              `json:"is_balanced"`
	Material       bool              `json:"is_material"`
	Breakdown      []ProductVariance `json:"breakdown"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// ErrReportNotFound indicates no stored report for the date.
var ErrReportNotFound = errors.New("reconcile: report not found")

// Compute reconciles inventory value per product against GL balances per
// product. unassigned is GL inventory balance carrying no product tag; it
// counts toward the ledger total but not toward any product's breakdown.
func Compute(asOf time.Time, inventory, ledger map[string]decimal.Decimal, unassigned decimal.Decimal, policy Policy) Report {
	r := Report{AsOf: asOf, Unassigned: unassigned, Breakdown: []ProductVariance{}}
	products := make(map[string]struct{}, len(inventory)+len(ledger))
	for code, v := range inventory {
		products[code] = struct{}{}
		r.InventoryTotal = r.InventoryTotal.Add(v)
	}
	for code, v := range ledger {
		products[code] = struct{}{}
		r.LedgerTotal = r.LedgerTotal.Add(v)
	}
	r.LedgerTotal = r.LedgerTotal.Add(unassigned)
	r.Difference = r.InventoryTotal.Sub(r.LedgerTotal)

	for code := range products {
		diff := inventory[code].Sub(ledger[code])
		if diff.Abs().LessThan(policy.Epsilon) {
			continue
		}
		r.Breakdown = append(r.Breakdown, ProductVariance{
			ProductCode: code,
			Inventory:   inventory[code],
			Ledger:      ledger[code],
			Difference:  diff,
		})
	}
	sort.Slice(r.Breakdown, func(i, j int) bool {
		a, b := r.Breakdown[i].Difference.Abs(), r.Breakdown[j].Difference.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return r.Breakdown[i].ProductCode < r.Breakdown[j].ProductCode
	})

	r.Threshold = decimal.Max(policy.FixedFloor, policy.Percentage.Mul(r.InventoryTotal.Abs()))
	r.Balanced = r.Difference.Abs().LessThan(policy.Epsilon)
	r.Material = r.Difference.Abs().GreaterThan(r.Threshold)
	return r
}
