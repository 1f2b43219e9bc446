// Package valuation converts foreign-currency amounts and costs inventory
// issues from valuation lots.
package valuation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CostMethod selects the order lots are consumed in.
type CostMethod string

const (
	MethodFIFO    CostMethod = "FIFO"
	MethodLIFO    CostMethod = "LIFO"
	MethodAverage CostMethod = "AVERAGE"
)

// Valid reports whether m is a supported method.
func (m CostMethod) Valid() bool {
	return m == MethodFIFO || m == MethodLIFO || m == MethodAverage
}

// Lot is a receipt layer of a product at a location. UnitCost is in the lot
// currency; BaseUnitCost is what the ledger currently carries per unit.
type Lot struct {
	ID           int64
	ProductCode  string
	Location     string
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	BaseUnitCost decimal.Decimal
	Currency     string
	ReceivedAt   time.Time
}

// BaseValue is the lot's carrying value in base currency.
func (l Lot) BaseValue() decimal.Decimal {
	return l.Quantity.Mul(l.BaseUnitCost)
}

// Consumption records the portion of a lot drawn by an issue.
type Consumption struct {
	LotID    int64
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	Cost     decimal.Decimal
}

// IssueResult is the outcome of costing an issue.
type IssueResult struct {
	Method       CostMethod
	Quantity     decimal.Decimal
	TotalCost    decimal.Decimal
	Consumptions []Consumption
	Remaining    []Lot
}

// UnitCost returns the average unit cost of the issue.
func (r IssueResult) UnitCost() decimal.Decimal {
	if r.Quantity.IsZero() {
		return decimal.Zero
	}
	return r.TotalCost.Div(r.Quantity)
}

// Rate is an exchange rate effective from a date.
type Rate struct {
	From          string
	To            string
	EffectiveDate time.Time
	Rate          decimal.Decimal
}

// ReceiveInput describes a new lot.
type ReceiveInput struct {
	ProductCode string
	Location    string
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	Currency    string
	ReceivedAt  time.Time
}

// RevaluationLine is the FX delta for one lot.
type RevaluationLine struct {
	LotID           int64
	ProductCode     string
	Location        string
	Currency        string
	Quantity        decimal.Decimal
	BookValue       decimal.Decimal
	CurrentValue    decimal.Decimal
	Delta           decimal.Decimal
	NewBaseUnitCost decimal.Decimal
}

// Revaluation aggregates FX deltas for a date.
type Revaluation struct {
	AsOf       time.Time
	Lines      []RevaluationLine
	TotalDelta decimal.Decimal
	Material   bool
}

var (
	// ErrInsufficientLots indicates an issue larger than the quantity on hand.
	ErrInsufficientLots = errors.New("valuation: insufficient lot quantity")
	// ErrRateNotFound indicates no rate effective on or before the date.
	ErrRateNotFound = errors.New("valuation: exchange rate not found")
	// ErrInvalidCurrency indicates a code that is not ISO 4217.
	ErrInvalidCurrency = errors.New("valuation: invalid currency code")
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("valuation: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("valuation: unit cost cannot be negative")
	// ErrUnknownMethod indicates an unsupported cost method.
	ErrUnknownMethod = errors.New("valuation: unknown cost method")
)
