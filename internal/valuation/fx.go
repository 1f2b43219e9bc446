package valuation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// RateProvider resolves the rate effective on or before a date.
type RateProvider interface {
	RateAsOf(ctx context.Context, from, to string, date time.Time) (Rate, error)
}

// RateTable is an in-memory RateProvider.
type RateTable struct {
	mu    sync.RWMutex
	pairs map[string][]Rate
}

// NewRateTable builds a table from rates.
func NewRateTable(rates ...Rate) *RateTable {
	t := &RateTable{pairs: map[string][]Rate{}}
	for _, r := range rates {
		t.Add(r)
	}
	return t
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

// Add inserts or replaces the rate for its pair and date.
func (t *RateTable) Add(r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairKey(r.From, r.To)
	day := truncateDay(r.EffectiveDate)
	r.EffectiveDate = day
	list := t.pairs[key]
	for i := range list {
		if list[i].EffectiveDate.Equal(day) {
			list[i] = r
			return
		}
	}
	list = append(list, r)
	sort.Slice(list, func(i, j int) bool { return list[i].EffectiveDate.Before(list[j].EffectiveDate) })
	t.pairs[key] = list
}

// RateAsOf returns the exact-date rate when present, else the most recent prior one.
func (t *RateTable) RateAsOf(_ context.Context, from, to string, date time.Time) (Rate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.pairs[pairKey(from, to)]
	day := truncateDay(date)
	idx := sort.Search(len(list), func(i int) bool { return list[i].EffectiveDate.After(day) })
	if idx == 0 {
		return Rate{}, fmt.Errorf("%w: %s on %s", ErrRateNotFound, pairKey(from, to), day.Format("2006-01-02"))
	}
	return list[idx-1], nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Config is threaded explicitly into the engine; nothing is read from globals.
type Config struct {
	BaseCurrency     string
	MaterialityFloor decimal.Decimal
	DefaultMethod    CostMethod
	ProductMethods   map[string]CostMethod
}

// DefaultConfig returns a USD base, FIFO, 100.00 materiality floor.
func DefaultConfig() Config {
	return Config{BaseCurrency: "USD", MaterialityFloor: decimal.NewFromInt(100), DefaultMethod: MethodFIFO}
}

// MethodFor returns the cost method configured for product.
func (c Config) MethodFor(product string) CostMethod {
	if m, ok := c.ProductMethods[product]; ok && m.Valid() {
		return m
	}
	if c.DefaultMethod.Valid() {
		return c.DefaultMethod
	}
	return MethodFIFO
}

// Engine performs currency conversion and revaluation.
type Engine struct {
	cfg   Config
	rates RateProvider
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, rates RateProvider) (*Engine, error) {
	base, err := NormalizeCurrency(cfg.BaseCurrency)
	if err != nil {
		return nil, err
	}
	cfg.BaseCurrency = base
	return &Engine{cfg: cfg, rates: rates}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rate returns the from→to rate effective on date. A missing direct quote
// falls back to the inverse of the to→from quote.
func (e *Engine) Rate(ctx context.Context, from, to string, date time.Time) (Rate, error) {
	from, err := NormalizeCurrency(from)
	if err != nil {
		return Rate{}, err
	}
	to, err = NormalizeCurrency(to)
	if err != nil {
		return Rate{}, err
	}
	if from == to {
		return Rate{From: from, To: to, EffectiveDate: truncateDay(date), Rate: decimal.NewFromInt(1)}, nil
	}
	rate, err := e.rates.RateAsOf(ctx, from, to, date)
	if err == nil {
		return rate, nil
	}
	inverse, invErr := e.rates.RateAsOf(ctx, to, from, date)
	if invErr != nil || inverse.Rate.IsZero() {
		return Rate{}, err
	}
	return Rate{From: from, To: to, EffectiveDate: inverse.EffectiveDate, Rate: decimal.NewFromInt(1).DivRound(inverse.Rate, 12)}, nil
}

// Convert returns amount × rate(from→to, date).
func (e *Engine) Convert(ctx context.Context, amount decimal.Decimal, from, to string, date time.Time) (decimal.Decimal, Rate, error) {
	rate, err := e.Rate(ctx, from, to, date)
	if err != nil {
		return decimal.Zero, Rate{}, err
	}
	return amount.Mul(rate.Rate), rate, nil
}

// ToBase converts amount into the base currency.
func (e *Engine) ToBase(ctx context.Context, amount decimal.Decimal, from string, date time.Time) (decimal.Decimal, error) {
	if from == "" {
		return amount, nil
	}
	converted, _, err := e.Convert(ctx, amount, from, e.cfg.BaseCurrency, date)
	return converted, err
}

// Revalue recomputes foreign-currency lots at the rate effective on asOf.
// The result is material only when |TotalDelta| exceeds the materiality floor.
func (e *Engine) Revalue(ctx context.Context, lots []Lot, asOf time.Time) (Revaluation, error) {
	out := Revaluation{AsOf: truncateDay(asOf), TotalDelta: decimal.Zero}
	for _, lot := range lots {
		if lot.Quantity.IsZero() || lot.Currency == "" || lot.Currency == e.cfg.BaseCurrency {
			continue
		}
		rate, err := e.Rate(ctx, lot.Currency, e.cfg.BaseCurrency, asOf)
		if err != nil {
			return Revaluation{}, err
		}
		newUnit := lot.UnitCost.Mul(rate.Rate)
		book := lot.BaseValue()
		current := lot.Quantity.Mul(newUnit)
		delta := current.Sub(book)
		if delta.IsZero() {
			continue
		}
		out.Lines = append(out.Lines, RevaluationLine{
			LotID:           lot.ID,
			ProductCode:     lot.ProductCode,
			Location:        lot.Location,
			Currency:        lot.Currency,
			Quantity:        lot.Quantity,
			BookValue:       book,
			CurrentValue:    current,
			Delta:           delta,
			NewBaseUnitCost: newUnit,
		})
		out.TotalDelta = out.TotalDelta.Add(delta)
	}
	out.Material = out.TotalDelta.Abs().GreaterThan(e.cfg.MaterialityFloor)
	return out, nil
}
