package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

const dayLayout = "2006-01-02"

// RateStore reads and writes exchange rates.
type RateStore interface {
	RateAsOf(ctx context.Context, from, to string, date time.Time) (valuation.Rate, error)
	UpsertRate(ctx context.Context, rate valuation.Rate) error
}

// FXOpsCLI offers operational helpers to manage the exchange rates used for
// posting conversion and revaluation.
type FXOpsCLI struct {
	store RateStore
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(store RateStore) *FXOpsCLI {
	return &FXOpsCLI{store: store}
}

// DefaultMaxAge tolerates weekend and holiday gaps in daily quotes.
const DefaultMaxAge = 4 * 24 * time.Hour

// FXGap is a day whose effective rate is missing or older than the allowed age.
type FXGap struct {
	Date      string `json:"date"`
	LastQuote string `json:"last_quote,omitempty"`
}

func parsePair(raw string) (string, string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	var from, to string
	switch {
	case strings.Contains(raw, "/"):
		parts := strings.SplitN(raw, "/", 2)
		from, to = parts[0], parts[1]
	case len(raw) == 6:
		from, to = raw[:3], raw[3:]
	default:
		return "", "", fmt.Errorf("invalid pair %q (expected FROM/TO)", raw)
	}
	from, err := valuation.NormalizeCurrency(from)
	if err != nil {
		return "", "", err
	}
	to, err = valuation.NormalizeCurrency(to)
	if err != nil {
		return "", "", err
	}
	if from == to {
		return "", "", fmt.Errorf("invalid pair %q: currencies must differ", raw)
	}
	return from, to, nil
}

func enumerateDays(from, to time.Time) []time.Time {
	var days []time.Time
	for current := from; !current.After(to); current = current.AddDate(0, 0, 1) {
		days = append(days, current)
	}
	return days
}

func (c *FXOpsCLI) findGaps(ctx context.Context, from, to string, days []time.Time, maxAge time.Duration) ([]FXGap, error) {
	gaps := make([]FXGap, 0)
	for _, day := range days {
		rate, err := c.store.RateAsOf(ctx, from, to, day)
		if errors.Is(err, valuation.ErrRateNotFound) {
			gaps = append(gaps, FXGap{Date: day.Format(dayLayout)})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rate %s/%s on %s: %w", from, to, day.Format(dayLayout), err)
		}
		if day.Sub(rate.EffectiveDate) > maxAge {
			gaps = append(gaps, FXGap{Date: day.Format(dayLayout), LastQuote: rate.EffectiveDate.Format(dayLayout)})
		}
	}
	return gaps, nil
}
