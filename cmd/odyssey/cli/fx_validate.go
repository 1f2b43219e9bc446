package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	Pairs      []string
	AsOf       string
	MaxAge     time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK              bool                       `json:"ok"`
	AsOf            string                     `json:"as_of"`
	Gaps            []FXValidationGap          `json:"gaps"`
	AvailableQuotes []FXValidationAvailability `json:"available_quotes"`
}

// FXValidationGap captures a pair without a usable rate.
type FXValidationGap struct {
	Pair      string `json:"pair"`
	LastQuote string `json:"last_quote,omitempty"`
}

// FXValidationAvailability reports the rate a pair resolves to.
type FXValidationAvailability struct {
	Pair          string          `json:"pair"`
	EffectiveDate string          `json:"effective_date"`
	Rate          decimal.Decimal `json:"rate"`
}

// ValidateCommand checks that every pair resolves to a rate no older than
// MaxAge on the as-of date, and prints the outcome.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if len(opts.Pairs) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "fx validate: --pairs is required")
		return 1
	}
	asOf, err := time.Parse(dayLayout, strings.TrimSpace(opts.AsOf))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid --as-of %q (expected YYYY-MM-DD)\n", opts.AsOf)
		return 1
	}
	summary := FXValidateSummary{AsOf: asOf.Format(dayLayout), Gaps: []FXValidationGap{}, AvailableQuotes: []FXValidationAvailability{}}
	for _, raw := range opts.Pairs {
		from, to, err := parsePair(raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
			return 1
		}
		pair := from + "/" + to
		rate, err := c.store.RateAsOf(ctx, from, to, asOf)
		if errors.Is(err, valuation.ErrRateNotFound) {
			summary.Gaps = append(summary.Gaps, FXValidationGap{Pair: pair})
			continue
		}
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %s: %v\n", pair, err)
			return 1
		}
		effective := rate.EffectiveDate.Format(dayLayout)
		if asOf.Sub(rate.EffectiveDate) > opts.MaxAge {
			summary.Gaps = append(summary.Gaps, FXValidationGap{Pair: pair, LastQuote: effective})
			continue
		}
		summary.AvailableQuotes = append(summary.AvailableQuotes, FXValidationAvailability{Pair: pair, EffectiveDate: effective, Rate: rate.Rate})
	}
	sort.Slice(summary.Gaps, func(i, j int) bool { return summary.Gaps[i].Pair < summary.Gaps[j].Pair })
	sort.Slice(summary.AvailableQuotes, func(i, j int) bool { return summary.AvailableQuotes[i].Pair < summary.AvailableQuotes[j].Pair })
	summary.OK = len(summary.Gaps) == 0

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitGaps
	}
	return 0
}

func renderValidateHuman(out io.Writer, summary FXValidateSummary) {
	_, _ = fmt.Fprintf(out, "FX validation as of %s\n", summary.AsOf)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All required FX rates are present.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Gaps))
		for _, gap := range summary.Gaps {
			if gap.LastQuote == "" {
				_, _ = fmt.Fprintf(out, " - %s (no quote)\n", gap.Pair)
				continue
			}
			_, _ = fmt.Fprintf(out, " - %s (stale since %s)\n", gap.Pair, gap.LastQuote)
		}
	}
	for _, q := range summary.AvailableQuotes {
		_, _ = fmt.Fprintf(out, " - %s %s effective %s\n", q.Pair, q.Rate, q.EffectiveDate)
	}
}
