package posting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// Revalue re-prices foreign-currency lots at asOf rates and posts the
// aggregate delta as unrealised FX gain or loss. Immaterial deltas are
// reported as Skipped with nothing written. Running twice for the same date
// returns the first posting as a duplicate.
func (s *Service) Revalue(ctx context.Context, asOf time.Time, actorID int64) (Result, error) {
	reference := "FXREV-" + asOf.Format("2006-01-02")
	env := Envelope{Reference: reference, Date: asOf, ActorID: actorID, Approved: true, Description: "unrealised FX revaluation"}
	st := step{
		event:     EventFXRevaluation,
		module:    ModuleValuation,
		reference: reference,
		env:       env,
		sourceID:  SourceID(EventFXRevaluation, reference),
		key:       s.cycles.KeyFor(asOf),
	}
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleValuation, keyInventory, keyFXGain, keyFXLoss)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		rev, err := s.valuation.Revalue(ctx, asOf, true)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if !rev.Material {
			s.logger.InfoContext(ctx, "revaluation below materiality",
				slog.String("as_of", asOf.Format("2006-01-02")),
				slog.String("delta", rev.TotalDelta.String()))
			return accounting.PostingInput{}, nil, nil, nil
		}

		type subject struct{ product, location string }
		deltas := make(map[subject]decimal.Decimal)
		for _, line := range rev.Lines {
			key := subject{line.ProductCode, line.Location}
			deltas[key] = deltas[key].Add(line.Delta)
		}
		keys := make([]subject, 0, len(deltas))
		for k := range deltas {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].product != keys[j].product {
				return keys[i].product < keys[j].product
			}
			return keys[i].location < keys[j].location
		})

		in := accounting.PostingInput{Date: asOf}
		var movements []cycle.Movement
		net := decimal.Zero
		for _, k := range keys {
			delta := money(deltas[k])
			if delta.IsZero() {
				continue
			}
			line := accounting.PostingLineInput{AccountCode: accounts[0], ProductCode: k.product, Description: fmt.Sprintf("FX %s@%s", k.product, k.location)}
			if delta.IsPositive() {
				line.Debit = delta
			} else {
				line.Credit = delta.Neg()
			}
			in.Lines = append(in.Lines, line)
			movements = append(movements, productMovement(st.key, k.product, k.location, cycle.MovementAdjusted, decimal.Zero, delta))
			net = net.Add(delta)
		}
		switch {
		case net.IsPositive():
			in.Lines = append(in.Lines, accounting.PostingLineInput{AccountCode: accounts[1], Credit: net})
		case net.IsNegative():
			in.Lines = append(in.Lines, accounting.PostingLineInput{AccountCode: accounts[2], Debit: net.Neg()})
		default:
			in.Lines = nil
			movements = nil
		}
		return in, movements, nil, nil
	}
	return s.execute(ctx, st)
}
