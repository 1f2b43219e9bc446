package posting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/adjustment"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// PostAdjustment posts an approved correction into the current open cycle,
// carrying the corrected cycle's date as the entry's original date. Product
// corrections also move stock and valuation lots and post at the value the
// lots actually moved, which for decreases is the consumed lot cost rather
// than the requested unit cost.
func (s *Service) PostAdjustment(ctx context.Context, e adjustment.Entry, approverID int64) (int64, error) {
	key, err := s.cycles.CurrentOpenKey(ctx)
	if err != nil {
		return 0, err
	}
	original := e.OriginalDate
	reference := "ADJ-" + e.ID.String()
	st := step{
		event:     EventAdjustment,
		module:    ModuleAdjustment,
		reference: reference,
		env: Envelope{
			Reference:   reference,
			Date:        key.Date,
			ActorID:     approverID,
			Approved:    true,
			Description: fmt.Sprintf("correction of %s for %s", e.Key(), e.Subject()),
		},
		sourceID:     e.ID,
		key:          key,
		skipWritable: true,
	}
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		amount := money(e.Amount)
		target := e.SubjectCode
		product := ""
		if e.SubjectKind == cycle.SubjectProduct {
			accounts, err := s.resolve(ctx, ModuleAdjustment, keyInventory)
			if err != nil {
				return accounting.PostingInput{}, nil, nil, err
			}
			target = accounts[0]
			product = e.SubjectCode
			moved, err := s.moveInventory(ctx, e, key)
			if err != nil {
				return accounting.PostingInput{}, nil, nil, err
			}
			amount = money(moved)
			if amount.IsZero() {
				return accounting.PostingInput{}, nil, nil, fmt.Errorf("%w: adjustment %s", ErrZeroValue, e.ID)
			}
		}
		offsetKey := keyAdjustmentLoss
		if e.Increase() {
			offsetKey = keyAdjustmentGain
		}
		offset, err := s.resolve(ctx, ModuleAdjustment, offsetKey)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		subjectLine := accounting.PostingLineInput{AccountCode: target, ProductCode: product, Description: st.env.Description}
		offsetLine := accounting.PostingLineInput{AccountCode: offset[0]}
		if e.Increase() {
			subjectLine.Debit = amount
			offsetLine.Credit = amount
		} else {
			subjectLine.Credit = amount
			offsetLine.Debit = amount
		}
		in := accounting.PostingInput{
			Date:         key.Date,
			OriginalDate: &original,
			Lines:        []accounting.PostingLineInput{subjectLine, offsetLine},
		}
		var movements []cycle.Movement
		if e.SubjectKind == cycle.SubjectProduct {
			value := amount
			if !e.Increase() {
				value = amount.Neg()
			}
			movements = append(movements, productMovement(key, e.SubjectCode, e.Location, cycle.MovementAdjusted, e.Delta, value))
		}
		return in, movements, nil, nil
	}
	res, err := s.execute(ctx, st)
	if err != nil {
		return 0, err
	}
	return res.Entry.ID, nil
}

// moveInventory applies a product correction to stock and lots and returns
// its base value: the new lot's cost for increases, the consumed lots' cost
// for decreases.
func (s *Service) moveInventory(ctx context.Context, e adjustment.Entry, key cycle.Key) (decimal.Decimal, error) {
	qty := e.Delta.Abs()
	if qty.IsZero() {
		return decimal.Zero, nil
	}
	if e.Increase() {
		if _, err := s.stock.Increment(ctx, e.SubjectCode, e.Location, qty); err != nil {
			return decimal.Zero, err
		}
		lot, err := s.valuation.Receive(ctx, valuation.ReceiveInput{
			ProductCode: e.SubjectCode,
			Location:    e.Location,
			Quantity:    qty,
			UnitCost:    e.UnitCost,
			ReceivedAt:  key.Date,
		})
		if err != nil {
			return decimal.Zero, err
		}
		return lot.BaseValue(), nil
	}
	if _, err := s.stock.Decrement(ctx, e.SubjectCode, e.Location, qty); err != nil {
		return decimal.Zero, err
	}
	issued, err := s.valuation.Issue(ctx, e.SubjectCode, e.Location, qty)
	if err != nil {
		return decimal.Zero, err
	}
	return issued.TotalCost, nil
}
