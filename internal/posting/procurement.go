package posting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

func (s *Service) newStep(ev Event, module string) step {
	env := ev.Meta()
	return step{
		event:     ev.Type(),
		module:    module,
		reference: env.Reference,
		env:       env,
		sourceID:  SourceID(ev.Type(), env.Reference),
		key:       s.cycles.KeyFor(env.Date),
	}
}

// toBase converts a document amount into base currency, rounded to cents.
func (s *Service) toBase(ctx context.Context, amount decimal.Decimal, env Envelope) (decimal.Decimal, error) {
	if env.Currency == "" || s.fx == nil {
		return money(amount), nil
	}
	base, err := s.fx.ToBase(ctx, amount, env.Currency, env.Date)
	if err != nil {
		return decimal.Zero, err
	}
	return money(base), nil
}

// goodsReceived: Dr Inventory / Cr GR-IR at the lot's base cost.
func (s *Service) goodsReceived(e GoodsReceived) step {
	st := s.newStep(e, ModuleProcurement)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleProcurement, keyInventory, keyGRIR)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		lot, err := s.valuation.Receive(ctx, valuation.ReceiveInput{
			ProductCode: e.ProductCode,
			Location:    e.Location,
			Quantity:    e.Quantity,
			UnitCost:    e.UnitCost,
			Currency:    e.Currency,
			ReceivedAt:  e.Date,
		})
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if _, err := s.stock.Increment(ctx, e.ProductCode, e.Location, e.Quantity); err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		amount := money(lot.BaseValue())
		if amount.IsZero() {
			return accounting.PostingInput{}, nil, nil, fmt.Errorf("%w: receipt %s x%s", ErrZeroValue, e.ProductCode, e.Quantity)
		}
		in := accounting.PostingInput{
			Date:     e.Date,
			Currency: lot.Currency,
			Lines: []accounting.PostingLineInput{
				{AccountCode: accounts[0], Debit: amount, ProductCode: e.ProductCode, Description: fmt.Sprintf("receipt %s x%s", e.ProductCode, e.Quantity)},
				{AccountCode: accounts[1], Credit: amount},
			},
		}
		movements := []cycle.Movement{productMovement(st.key, e.ProductCode, e.Location, cycle.MovementReceived, e.Quantity, amount)}
		return in, movements, nil, nil
	}
	return st
}

// supplierInvoiced: Dr GR-IR / Cr AP, flagging invoices that do not clear
// the receipt's GR-IR balance for the same reference.
func (s *Service) supplierInvoiced(e SupplierInvoiced) step {
	st := s.newStep(e, ModuleProcurement)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleProcurement, keyGRIR, keyPayable)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		amount, err := s.toBase(ctx, e.Amount, e.Envelope)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		var notes []accounting.Issue
		open, err := s.ledger.ReferenceBalance(ctx, accounts[0], e.Reference)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if received := open.Neg(); !received.Equal(amount) {
			notes = append(notes, accounting.Issue{
				Code:     IssueGRIRMismatch,
				Severity: accounting.SeverityWarning,
				Line:     -1,
				Message:  fmt.Sprintf("invoice %s differs from received %s", amount, received),
			})
		}
		in := accounting.PostingInput{
			Date: e.Date,
			Lines: []accounting.PostingLineInput{
				{AccountCode: accounts[0], Debit: amount},
				{AccountCode: accounts[1], Credit: amount, Description: e.SupplierCode},
			},
		}
		return in, nil, notes, nil
	}
	return st
}

// supplierPaid: Dr AP / Cr Cash, never above the open payable.
func (s *Service) supplierPaid(e SupplierPaid) step {
	st := s.newStep(e, ModuleProcurement)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleProcurement, keyPayable, keyCash)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		amount, err := s.toBase(ctx, e.Amount, e.Envelope)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		balance, err := s.ledger.ReferenceBalance(ctx, accounts[0], e.Reference)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if open := balance.Neg(); amount.GreaterThan(open) {
			return accounting.PostingInput{}, nil, nil, fmt.Errorf("%w: paying %s against %s", ErrOverpayment, amount, open)
		}
		in := accounting.PostingInput{
			Date: e.Date,
			Lines: []accounting.PostingLineInput{
				{AccountCode: accounts[0], Debit: amount},
				{AccountCode: accounts[1], Credit: amount},
			},
		}
		return in, nil, nil, nil
	}
	return st
}

func productMovement(key cycle.Key, product, location string, kind cycle.MovementKind, qty, value decimal.Decimal) cycle.Movement {
	return cycle.Movement{
		Key:     key,
		Subject: cycle.Subject{Kind: cycle.SubjectProduct, Code: product, Location: location},
		Kind:    kind,
		Qty:     qty,
		Value:   value,
	}
}
