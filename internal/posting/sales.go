package posting

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// customerInvoiced: Dr AR / Cr Revenue.
func (s *Service) customerInvoiced(e CustomerInvoiced) step {
	st := s.newStep(e, ModuleSales)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleSales, keyReceivable, keyRevenue)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		amount, err := s.toBase(ctx, e.Amount, e.Envelope)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		in := accounting.PostingInput{
			Date: e.Date,
			Lines: []accounting.PostingLineInput{
				{AccountCode: accounts[0], Debit: amount, Description: e.CustomerCode},
				{AccountCode: accounts[1], Credit: amount},
			},
		}
		return in, nil, nil, nil
	}
	return st
}

// goodsIssued: Dr COGS / Cr Inventory at the cost of the lots consumed.
func (s *Service) goodsIssued(e GoodsIssued) step {
	st := s.newStep(e, ModuleSales)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleSales, keyCOGS, keyInventory)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if _, err := s.stock.Decrement(ctx, e.ProductCode, e.Location, e.Quantity); err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		issued, err := s.valuation.Issue(ctx, e.ProductCode, e.Location, e.Quantity)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		cost := money(issued.TotalCost)
		if cost.IsZero() {
			return accounting.PostingInput{}, nil, nil, fmt.Errorf("%w: issue %s x%s", ErrZeroValue, e.ProductCode, e.Quantity)
		}
		in := accounting.PostingInput{
			Date: e.Date,
			Lines: []accounting.PostingLineInput{
				{AccountCode: accounts[0], Debit: cost, ProductCode: e.ProductCode},
				{AccountCode: accounts[1], Credit: cost, ProductCode: e.ProductCode, Description: fmt.Sprintf("issue %s x%s", e.ProductCode, e.Quantity)},
			},
		}
		movements := []cycle.Movement{productMovement(st.key, e.ProductCode, e.Location, cycle.MovementIssued, e.Quantity, cost)}
		return in, movements, nil, nil
	}
	return st
}

// customerPaid: Dr Cash / Cr AR, never above the open receivable.
func (s *Service) customerPaid(e CustomerPaid) step {
	st := s.newStep(e, ModuleSales)
	st.build = func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error) {
		accounts, err := s.resolve(ctx, ModuleSales, keyCash, keyReceivable)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		amount, err := s.toBase(ctx, e.Amount, e.Envelope)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		open, err := s.ledger.ReferenceBalance(ctx, accounts[1], e.Reference)
		if err != nil {
			return accounting.PostingInput{}, nil, nil, err
		}
		if amount.GreaterThan(open) {
			return accounting.PostingInput{}, nil, nil, fmt.Errorf("%w: collecting %s against %s", ErrOverpayment, amount, open)
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
