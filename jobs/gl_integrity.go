package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// IntegrityReport summarises the GL integrity check for one cycle.
type IntegrityReport struct {
	Cycle          cycle.Key
	BrokenClosings []cycle.DailyBalance
	Debit          decimal.Decimal
	Credit         decimal.Decimal
}

// Balanced reports whether posted debits equal posted credits.
func (r IntegrityReport) Balanced() bool {
	return r.Debit.Equal(r.Credit)
}

// Clean reports a cycle with no findings.
func (r IntegrityReport) Clean() bool {
	return r.Balanced() && len(r.BrokenClosings) == 0
}

// RunGLIntegrityCheck recomputes the stored closings of key and sums the trial
// balance up to the cycle date. A cycle that is not closed yet only gets the
// trial balance check.
func RunGLIntegrityCheck(ctx context.Context, cycles Cycles, ledger TrialBalancer, key cycle.Key) (IntegrityReport, error) {
	report := IntegrityReport{Cycle: key}
	broken, err := cycles.VerifyClosing(ctx, key)
	switch {
	case errors.Is(err, cycle.ErrCycleNotFound), errors.Is(err, cycle.ErrCycleNotOpen):
	case err != nil:
		return report, fmt.Errorf("verify closing %s: %w", key, err)
	default:
		report.BrokenClosings = broken
	}

	lines, err := ledger.TrialBalance(ctx, key.Date)
	if err != nil {
		return report, fmt.Errorf("trial balance %s: %w", key.Date.Format(dateLayout), err)
	}
	for _, line := range lines {
		report.Debit = report.Debit.Add(line.Debit)
		report.Credit = report.Credit.Add(line.Credit)
	}
	return report, nil
}
