package posting

import (
	"context"
	"fmt"
)

// StepReport is the outcome of one step of a business cycle.
type StepReport struct {
	Event  EventType
	Result Result
	Err    error
}

// CycleReport lists the steps attempted. A failed step is the last entry;
// steps before it stay committed.
type CycleReport struct {
	Reference string
	Steps     []StepReport
}

// Completed reports whether every step posted or was already posted.
func (r CycleReport) Completed(total int) bool {
	if len(r.Steps) != total {
		return false
	}
	for _, st := range r.Steps {
		if st.Err != nil {
			return false
		}
	}
	return true
}

func (s *Service) runSteps(ctx context.Context, reference string, events ...Event) (CycleReport, error) {
	report := CycleReport{Reference: reference}
	for _, ev := range events {
		res, err := s.Post(ctx, ev)
		report.Steps = append(report.Steps, StepReport{Event: ev.Type(), Result: res, Err: err})
		if err != nil {
			return report, fmt.Errorf("posting: %s %s: %w", reference, ev.Type(), err)
		}
	}
	return report, nil
}

// RunProcurementCycle posts receipt, invoice and payment in order. Re-running
// after a partial failure skips the committed steps as duplicates.
func (s *Service) RunProcurementCycle(ctx context.Context, c ProcurementCycle) (CycleReport, error) {
	return s.runSteps(ctx, c.Receipt.Reference, c.Receipt, c.Invoice, c.Payment)
}

// RunSalesCycle posts invoice, goods issue and collection in order.
func (s *Service) RunSalesCycle(ctx context.Context, c SalesCycle) (CycleReport, error) {
	return s.runSteps(ctx, c.Invoice.Reference, c.Invoice, c.Issue, c.Collection)
}
