package posting

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/adjustment"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/stock"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

func env(ref string) Envelope {
	return Envelope{Reference: ref, Date: day(2024, 2, 10), ActorID: 3}
}

func procurement(ref, qty, unit, invoice, payment string) ProcurementCycle {
	return ProcurementCycle{
		Receipt: GoodsReceived{Envelope: env(ref), ProductCode: "SKU-1", Location: "WH1", Quantity: d(qty), UnitCost: d(unit)},
		Invoice: SupplierInvoiced{Envelope: env(ref), SupplierCode: "SUP-9", Amount: d(invoice)},
		Payment: SupplierPaid{Envelope: env(ref), Amount: d(payment)},
	}
}

func TestProcurementCycleClearsGRIRAndPayable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.svc.RunProcurementCycle(ctx, procurement("PO-1", "10", "12.5", "125", "125"))
	require.NoError(t, err)
	require.True(t, report.Completed(3))
	for _, st := range report.Steps {
		require.Empty(t, st.Result.Warnings, st.Event)
	}

	require.Equal(t, 3, h.ledger.count())
	require.True(t, h.ledger.balance("1300").Equal(d("125")))
	require.True(t, h.ledger.balance("2150").IsZero())
	require.True(t, h.ledger.balance("2100").IsZero())
	require.True(t, h.ledger.balance("1000").Equal(d("-125")))

	qty, value := h.cycles.product("SKU-1", cycle.MovementReceived)
	require.True(t, qty.Equal(d("10")))
	require.True(t, value.Equal(d("125")))

	onHand, err := h.stock.OnHand(ctx, "SKU-1", "WH1")
	require.NoError(t, err)
	require.True(t, onHand.Equal(d("10")))
	require.Contains(t, h.audit.actions, "ledger.post.GOODS_RECEIVED")
}

func TestProcurementCycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := procurement("PO-2", "4", "25", "100", "100")

	_, err := h.svc.RunProcurementCycle(ctx, c)
	require.NoError(t, err)
	movements := len(h.cycles.movements)

	report, err := h.svc.RunProcurementCycle(ctx, c)
	require.NoError(t, err)
	for _, st := range report.Steps {
		require.True(t, st.Result.Duplicate, st.Event)
	}
	require.Equal(t, 3, h.ledger.count())
	require.Len(t, h.cycles.movements, movements)
	require.Len(t, h.lots.lots, 1)
}

func TestSourceIDIsStablePerTypeAndReference(t *testing.T) {
	require.Equal(t, SourceID(EventGoodsReceived, "PO-1"), SourceID(EventGoodsReceived, " PO-1 "))
	require.NotEqual(t, SourceID(EventGoodsReceived, "PO-1"), SourceID(EventSupplierInvoiced, "PO-1"))
	require.NotEqual(t, SourceID(EventGoodsReceived, "PO-1"), SourceID(EventGoodsReceived, "PO-2"))
}

func TestInvoiceMismatchWarnsAndOverpaymentStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.svc.RunProcurementCycle(ctx, procurement("PO-3", "10", "10", "110", "150"))
	require.ErrorIs(t, err, ErrOverpayment)
	require.Len(t, report.Steps, 3)
	require.NoError(t, report.Steps[0].Err)
	require.NoError(t, report.Steps[1].Err)
	require.ErrorIs(t, report.Steps[2].Err, ErrOverpayment)
	require.False(t, report.Completed(3))

	warnings := report.Steps[1].Result.Warnings
	require.Len(t, warnings, 1)
	require.Equal(t, IssueGRIRMismatch, warnings[0].Code)
	require.Equal(t, 2, h.ledger.count())

	// Re-running with the corrected payment resumes after the committed steps.
	fixed := procurement("PO-3", "10", "10", "110", "110")
	report, err = h.svc.RunProcurementCycle(ctx, fixed)
	require.NoError(t, err)
	require.True(t, report.Steps[0].Result.Duplicate)
	require.True(t, report.Steps[1].Result.Duplicate)
	require.False(t, report.Steps[2].Result.Duplicate)
	require.True(t, h.ledger.balance("2100").IsZero())
}

func TestSalesCycleCostsIssueFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Post(ctx, GoodsReceived{Envelope: Envelope{Reference: "GRN-A", Date: day(2024, 2, 1)}, ProductCode: "SKU-1", Location: "WH1", Quantity: d("10"), UnitCost: d("5")})
	require.NoError(t, err)
	_, err = h.svc.Post(ctx, GoodsReceived{Envelope: Envelope{Reference: "GRN-B", Date: day(2024, 2, 2)}, ProductCode: "SKU-1", Location: "WH1", Quantity: d("10"), UnitCost: d("7")})
	require.NoError(t, err)

	report, err := h.svc.RunSalesCycle(ctx, SalesCycle{
		Invoice:    CustomerInvoiced{Envelope: env("SO-1"), CustomerCode: "CUST-1", Amount: d("200")},
		Issue:      GoodsIssued{Envelope: env("SO-1"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("15")},
		Collection: CustomerPaid{Envelope: env("SO-1"), Amount: d("200")},
	})
	require.NoError(t, err)
	require.True(t, report.Completed(3))

	require.True(t, h.ledger.balance("5000").Equal(d("85")))
	require.True(t, h.ledger.balance("1300").Equal(d("35")))
	require.True(t, h.ledger.balance("1200").IsZero())
	require.True(t, h.ledger.balance("4000").Equal(d("-200")))

	qty, value := h.cycles.product("SKU-1", cycle.MovementIssued)
	require.True(t, qty.Equal(d("15")))
	require.True(t, value.Equal(d("85")))
}

func TestGoodsIssuedWithoutStockFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Post(context.Background(), GoodsIssued{Envelope: env("SO-9"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("1")})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Zero(t, h.ledger.count())
}

func TestCollectionAboveReceivableIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Post(ctx, CustomerInvoiced{Envelope: env("SO-2"), Amount: d("50")})
	require.NoError(t, err)
	_, err = h.svc.Post(ctx, CustomerPaid{Envelope: env("SO-2"), Amount: d("60")})
	require.ErrorIs(t, err, ErrOverpayment)
}

func TestHardLockedPeriodRejectsPosting(t *testing.T) {
	h := newHarness(t)
	h.cycles.locked[cycle.NewKey(day(2024, 2, 10), 0).String()] = true

	_, err := h.svc.Post(context.Background(), GoodsReceived{Envelope: env("PO-4"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("1"), UnitCost: d("1")})
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
	require.Zero(t, h.ledger.count())
	require.Empty(t, h.lots.lots)
}

func TestApprovalThresholdAbortsUnlessApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := CustomerInvoiced{Envelope: env("SO-3"), Amount: d("20000")}

	res, err := h.svc.Post(ctx, ev)
	require.ErrorIs(t, err, ErrApprovalRequired)
	require.True(t, res.ApprovalRequired)
	require.NotEmpty(t, res.ApprovalReasons)
	require.Zero(t, h.ledger.count())

	ev.Approved = true
	res, err = h.svc.Post(ctx, ev)
	require.NoError(t, err)
	require.True(t, res.ApprovalRequired)
	require.Equal(t, accounting.JournalStatusPosted, res.Entry.Status)
}

func TestInvalidEventsAreRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Post(ctx, GoodsReceived{Envelope: Envelope{Date: day(2024, 2, 1)}, ProductCode: "SKU-1", Location: "WH1", Quantity: d("1")})
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.Contains(t, err.Error(), "Reference")

	_, err = h.svc.Post(ctx, SupplierPaid{Envelope: env("PO-5"), Amount: d("-1")})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = h.svc.Post(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestForeignReceiptPostsAtBaseCost(t *testing.T) {
	h := newHarness(t, valuation.Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 1, 1), Rate: d("1.1")})
	ev := GoodsReceived{Envelope: env("PO-6"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("10"), UnitCost: d("10")}
	ev.Currency = "EUR"

	res, err := h.svc.Post(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, res.Entry.TotalDebit.Equal(d("110")))

	ev.Reference = "PO-7"
	ev.Currency = "GBP"
	_, err = h.svc.Post(context.Background(), ev)
	require.ErrorIs(t, err, valuation.ErrRateNotFound)
}

func TestRevaluePostsMaterialDeltaOnce(t *testing.T) {
	h := newHarness(t,
		valuation.Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 1, 1), Rate: d("1.10")},
		valuation.Rate{From: "EUR", To: "USD", EffectiveDate: day(2024, 2, 1), Rate: d("1.20")},
	)
	ctx := context.Background()
	receipt := GoodsReceived{Envelope: Envelope{Reference: "PO-8", Date: day(2024, 1, 20), Currency: "EUR", Approved: true}, ProductCode: "SKU-1", Location: "WH1", Quantity: d("100"), UnitCost: d("100")}
	_, err := h.svc.Post(ctx, receipt)
	require.NoError(t, err)

	res, err := h.svc.Revalue(ctx, day(2024, 2, 10), 1)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.True(t, h.ledger.balance("4900").Equal(d("-1000")))
	require.True(t, h.ledger.balance("1300").Equal(d("12000")))

	again, err := h.svc.Revalue(ctx, day(2024, 2, 10), 1)
	require.NoError(t, err)
	require.True(t, again.Duplicate)

	quiet, err := h.svc.Revalue(ctx, day(2024, 2, 11), 1)
	require.NoError(t, err)
	require.True(t, quiet.Skipped)
}

func TestPostAdjustmentUsesCurrentOpenCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Post(ctx, GoodsReceived{Envelope: env("PO-9"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("5"), UnitCost: d("5")})
	require.NoError(t, err)

	entry := adjustment.Entry{
		ID:           uuid.New(),
		OriginalDate: day(2024, 2, 10),
		SubjectKind:  cycle.SubjectProduct,
		SubjectCode:  "SKU-1",
		Location:     "WH1",
		Delta:        d("-2"),
		UnitCost:     d("5"),
		Amount:       d("10"),
	}
	id, err := h.svc.PostAdjustment(ctx, entry, 8)
	require.NoError(t, err)
	require.NotZero(t, id)

	posted := h.ledger.last()
	require.NotNil(t, posted.OriginalDate)
	require.True(t, posted.OriginalDate.Equal(day(2024, 2, 10)))
	require.True(t, posted.Date.Equal(day(2024, 2, 15)))
	require.True(t, h.ledger.balance("5910").Equal(d("10")))
	require.True(t, h.ledger.balance("1300").Equal(d("15")))

	onHand, err := h.stock.OnHand(ctx, "SKU-1", "WH1")
	require.NoError(t, err)
	require.True(t, onHand.Equal(d("3")))
	qty, value := h.cycles.product("SKU-1", cycle.MovementAdjusted)
	require.True(t, qty.Equal(d("-2")))
	require.True(t, value.Equal(d("-10")))

	again, err := h.svc.PostAdjustment(ctx, entry, 8)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestZeroCostReceiptLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	free := GoodsReceived{Envelope: env("PO-0"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("10"), UnitCost: d("0")}

	for i := 0; i < 2; i++ {
		res, err := h.svc.Post(ctx, free)
		require.ErrorIs(t, err, ErrInvalidEvent)
		require.False(t, res.Skipped)
	}
	onHand, err := h.stock.OnHand(ctx, "SKU-1", "WH1")
	require.NoError(t, err)
	require.True(t, onHand.IsZero())
	require.Empty(t, h.lots.lots)
	require.Zero(t, h.ledger.count())

	dust := GoodsReceived{Envelope: env("PO-00"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("1"), UnitCost: d("0.001")}
	_, err = h.svc.Post(ctx, dust)
	require.ErrorIs(t, err, ErrZeroValue)
	require.Zero(t, h.ledger.count())
	require.Empty(t, h.cycles.movements)
}

func TestProductDecreasePostsConsumedLotCost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Post(ctx, GoodsReceived{Envelope: env("PO-7"), ProductCode: "SKU-1", Location: "WH1", Quantity: d("10"), UnitCost: d("5")})
	require.NoError(t, err)

	entry := adjustment.Entry{
		ID:           uuid.New(),
		OriginalDate: day(2024, 2, 10),
		SubjectKind:  cycle.SubjectProduct,
		SubjectCode:  "SKU-1",
		Location:     "WH1",
		Delta:        d("-2"),
		UnitCost:     d("7"),
		Amount:       d("14"),
	}
	_, err = h.svc.PostAdjustment(ctx, entry, 8)
	require.NoError(t, err)

	lotValue := decimal.Zero
	for _, lot := range h.lots.lots {
		lotValue = lotValue.Add(lot.BaseValue())
	}
	require.True(t, lotValue.Equal(d("40")))
	require.True(t, h.ledger.balance("1300").Equal(lotValue), h.ledger.balance("1300").String())
	require.True(t, h.ledger.balance("5910").Equal(d("10")))
	_, value := h.cycles.product("SKU-1", cycle.MovementAdjusted)
	require.True(t, value.Equal(d("-10")))
}

func TestProductIncreasePostsNewLotValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := adjustment.Entry{
		ID:           uuid.New(),
		OriginalDate: day(2024, 2, 10),
		SubjectKind:  cycle.SubjectProduct,
		SubjectCode:  "SKU-2",
		Location:     "WH1",
		Delta:        d("3"),
		UnitCost:     d("4"),
		Amount:       d("12"),
	}
	_, err := h.svc.PostAdjustment(ctx, entry, 8)
	require.NoError(t, err)
	require.True(t, h.ledger.balance("1300").Equal(d("12")))
	require.True(t, h.ledger.balance("4910").Equal(d("-12")))
	require.Len(t, h.lots.lots, 1)
}
