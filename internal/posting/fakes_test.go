package posting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/stock"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

type directTx struct{}

func (directTx) WithinTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type chart map[string]accounting.Account

func (c chart) Lookup(code string) (accounting.Account, bool) {
	a, ok := c[code]
	return a, ok
}

func testChart() chart {
	accounts := []accounting.Account{
		{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset},
		{Code: "1200", Name: "Receivables", Type: accounting.AccountTypeAsset},
		{Code: "1300", Name: "Inventory", Type: accounting.AccountTypeAsset, Inventory: true},
		{Code: "2100", Name: "Payables", Type: accounting.AccountTypeLiability},
		{Code: "2150", Name: "GR-IR", Type: accounting.AccountTypeLiability},
		{Code: "4000", Name: "Revenue", Type: accounting.AccountTypeRevenue},
		{Code: "4900", Name: "FX gain", Type: accounting.AccountTypeRevenue},
		{Code: "4910", Name: "Adjustment gain", Type: accounting.AccountTypeRevenue},
		{Code: "5000", Name: "COGS", Type: accounting.AccountTypeExpense},
		{Code: "5900", Name: "FX loss", Type: accounting.AccountTypeExpense},
		{Code: "5910", Name: "Adjustment loss", Type: accounting.AccountTypeExpense},
	}
	c := chart{}
	for _, a := range accounts {
		a.IsActive = true
		c[a.Code] = a
	}
	return c
}

// fakeLedger validates with the real validator and keeps posted entries in memory.
type fakeLedger struct {
	mu        sync.Mutex
	validator *accounting.Validator
	entries   map[string]accounting.JournalEntry
	order     []string
	nextID    int64
}

func newFakeLedger(now time.Time) *fakeLedger {
	v := accounting.NewValidator(testChart(), accounting.DefaultLimits(), nil)
	v.WithNow(func() time.Time { return now })
	return &fakeLedger{validator: v, entries: map[string]accounting.JournalEntry{}}
}

func sourceKey(module string, ref uuid.UUID) string { return module + "|" + ref.String() }

func (l *fakeLedger) Post(ctx context.Context, in accounting.PostingInput) (accounting.PostResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := sourceKey(in.SourceModule, in.SourceID)
	if e, ok := l.entries[key]; ok {
		return accounting.PostResult{Entry: e}, accounting.ErrSourceAlreadyLinked
	}
	res := l.validator.Validate(ctx, in)
	out := accounting.PostResult{Warnings: res.Warnings, ApprovalRequired: res.ApprovalRequired, ApprovalReasons: res.ApprovalReasons}
	if err := res.Err(); err != nil {
		return out, err
	}
	if res.ApprovalRequired && !in.PreApproved {
		// The caller aborts; a real transaction would discard the draft.
		return out, nil
	}
	l.nextID++
	debit, credit := in.Totals()
	entry := accounting.JournalEntry{
		ID: l.nextID, Number: l.nextID, Date: in.Date, Reference: in.Reference, Status: accounting.JournalStatusPosted,
		TotalDebit: debit, TotalCredit: credit, SourceModule: in.SourceModule, EventType: in.EventType,
		SourceID: in.SourceID, OriginalDate: in.OriginalDate, PostedBy: in.PostedBy,
	}
	for _, line := range in.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{
			JournalID: entry.ID, AccountCode: line.AccountCode, Debit: line.Debit, Credit: line.Credit,
			ProductCode: line.ProductCode, Description: line.Description,
		})
	}
	l.entries[key] = entry
	l.order = append(l.order, key)
	out.Entry = entry
	return out, nil
}

func (l *fakeLedger) FindBySource(_ context.Context, module string, ref uuid.UUID) (accounting.JournalEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceKey(module, ref)]
	return e, ok, nil
}

func (l *fakeLedger) ResolveAccount(_ context.Context, _, _ string, fallback string) (string, error) {
	return fallback, nil
}

func (l *fakeLedger) ReferenceBalance(_ context.Context, account, reference string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, e := range l.entries {
		if e.Reference != reference {
			continue
		}
		for _, line := range e.Lines {
			if line.AccountCode == account {
				total = total.Add(line.Debit).Sub(line.Credit)
			}
		}
	}
	return total, nil
}

func (l *fakeLedger) balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, e := range l.entries {
		for _, line := range e.Lines {
			if line.AccountCode == account {
				total = total.Add(line.Debit).Sub(line.Credit)
			}
		}
	}
	return total
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *fakeLedger) last() accounting.JournalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[l.order[len(l.order)-1]]
}

// fakeValuation keeps lots in memory and costs issues with the real Consume.
type fakeValuation struct {
	engine *valuation.Engine
	nextID int64
	lots   []valuation.Lot
}

func (v *fakeValuation) Receive(ctx context.Context, in valuation.ReceiveInput) (valuation.Lot, error) {
	cur := in.Currency
	if cur == "" {
		cur = v.engine.Config().BaseCurrency
	}
	base, err := v.engine.ToBase(ctx, in.UnitCost, cur, in.ReceivedAt)
	if err != nil {
		return valuation.Lot{}, err
	}
	v.nextID++
	lot := valuation.Lot{
		ID: v.nextID, ProductCode: in.ProductCode, Location: in.Location, Quantity: in.Quantity,
		UnitCost: in.UnitCost, BaseUnitCost: base, Currency: cur, ReceivedAt: in.ReceivedAt,
	}
	v.lots = append(v.lots, lot)
	return lot, nil
}

func (v *fakeValuation) Issue(_ context.Context, product, location string, qty decimal.Decimal) (valuation.IssueResult, error) {
	var lots []valuation.Lot
	for _, lot := range v.lots {
		if lot.ProductCode == product && lot.Location == location && lot.Quantity.IsPositive() {
			lots = append(lots, lot)
		}
	}
	res, err := valuation.Consume(lots, qty, valuation.MethodFIFO)
	if err != nil {
		return valuation.IssueResult{}, err
	}
	v.replace(res.Remaining)
	return res, nil
}

func (v *fakeValuation) Revalue(ctx context.Context, asOf time.Time, apply bool) (valuation.Revaluation, error) {
	rev, err := v.engine.Revalue(ctx, v.lots, asOf)
	if err != nil || !apply || !rev.Material {
		return rev, err
	}
	for _, line := range rev.Lines {
		for i := range v.lots {
			if v.lots[i].ID == line.LotID {
				v.lots[i].BaseUnitCost = line.NewBaseUnitCost
			}
		}
	}
	return rev, nil
}

func (v *fakeValuation) replace(updated []valuation.Lot) {
	for _, u := range updated {
		for i := range v.lots {
			if v.lots[i].ID == u.ID {
				v.lots[i] = u
			}
		}
	}
}

// fakeCycles records movements and treats every key as open unless locked.
type fakeCycles struct {
	schedule  cycle.Schedule
	locked    map[string]bool
	open      cycle.Key
	movements []cycle.Movement
}

func (c *fakeCycles) KeyFor(t time.Time) cycle.Key { return c.schedule.KeyFor(t) }

func (c *fakeCycles) EnsureWritable(_ context.Context, key cycle.Key) error {
	if c.locked[key.String()] {
		return shared.ErrPeriodLocked
	}
	return nil
}

func (c *fakeCycles) RecordMovement(_ context.Context, m cycle.Movement) (cycle.DailyBalance, error) {
	c.movements = append(c.movements, m)
	return cycle.DailyBalance{Key: m.Key, Subject: m.Subject}, nil
}

func (c *fakeCycles) CurrentOpenKey(context.Context) (cycle.Key, error) { return c.open, nil }

func (c *fakeCycles) product(code string, kind cycle.MovementKind) (qty, value decimal.Decimal) {
	for _, m := range c.movements {
		if m.Subject.Kind == cycle.SubjectProduct && m.Subject.Code == code && m.Kind == kind {
			qty = qty.Add(m.Qty)
			value = value.Add(m.Value)
		}
	}
	return qty, value
}

type stockRepo struct {
	mu       sync.Mutex
	counters map[string]stock.Counter
}

func (r *stockRepo) Mutate(_ context.Context, product, location string, fn func(stock.Counter) (stock.Counter, error)) (stock.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := fn(r.counters[product+"@"+location])
	if err != nil {
		return stock.Counter{}, err
	}
	r.counters[product+"@"+location] = next
	return next, nil
}

func (r *stockRepo) Get(_ context.Context, product, location string) (stock.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[product+"@"+location]
	if !ok {
		return stock.Counter{}, stock.ErrCounterNotFound
	}
	return c, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

type harness struct {
	svc    *Service
	ledger *fakeLedger
	lots   *fakeValuation
	cycles *fakeCycles
	stock  *stock.Service
	audit  *recordingAudit
}

func newHarness(t *testing.T, rates ...valuation.Rate) *harness {
	t.Helper()
	engine, err := valuation.NewEngine(valuation.DefaultConfig(), valuation.NewRateTable(rates...))
	require.NoError(t, err)
	h := &harness{
		ledger: newFakeLedger(day(2024, 2, 15)),
		lots:   &fakeValuation{engine: engine},
		cycles: &fakeCycles{schedule: cycle.Daily(time.UTC), locked: map[string]bool{}, open: cycle.NewKey(day(2024, 2, 15), 0)},
		stock:  stock.NewService(&stockRepo{counters: map[string]stock.Counter{}}, db.RetryPolicy{Attempts: 1}, nil),
		audit:  &recordingAudit{},
	}
	h.svc = NewService(Deps{
		Tx:        directTx{},
		Ledger:    h.ledger,
		Valuation: h.lots,
		FX:        engine,
		Cycles:    h.cycles,
		Stock:     h.stock,
		Audit:     h.audit,
	})
	return h
}
