package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memoryRepo struct {
	mu       sync.Mutex
	nextID   int64
	entries  map[int64]JournalEntry
	links    map[string]int64
	mappings map[string]string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: map[int64]JournalEntry{}, links: map[string]int64{}, mappings: map[string]string{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, entries: map[int64]JournalEntry{}, links: map[string]int64{}, nextID: r.nextID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, e := range tx.entries {
		r.entries[id] = e
	}
	for k, v := range tx.links {
		r.links[k] = v
	}
	r.nextID = tx.nextID
	return nil
}

type memoryTx struct {
	repo    *memoryRepo
	entries map[int64]JournalEntry
	links   map[string]int64
	nextID  int64
}

func linkKey(module string, ref uuid.UUID) string { return module + "|" + ref.String() }

func (t *memoryTx) get(id int64) (JournalEntry, bool) {
	if e, ok := t.entries[id]; ok {
		return e, true
	}
	e, ok := t.repo.entries[id]
	return e, ok
}

func (t *memoryTx) InsertJournalEntry(_ context.Context, in PostingInput, status JournalStatus, requiresApproval bool) (JournalEntry, error) {
	t.nextID++
	debit, credit := in.Totals()
	e := JournalEntry{
		ID: t.nextID, Number: t.nextID, Date: in.Date, Reference: in.Reference, Description: in.Description,
		Status: status, TotalDebit: debit, TotalCredit: credit, SourceModule: in.SourceModule, EventType: in.EventType,
		SourceID: in.SourceID, OriginalDate: in.OriginalDate, RequiresApproval: requiresApproval, PostedBy: in.PostedBy,
		PostedAt: time.Now(),
	}
	t.entries[e.ID] = e
	return e, nil
}

func (t *memoryTx) InsertJournalLines(_ context.Context, entryID int64, lines []PostingLineInput) error {
	e, _ := t.get(entryID)
	e.Lines = toJournalLines(entryID, lines)
	t.entries[entryID] = e
	return nil
}

func (t *memoryTx) LinkSource(_ context.Context, module string, ref uuid.UUID, entryID int64) error {
	key := linkKey(module, ref)
	if _, ok := t.repo.links[key]; ok {
		return ErrSourceAlreadyLinked
	}
	if _, ok := t.links[key]; ok {
		return ErrSourceAlreadyLinked
	}
	t.links[key] = entryID
	return nil
}

func (t *memoryTx) FindBySource(_ context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	key := linkKey(module, ref)
	id, ok := t.links[key]
	if !ok {
		id, ok = t.repo.links[key]
	}
	if !ok {
		return JournalEntry{}, ErrJournalNotFound
	}
	e, _ := t.get(id)
	return e, nil
}

func (t *memoryTx) GetJournalForUpdate(_ context.Context, id int64) (JournalEntry, error) {
	e, ok := t.get(id)
	if !ok {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (t *memoryTx) UpdateJournalStatus(_ context.Context, id int64, status JournalStatus, actorID int64) error {
	e, ok := t.get(id)
	if !ok {
		return ErrJournalNotFound
	}
	e.Status = status
	e.PostedBy = actorID
	t.entries[id] = e
	return nil
}

func (r *memoryRepo) posted() []JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JournalEntry
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *memoryRepo) ListJournalEntries(_ context.Context, _ JournalFilter) ([]JournalEntry, error) {
	return r.posted(), nil
}

func (r *memoryRepo) GetJournal(_ context.Context, id int64) (JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (r *memoryRepo) TrialBalance(_ context.Context, asOf time.Time) ([]TrialBalanceLine, error) {
	byCode := map[string]*TrialBalanceLine{}
	for _, e := range r.posted() {
		if e.Status != JournalStatusPosted || e.Date.After(asOf) {
			continue
		}
		for _, l := range e.Lines {
			line, ok := byCode[l.AccountCode]
			if !ok {
				line = &TrialBalanceLine{AccountCode: l.AccountCode}
				byCode[l.AccountCode] = line
			}
			line.Debit = line.Debit.Add(l.Debit)
			line.Credit = line.Credit.Add(l.Credit)
			line.Balance = line.Debit.Sub(line.Credit)
		}
	}
	var out []TrialBalanceLine
	for _, l := range byCode {
		out = append(out, *l)
	}
	return out, nil
}

func (r *memoryRepo) InventoryBalanceByProduct(_ context.Context, _ time.Time) (map[string]decimal.Decimal, decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, decimal.Zero, nil
}

func (r *memoryRepo) ReferenceBalance(_ context.Context, accountCode, reference string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range r.posted() {
		if e.Status != JournalStatusPosted || e.Reference != reference {
			continue
		}
		for _, l := range e.Lines {
			if l.AccountCode == accountCode {
				total = total.Add(l.Debit).Sub(l.Credit)
			}
		}
	}
	return total, nil
}

func (r *memoryRepo) GetAccountMapping(_ context.Context, module, key string) (AccountMapping, error) {
	code, ok := r.mappings[module+"|"+key]
	if !ok {
		return AccountMapping{}, ErrMappingNotFound
	}
	return AccountMapping{Module: module, Key: key, AccountCode: code}, nil
}

type staticAccounts []Account

func (s staticAccounts) ListAccounts(context.Context) ([]Account, error) { return s, nil }

func testAccounts() staticAccounts {
	return staticAccounts{
		{Code: "1000", Name: "Cash", Type: AccountTypeAsset, IsActive: true},
		{Code: "1010", Name: "Petty Cash", Type: AccountTypeAsset, ParentCode: "1000", Class: AccountClassPettyCash, IsActive: true},
		{Code: "1300", Name: "Inventory", Type: AccountTypeAsset, Inventory: true, IsActive: true},
		{Code: "1900", Name: "Suspense", Type: AccountTypeAsset, Class: AccountClassSensitive, IsActive: true},
		{Code: "2150", Name: "GR-IR Clearing", Type: AccountTypeLiability, IsActive: true},
		{Code: "2999", Name: "Legacy Payables", Type: AccountTypeLiability, IsActive: false},
		{Code: "4000", Name: "Revenue", Type: AccountTypeRevenue, IsActive: true},
		{Code: "5000", Name: "COGS", Type: AccountTypeExpense, IsActive: true},
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
