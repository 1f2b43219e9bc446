package adjustment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var lockedDay = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

type memoryRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: map[uuid.UUID]Entry{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[uuid.UUID]Entry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	if err := fn(ctx, r); err != nil {
		r.entries = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Insert(_ context.Context, e Entry) error {
	if _, ok := r.entries[e.ID]; ok {
		return shared.ErrDuplicate
	}
	r.entries[e.ID] = e
	return nil
}

func (r *memoryRepo) Lock(_ context.Context, id uuid.UUID) (Entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryRepo) Update(_ context.Context, e Entry) error {
	if _, ok := r.entries[e.ID]; !ok {
		return ErrEntryNotFound
	}
	r.entries[e.ID] = e
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryRepo) List(_ context.Context, filter Filter) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if filter.Status == "" || e.Status == filter.Status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (r *memoryRepo) FindByIdempotencyKey(_ context.Context, key string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

type lockedCycles map[string]bool

func (c lockedCycles) IsHardLocked(_ context.Context, key cycle.Key) (bool, error) {
	return c[key.String()], nil
}

type fakePoster struct {
	posted []Entry
	fail   error
}

func (p *fakePoster) PostAdjustment(_ context.Context, e Entry, _ int64) (int64, error) {
	if p.fail != nil {
		return 0, p.fail
	}
	p.posted = append(p.posted, e)
	return int64(len(p.posted)), nil
}

type fakeApprovals struct {
	logs []shared.ApprovalLog
}

func (a *fakeApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeApprovals) EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID int64, note string) error {
	return a.Record(ctx, shared.ApprovalLog{Module: module, RefID: ref, ActorID: actorID, Action: shared.ApprovalSubmit, Note: note})
}

func (a *fakeApprovals) actions() []shared.ApprovalAction {
	out := make([]shared.ApprovalAction, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	poster    *fakePoster
	approvals *fakeApprovals
}

func newFixture() fixture {
	f := fixture{repo: newMemoryRepo(), poster: &fakePoster{}, approvals: &fakeApprovals{}}
	cycles := lockedCycles{cycle.NewKey(lockedDay, 0).String(): true}
	f.svc = NewService(f.repo, cycles, f.poster, f.approvals, nil, DefaultPolicy(), nil)
	f.svc.WithRetry(db.RetryPolicy{Attempts: 1})
	f.svc.WithNow(func() time.Time { return time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC) })
	return f
}

func productRequest(system, corrected, unit string) RequestInput {
	return RequestInput{
		OriginalDate:      lockedDay,
		SubjectKind:       cycle.SubjectProduct,
		SubjectCode:       "SKU-1",
		Location:          "WH1",
		SystemQuantity:    d(system),
		CorrectedQuantity: d(corrected),
		UnitCost:          d(unit),
		Note:              "stock count",
	}
}

func TestRequestRequiresHardLockedCycle(t *testing.T) {
	f := newFixture()
	in := productRequest("10", "8", "5")
	in.OriginalDate = lockedDay.AddDate(0, 0, 1)

	_, err := f.svc.Request(context.Background(), in, 7)
	require.ErrorIs(t, err, ErrPeriodNotLocked)
	require.Empty(t, f.repo.entries)
}

func TestRequestRejectsInvalidInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Request(ctx, productRequest("10", "10", "5"), 7)
	require.ErrorIs(t, err, ErrNoDifference)

	bad := productRequest("10", "8", "-1")
	_, err = f.svc.Request(ctx, bad, 7)
	require.ErrorIs(t, err, ErrInvalidRequest)

	bad = productRequest("10", "8", "5")
	bad.SubjectKind = "WAREHOUSE"
	_, err = f.svc.Request(ctx, bad, 7)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Request(ctx, productRequest("10", "12", "0"), 7)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Empty(t, f.repo.entries)
	require.Empty(t, f.poster.posted)
}

func TestSmallRequestIsAutoApproved(t *testing.T) {
	f := newFixture()
	e, err := f.svc.Request(context.Background(), productRequest("10", "8", "5"), 7)
	require.NoError(t, err)

	require.Equal(t, StatusApproved, e.Status)
	require.True(t, e.AutoApproved)
	require.True(t, e.Delta.Equal(d("-2")))
	require.True(t, e.Amount.Equal(d("10")))
	require.NotNil(t, e.JournalID)
	require.Len(t, f.poster.posted, 1)
	require.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalApprove}, f.approvals.actions())
}

func TestLargeRequestWaitsForSecondApprover(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e, err := f.svc.Request(ctx, productRequest("100", "200", "10"), 7)
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
	require.True(t, e.Amount.Equal(d("1000")))
	require.Empty(t, f.poster.posted)

	_, err = f.svc.Approve(ctx, e.ID, 7, "")
	require.ErrorIs(t, err, ErrSelfApproval)

	approved, err := f.svc.Approve(ctx, e.ID, 9, "checked count sheet")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(9), approved.ApproverID)
	require.NotNil(t, approved.DecidedAt)
	require.Len(t, f.poster.posted, 1)

	_, err = f.svc.Approve(ctx, e.ID, 9, "")
	require.ErrorIs(t, err, ErrNotPending)
	require.Len(t, f.poster.posted, 1)
}

func TestRejectNeedsReasonAndHasNoLedgerEffect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e, err := f.svc.Request(ctx, productRequest("100", "0", "10"), 7)
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, e.ID, 9, "  ")
	require.ErrorIs(t, err, ErrReasonRequired)

	rejected, err := f.svc.Reject(ctx, e.ID, 9, "recount pending")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "recount pending", rejected.Reason)
	require.Empty(t, f.poster.posted)
	require.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalReject}, f.approvals.actions())
}

func TestApproveRollsBackWhenPostingFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e, err := f.svc.Request(ctx, productRequest("100", "200", "10"), 7)
	require.NoError(t, err)

	f.poster.fail = errors.New("ledger unavailable")
	_, err = f.svc.Approve(ctx, e.ID, 9, "")
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Nil(t, stored.JournalID)
}

func TestRequestIsIdempotentPerKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	in := productRequest("100", "200", "10")
	in.IdempotencyKey = "req-1"

	first, err := f.svc.Request(ctx, in, 7)
	require.NoError(t, err)
	second, err := f.svc.Request(ctx, in, 7)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.repo.entries, 1)
}

func TestAccountCorrectionUsesAmountsAsQuantities(t *testing.T) {
	f := newFixture()
	e, err := f.svc.Request(context.Background(), RequestInput{
		OriginalDate:      lockedDay,
		SubjectKind:       cycle.SubjectAccount,
		SubjectCode:       "1000",
		SystemQuantity:    d("1500"),
		CorrectedQuantity: d("1450.25"),
	}, 7)
	require.NoError(t, err)
	require.True(t, e.Amount.Equal(d("49.75")))
	require.True(t, e.AutoApproved)
}

func TestListDefaultsLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Request(ctx, productRequest("100", "200", "10"), 7)
	require.NoError(t, err)
	_, err = f.svc.Request(ctx, productRequest("10", "9", "1"), 7)
	require.NoError(t, err)

	pending, err := f.svc.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
