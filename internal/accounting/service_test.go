package accounting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(t *testing.T, now time.Time) (*Service, *memoryRepo, *recordingAudit) {
	t.Helper()
	dir := NewDirectory(testAccounts())
	require.NoError(t, dir.Load(context.Background()))
	rules := NewRuleRegistry(StaticRuleStore{
		{EventType: "GOODS_RECEIVED", DebitAccount: "1300", CreditAccount: "2150", IsActive: true},
	})
	require.NoError(t, rules.Load(context.Background()))
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, NewValidator(dir, DefaultLimits(), nil), rules, audit, nil)
	svc.WithNow(func() time.Time { return now })
	return svc, repo, audit
}

func receipt(now time.Time, amount string) PostingInput {
	return PostingInput{
		Date:         now,
		Reference:    "GRN-1",
		SourceModule: "PROCUREMENT",
		EventType:    "GOODS_RECEIVED",
		SourceID:     uuid.New(),
		PostedBy:     7,
		Lines: []PostingLineInput{
			{AccountCode: "1300", Debit: dec(amount), ProductCode: "SKU-1"},
			{AccountCode: "2150", Credit: dec(amount)},
		},
	}
}

func TestPostJournalPersistsAndAudits(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, audit := newTestService(t, now)

	res, err := svc.PostJournal(context.Background(), receipt(now, "250.00"))
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, res.Entry.Status)
	require.True(t, res.Entry.TotalDebit.Equal(dec("250")))
	require.Len(t, res.Entry.Lines, 2)
	require.Len(t, repo.posted(), 1)

	require.Len(t, audit.logs, 1)
	require.Equal(t, "journal.post", audit.logs[0].Action)
	require.Equal(t, 2, audit.logs[0].RecordsProcessed)
}

func TestPostRejectsInvalidWithoutPersisting(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(t, now)

	in := receipt(now, "100")
	in.Lines[1].Credit = dec("90")
	_, err := svc.Post(context.Background(), in)
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, repo.posted())
}

func TestPostRejectsRuleMismatch(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(t, now)

	in := receipt(now, "100")
	in.Lines[1].AccountCode = "1000"
	_, err := svc.Post(context.Background(), in)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.True(t, verr.Has(IssueRuleMismatch))
	require.Empty(t, repo.posted())
}

func TestPostIsIdempotentPerSource(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(t, now)

	in := receipt(now, "100")
	first, err := svc.Post(context.Background(), in)
	require.NoError(t, err)

	second, err := svc.Post(context.Background(), in)
	require.ErrorIs(t, err, ErrSourceAlreadyLinked)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	require.Len(t, repo.posted(), 1)
}

func TestPostStagesDraftWhenApprovalRequired(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	res, err := svc.Post(context.Background(), receipt(now, "12000"))
	require.NoError(t, err)
	require.True(t, res.ApprovalRequired)
	require.Equal(t, JournalStatusDraft, res.Entry.Status)

	tb, err := svc.TrialBalance(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, tb)

	released, err := svc.ReleaseDraft(context.Background(), res.Entry.ID, 99)
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, released.Status)

	_, err = svc.ReleaseDraft(context.Background(), res.Entry.ID, 99)
	require.ErrorIs(t, err, ErrInvalidStatus)

	tb, err = svc.TrialBalance(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, tb, 2)
}

func TestReleaseDraftLogsAuditFailure(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	dir := NewDirectory(testAccounts())
	require.NoError(t, dir.Load(context.Background()))
	rules := NewRuleRegistry(StaticRuleStore{
		{EventType: "GOODS_RECEIVED", DebitAccount: "1300", CreditAccount: "2150", IsActive: true},
	})
	require.NoError(t, rules.Load(context.Background()))
	var buf bytes.Buffer
	audit := &recordingAudit{}
	svc := NewService(newMemoryRepo(), NewValidator(dir, DefaultLimits(), nil), rules, audit, slog.New(slog.NewTextHandler(&buf, nil)))
	svc.WithNow(func() time.Time { return now })

	res, err := svc.Post(context.Background(), receipt(now, "12000"))
	require.NoError(t, err)
	require.True(t, res.ApprovalRequired)

	audit.err = errors.New("audit store down")
	released, err := svc.ReleaseDraft(context.Background(), res.Entry.ID, 99)
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, released.Status)
	require.Contains(t, buf.String(), "audit journal release")
	require.Contains(t, buf.String(), "audit store down")
}

func TestPostPreApprovedSkipsDraft(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	in := receipt(now, "12000")
	in.PreApproved = true
	res, err := svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.ApprovalRequired)
	require.Equal(t, JournalStatusPosted, res.Entry.Status)
}

func TestPostReportsMissingRuleAsWarning(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	in := receipt(now, "10")
	in.EventType = "STOCK_TRANSFER"
	res, err := svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []IssueCode{IssueRuleMissing}, codes(res.Warnings))
}

func TestResolveAccountFallsBack(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(t, now)
	repo.mappings["SALES|revenue"] = "4100"

	code, err := svc.ResolveAccount(context.Background(), "SALES", "revenue", "4000")
	require.NoError(t, err)
	require.Equal(t, "4100", code)

	code, err = svc.ResolveAccount(context.Background(), "SALES", "ar", "1200")
	require.NoError(t, err)
	require.Equal(t, "1200", code)
}
