package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/stock"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// TxRunner opens the transaction that every collaborator joins.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// Ledger posts validated entries.
type Ledger interface {
	Post(ctx context.Context, in accounting.PostingInput) (accounting.PostResult, error)
	FindBySource(ctx context.Context, module string, ref uuid.UUID) (accounting.JournalEntry, bool, error)
	ResolveAccount(ctx context.Context, module, key, fallback string) (string, error)
	ReferenceBalance(ctx context.Context, accountCode, reference string) (decimal.Decimal, error)
}

// Valuation maintains cost lots.
type Valuation interface {
	Receive(ctx context.Context, in valuation.ReceiveInput) (valuation.Lot, error)
	Issue(ctx context.Context, product, location string, qty decimal.Decimal) (valuation.IssueResult, error)
	Revalue(ctx context.Context, asOf time.Time, apply bool) (valuation.Revaluation, error)
}

// Converter converts amounts into base currency.
type Converter interface {
	ToBase(ctx context.Context, amount decimal.Decimal, from string, date time.Time) (decimal.Decimal, error)
}

// Cycles guards period writability and accumulates movement buckets.
type Cycles interface {
	KeyFor(t time.Time) cycle.Key
	EnsureWritable(ctx context.Context, key cycle.Key) error
	RecordMovement(ctx context.Context, m cycle.Movement) (cycle.DailyBalance, error)
	CurrentOpenKey(ctx context.Context) (cycle.Key, error)
}

// Stock keeps on-hand counters.
type Stock interface {
	Increment(ctx context.Context, product, location string, qty decimal.Decimal) (stock.Counter, error)
	Decrement(ctx context.Context, product, location string, qty decimal.Decimal) (stock.Counter, error)
}

// Metrics observes posting outcomes.
type Metrics interface {
	ObservePosting(event, outcome string, elapsed time.Duration)
	IncLockConflict(operation string)
}

type nopMetrics struct{}

func (nopMetrics) ObservePosting(string, string, time.Duration) {}
func (nopMetrics) IncLockConflict(string) {}

// Result is the outcome of posting one event.
type Result struct {
	Event            EventType
	Entry            accounting.JournalEntry
	Duplicate        bool
	Skipped          bool
	Warnings         []accounting.Issue
	ApprovalRequired bool
	ApprovalReasons  []string
}

var (
	// ErrApprovalRequired indicates the entry crossed an approval threshold and
	// the event was not pre-approved. Nothing was persisted.
	ErrApprovalRequired = errors.New("posting: approval required")
	// ErrOverpayment indicates a settlement above the open balance of its reference.
	ErrOverpayment = errors.New("posting: payment exceeds open balance")
	// ErrZeroValue indicates a stock movement that rounds to no ledger value.
	// The movement is rolled back with the transaction.
	ErrZeroValue = errors.New("posting: stock movement has no value")
)

// IssueGRIRMismatch flags an invoice that does not clear the receipt's GR-IR balance.
const IssueGRIRMismatch accounting.IssueCode = "GRIR_MISMATCH"

// Deps groups the collaborators of Service.
type Deps struct {
	Tx        TxRunner
	Ledger    Ledger
	Valuation Valuation
	FX        Converter
	Cycles    Cycles
	Stock     Stock
	Audit     shared.AuditPort
	Metrics   Metrics
	Logger    *slog.Logger
	Retry     db.RetryPolicy
}

// Service posts business events atomically.
type Service struct {
	tx        TxRunner
	ledger    Ledger
	valuation Valuation
	fx        Converter
	cycles    Cycles
	stock     Stock
	audit     shared.AuditPort
	metrics   Metrics
	logger    *slog.Logger
	retry     db.RetryPolicy
	validate  *validator.Validate
	accounts  Accounts
	now       func() time.Time
}

// NewService constructs Service.
func NewService(deps Deps) *Service {
	s := &Service{
		tx:        deps.Tx,
		ledger:    deps.Ledger,
		valuation: deps.Valuation,
		fx:        deps.FX,
		cycles:    deps.Cycles,
		stock:     deps.Stock,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		retry:     deps.Retry,
		validate:  newValidator(),
		accounts:  DefaultAccounts(),
		now:       time.Now,
	}
	if s.audit == nil {
		s.audit = shared.NopAudit{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// WithAccounts overrides the fallback account codes.
func (s *Service) WithAccounts(accounts Accounts) {
	s.accounts = accounts
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// step describes one posting. build runs inside the transaction after the
// period check and returns the entry plus any product movements.
type step struct {
	event     EventType
	module    string
	reference string
	env       Envelope
	sourceID  uuid.UUID
	key       cycle.Key
	// skipWritable is set when key was resolved as the current open cycle.
	skipWritable bool
	build        func(ctx context.Context) (accounting.PostingInput, []cycle.Movement, []accounting.Issue, error)
}

// Post dispatches a typed event to its posting.
func (s *Service) Post(ctx context.Context, ev Event) (Result, error) {
	if err := validateEvent(s.validate, ev); err != nil {
		return Result{}, err
	}
	switch e := ev.(type) {
	case GoodsReceived:
		return s.execute(ctx, s.goodsReceived(e))
	case SupplierInvoiced:
		return s.execute(ctx, s.supplierInvoiced(e))
	case SupplierPaid:
		return s.execute(ctx, s.supplierPaid(e))
	case CustomerInvoiced:
		return s.execute(ctx, s.customerInvoiced(e))
	case GoodsIssued:
		return s.execute(ctx, s.goodsIssued(e))
	case CustomerPaid:
		return s.execute(ctx, s.customerPaid(e))
	}
	return Result{}, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, ev)
}

func (s *Service) execute(ctx context.Context, st step) (Result, error) {
	started := s.now()
	result := Result{Event: st.event}

	existing, found, err := s.ledger.FindBySource(ctx, st.module, st.sourceID)
	if err != nil {
		return result, err
	}
	if found {
		result.Entry = existing
		result.Duplicate = true
		s.metrics.ObservePosting(string(st.event), "duplicate", s.now().Sub(started))
		return result, nil
	}

	run := func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			result = Result{Event: st.event}
			if !st.skipWritable {
				if err := s.cycles.EnsureWritable(ctx, st.key); err != nil {
					return err
				}
			}
			in, movements, notes, err := st.build(ctx)
			if err != nil {
				return err
			}
			if len(in.Lines) == 0 {
				result.Skipped = true
				return nil
			}
			in.SourceModule = st.module
			in.SourceID = st.sourceID
			in.EventType = string(st.event)
			in.PostedBy = st.env.ActorID
			in.PreApproved = st.env.Approved
			if in.Reference == "" {
				in.Reference = st.reference
			}
			if in.Description == "" {
				in.Description = st.env.Description
			}
			posted, err := s.ledger.Post(ctx, in)
			result.Warnings = append(notes, posted.Warnings...)
			result.ApprovalRequired = posted.ApprovalRequired
			result.ApprovalReasons = posted.ApprovalReasons
			if err != nil {
				if errors.Is(err, accounting.ErrSourceAlreadyLinked) {
					result.Entry = posted.Entry
				}
				return err
			}
			if posted.ApprovalRequired && !st.env.Approved {
				return ErrApprovalRequired
			}
			result.Entry = posted.Entry
			for _, m := range append(movements, accountMovements(st.key, in)...) {
				m.ActorID = st.env.ActorID
				if _, err := s.cycles.RecordMovement(ctx, m); err != nil {
					return fmt.Errorf("posting: record movement %s: %w", m.Subject, err)
				}
			}
			return nil
		})
	}

	if db.InTx(ctx) {
		err = run(ctx)
	} else {
		err = db.Retry(ctx, s.retry, run)
	}
	if err != nil && (errors.Is(err, accounting.ErrSourceAlreadyLinked) || errors.Is(err, shared.ErrDuplicate)) {
		// Lost the race to a concurrent poster of the same event.
		if entry, ok, findErr := s.ledger.FindBySource(ctx, st.module, st.sourceID); findErr == nil && ok {
			s.metrics.ObservePosting(string(st.event), "duplicate", s.now().Sub(started))
			return Result{Event: st.event, Entry: entry, Duplicate: true}, nil
		}
	}
	s.finish(ctx, st, result, started, err)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) finish(ctx context.Context, st step, result Result, started time.Time, err error) {
	elapsed := s.now().Sub(started)
	outcome := "posted"
	switch {
	case errors.Is(err, ErrApprovalRequired):
		outcome = "approval_required"
	case errors.Is(err, shared.ErrPeriodLocked):
		outcome = "period_locked"
	case errors.Is(err, accounting.ErrValidation):
		outcome = "invalid"
	case errors.Is(err, shared.ErrLockConflict):
		outcome = "lock_conflict"
		s.metrics.IncLockConflict("posting")
	case err != nil:
		outcome = "error"
	case result.Skipped:
		outcome = "skipped"
	}
	s.metrics.ObservePosting(string(st.event), outcome, elapsed)

	log := shared.AuditLog{
		ActorID:  st.env.ActorID,
		Action:   "ledger.post." + string(st.event),
		Entity:   "journal_entry",
		EntityID: st.sourceID.String(),
		Duration: elapsed,
		Meta: map[string]any{
			"reference": st.reference,
			"cycle":     st.key.String(),
			"outcome":   outcome,
		},
		At: s.now(),
	}
	if err != nil {
		log.Errors = []string{err.Error()}
		s.logger.WarnContext(ctx, "posting failed",
			slog.String("event", string(st.event)),
			slog.String("reference", st.reference),
			slog.Any("error", err))
	} else if !result.Skipped {
		log.EntityID = fmt.Sprintf("%d", result.Entry.ID)
		log.RecordsProcessed = len(result.Entry.Lines)
		s.logger.InfoContext(ctx, "event posted",
			slog.String("event", string(st.event)),
			slog.String("reference", st.reference),
			slog.Int64("journal_id", result.Entry.ID))
	}
	if auditErr := s.audit.Record(ctx, log); auditErr != nil {
		s.logger.ErrorContext(ctx, "audit posting", slog.Any("error", auditErr))
	}
}

// accountMovements mirrors each journal line into its account's cycle
// balance: debits accumulate as RECEIVED value, credits as ISSUED value.
func accountMovements(key cycle.Key, in accounting.PostingInput) []cycle.Movement {
	byAccount := make(map[string]*cycle.Movement)
	var order []string
	out := make([]cycle.Movement, 0, len(in.Lines))
	add := func(code string, kind cycle.MovementKind, value decimal.Decimal) {
		id := code + "|" + string(kind)
		if m, ok := byAccount[id]; ok {
			m.Value = m.Value.Add(value)
			return
		}
		byAccount[id] = &cycle.Movement{
			Key:     key,
			Subject: cycle.Subject{Kind: cycle.SubjectAccount, Code: code},
			Kind:    kind,
			Value:   value,
		}
		order = append(order, id)
	}
	for _, line := range in.Lines {
		if line.Debit.IsPositive() {
			add(line.AccountCode, cycle.MovementReceived, line.Debit)
		}
		if line.Credit.IsPositive() {
			add(line.AccountCode, cycle.MovementIssued, line.Credit)
		}
	}
	for _, id := range order {
		out = append(out, *byAccount[id])
	}
	return out
}

func money(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
