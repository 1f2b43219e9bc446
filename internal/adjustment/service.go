package adjustment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts adjustment persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Entry, bool, error)
}

// TxRepository exposes operations that run under row locks.
type TxRepository interface {
	Insert(ctx context.Context, e Entry) error
	Lock(ctx context.Context, id uuid.UUID) (Entry, error)
	Update(ctx context.Context, e Entry) error
}

// Cycles reports whether a cycle is past its grace period.
type Cycles interface {
	IsHardLocked(ctx context.Context, key cycle.Key) (bool, error)
}

// Poster posts an approved correction into the current open cycle and
// returns the journal id. It joins the transaction bound to ctx.
type Poster interface {
	PostAdjustment(ctx context.Context, e Entry, approverID int64) (int64, error)
}

// Idempotency reserves request keys.
type Idempotency interface {
	Claim(ctx context.Context, module, key string) error
	Release(ctx context.Context, module, key string) error
}

// Policy holds tenant thresholds for the workflow.
type Policy struct {
	// AutoApproveBelow approves and posts requests whose amount is strictly below it.
	AutoApproveBelow decimal.Decimal `yaml:"auto_approve_below"`
}

// DefaultPolicy auto-approves corrections below 500.
func DefaultPolicy() Policy {
	return Policy{AutoApproveBelow: decimal.NewFromInt(500)}
}

// Service runs the request, approve and reject workflow.
type Service struct {
	repo        RepositoryPort
	cycles      Cycles
	poster      Poster
	approvals   shared.ApprovalPort
	audit       shared.AuditPort
	idempotency Idempotency
	policy      Policy
	retry       db.RetryPolicy
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, cycles Cycles, poster Poster, approvals shared.ApprovalPort, audit shared.AuditPort, policy Policy, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return &Service{
		repo:      repo,
		cycles:    cycles,
		poster:    poster,
		approvals: approvals,
		audit:     audit,
		policy:    policy,
		retry:     db.DefaultRetryPolicy(),
		logger:    logger,
		validate:  v,
		now:       time.Now,
	}
}

// WithIdempotency enables request key reservation.
func (s *Service) WithIdempotency(store Idempotency) {
	s.idempotency = store
}

// WithRetry overrides the lock conflict retry policy.
func (s *Service) WithRetry(policy db.RetryPolicy) {
	s.retry = policy
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Request records a correction against a hard-locked cycle. Requests below
// the auto-approval threshold are approved and posted immediately.
func (s *Service) Request(ctx context.Context, in RequestInput, actorID int64) (Entry, error) {
	if err := s.validate.Struct(in); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	key := cycle.NewKey(in.OriginalDate, in.Shift)
	locked, err := s.cycles.IsHardLocked(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if !locked {
		return Entry{}, fmt.Errorf("%w: %s", ErrPeriodNotLocked, key)
	}

	delta := in.CorrectedQuantity.Sub(in.SystemQuantity)
	if delta.IsZero() {
		return Entry{}, ErrNoDifference
	}
	unitCost := in.UnitCost
	if in.SubjectKind == cycle.SubjectProduct && !unitCost.IsPositive() {
		return Entry{}, fmt.Errorf("%w: unit_cost must be positive for product corrections", ErrInvalidRequest)
	}
	if in.SubjectKind == cycle.SubjectAccount && unitCost.IsZero() {
		// Account corrections carry amounts in the quantity fields.
		unitCost = decimal.NewFromInt(1)
	}

	idemKey := strings.TrimSpace(in.IdempotencyKey)
	if idemKey != "" {
		if existing, found, err := s.reserve(ctx, idemKey); err != nil || found {
			return existing, err
		}
	}

	now := s.now().UTC()
	e := Entry{
		ID:                uuid.New(),
		OriginalDate:      key.Date,
		Shift:             key.Shift,
		SubjectKind:       in.SubjectKind,
		SubjectCode:       strings.TrimSpace(in.SubjectCode),
		Location:          strings.TrimSpace(in.Location),
		SystemQuantity:    in.SystemQuantity,
		CorrectedQuantity: in.CorrectedQuantity,
		Delta:             delta,
		UnitCost:          unitCost,
		Amount:            delta.Abs().Mul(unitCost).Round(2),
		Status:            StatusPending,
		RequestedBy:       actorID,
		Note:              strings.TrimSpace(in.Note),
		IdempotencyKey:    idemKey,
		RequestedAt:       now,
	}
	auto := e.Amount.LessThan(s.policy.AutoApproveBelow)

	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.Insert(ctx, e); err != nil {
				return err
			}
			if !auto {
				return nil
			}
			journalID, err := s.poster.PostAdjustment(ctx, e, actorID)
			if err != nil {
				return err
			}
			e.Status = StatusApproved
			e.AutoApproved = true
			e.ApproverID = actorID
			e.JournalID = &journalID
			e.DecidedAt = &now
			return tx.Update(ctx, e)
		})
	})
	if err != nil {
		if idemKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Release(ctx, shared.ApprovalModuleAdjustment, idemKey); delErr != nil {
				s.logger.WarnContext(ctx, "release idempotency key", slog.String("key", idemKey), slog.Any("error", delErr))
			}
		}
		s.record(ctx, "ledger.adjustment.request", e, actorID, err)
		return Entry{}, err
	}

	s.approve(ctx, shared.ApprovalLog{RefID: e.ID, ActorID: actorID, Action: shared.ApprovalSubmit, Note: e.Note})
	if auto {
		s.approve(ctx, shared.ApprovalLog{RefID: e.ID, ActorID: actorID, Action: shared.ApprovalApprove, Note: "auto-approved below threshold"})
	}
	s.record(ctx, "ledger.adjustment.request", e, actorID, nil)
	s.logger.InfoContext(ctx, "adjustment requested",
		slog.String("id", e.ID.String()),
		slog.String("cycle", key.String()),
		slog.String("amount", e.Amount.StringFixed(2)),
		slog.Bool("auto_approved", auto))
	return e, nil
}

// reserve claims key; a key already claimed returns the entry it produced.
func (s *Service) reserve(ctx context.Context, key string) (Entry, bool, error) {
	if s.idempotency != nil {
		err := s.idempotency.Claim(ctx, shared.ApprovalModuleAdjustment, key)
		if err == nil {
			return Entry{}, false, nil
		}
		if !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Entry{}, false, err
		}
	}
	existing, found, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !found && s.idempotency != nil {
		return Entry{}, false, fmt.Errorf("%w: request %s still in flight", shared.ErrDuplicate, key)
	}
	return existing, found, nil
}

// Approve posts a pending correction. The approver must differ from the requester.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID int64, note string) (Entry, error) {
	var out Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			e, err := s.lockPending(ctx, tx, id, approverID)
			if err != nil {
				return err
			}
			journalID, err := s.poster.PostAdjustment(ctx, e, approverID)
			if err != nil {
				return err
			}
			decided := s.now().UTC()
			e.Status = StatusApproved
			e.ApproverID = approverID
			e.JournalID = &journalID
			e.DecidedAt = &decided
			if err := tx.Update(ctx, e); err != nil {
				return err
			}
			out = e
			return nil
		})
	})
	if err != nil {
		s.record(ctx, "ledger.adjustment.approve", Entry{ID: id}, approverID, err)
		return Entry{}, err
	}
	s.approve(ctx, shared.ApprovalLog{RefID: id, ActorID: approverID, Action: shared.ApprovalApprove, Note: note})
	s.record(ctx, "ledger.adjustment.approve", out, approverID, nil)
	s.logger.InfoContext(ctx, "adjustment approved",
		slog.String("id", id.String()),
		slog.Int64("journal_id", *out.JournalID))
	return out, nil
}

// Reject closes a pending correction without ledger effect.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, approverID int64, reason string) (Entry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Entry{}, ErrReasonRequired
	}
	var out Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			e, err := s.lockPending(ctx, tx, id, approverID)
			if err != nil {
				return err
			}
			decided := s.now().UTC()
			e.Status = StatusRejected
			e.ApproverID = approverID
			e.Reason = reason
			e.DecidedAt = &decided
			if err := tx.Update(ctx, e); err != nil {
				return err
			}
			out = e
			return nil
		})
	})
	if err != nil {
		s.record(ctx, "ledger.adjustment.reject", Entry{ID: id}, approverID, err)
		return Entry{}, err
	}
	s.approve(ctx, shared.ApprovalLog{RefID: id, ActorID: approverID, Action: shared.ApprovalReject, Note: reason})
	s.record(ctx, "ledger.adjustment.reject", out, approverID, nil)
	return out, nil
}

func (s *Service) lockPending(ctx context.Context, tx TxRepository, id uuid.UUID, approverID int64) (Entry, error) {
	e, err := tx.Lock(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if e.Status != StatusPending {
		return Entry{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, e.Status)
	}
	if e.RequestedBy == approverID {
		return Entry{}, ErrSelfApproval
	}
	return e, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	return s.repo.Get(ctx, id)
}

// List returns entries matching filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	if db.InTx(ctx) {
		return fn(ctx)
	}
	return db.Retry(ctx, s.retry, fn)
}

func (s *Service) approve(ctx context.Context, log shared.ApprovalLog) {
	if s.approvals == nil {
		return
	}
	log.Module = shared.ApprovalModuleAdjustment
	log.At = s.now().UTC()
	if err := s.approvals.Record(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "record adjustment approval", slog.String("id", log.RefID.String()), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action string, e Entry, actorID int64, cause error) {
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "adjustment_entry",
		EntityID: e.ID.String(),
		Meta: map[string]any{
			"status": string(e.Status),
		},
		At: s.now().UTC(),
	}
	if !e.OriginalDate.IsZero() {
		log.Meta["cycle"] = e.Key().String()
		log.Meta["subject"] = e.Subject().String()
		log.Meta["amount"] = e.Amount.StringFixed(2)
		log.RecordsProcessed = 1
	}
	if cause != nil {
		log.Errors = []string{cause.Error()}
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "audit adjustment", slog.Any("error", err))
	}
}
