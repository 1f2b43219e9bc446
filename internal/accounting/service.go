package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListJournalEntries(ctx context.Context, filter JournalFilter) ([]JournalEntry, error)
	GetJournal(ctx context.Context, id int64) (JournalEntry, error)
	TrialBalance(ctx context.Context, asOf time.Time) ([]TrialBalanceLine, error)
	InventoryBalanceByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, decimal.Decimal, error)
	ReferenceBalance(ctx context.Context, accountCode, reference string) (decimal.Decimal, error)
	GetAccountMapping(ctx context.Context, module, key string) (AccountMapping, error)
}

// Service validates and persists journal entries.
type Service struct {
	repo      RepositoryPort
	validator *Validator
	rules     *RuleRegistry
	audit     shared.AuditPort
	approvals shared.ApprovalPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, validator *Validator, rules *RuleRegistry, audit shared.AuditPort, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, validator: validator, rules: rules, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.validator.WithNow(now)
	}
}

// WithApprovals records draft releases in the approvals log.
func (s *Service) WithApprovals(approvals shared.ApprovalPort) {
	s.approvals = approvals
}

// Evaluate runs validation and rule verification without persisting anything.
func (s *Service) Evaluate(ctx context.Context, in PostingInput) ValidationResult {
	res := s.validator.Validate(ctx, in)
	if s.rules != nil && in.EventType != "" {
		issues := s.rules.Verify(in)
		for _, issue := range issues {
			if issue.Code == IssueRuleMissing {
				s.logger.WarnContext(ctx, "posting rule missing", slog.String("event_type", in.EventType), slog.String("reference", in.Reference))
			}
		}
		res.merge(issues)
	}
	return res
}

// Post validates in and writes it inside the caller's transaction when one is
// bound to ctx. Entries that need approval are staged as DRAFT unless the
// input is pre-approved. Nothing is persisted when validation fails.
func (s *Service) Post(ctx context.Context, in PostingInput) (PostResult, error) {
	if in.SourceModule == "" || in.SourceID == uuid.Nil {
		return PostResult{}, ErrSourceRequired
	}
	res := s.Evaluate(ctx, in)
	if err := res.Err(); err != nil {
		return PostResult{Warnings: res.Warnings}, err
	}
	status := JournalStatusPosted
	if res.ApprovalRequired && !in.PreApproved {
		status = JournalStatusDraft
	}
	result := PostResult{Warnings: res.Warnings, ApprovalRequired: res.ApprovalRequired, ApprovalReasons: res.ApprovalReasons}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindBySource(ctx, in.SourceModule, in.SourceID)
		switch {
		case err == nil:
			result.Entry = existing
			return ErrSourceAlreadyLinked
		case !errors.Is(err, ErrJournalNotFound):
			return err
		}
		entry, err := tx.InsertJournalEntry(ctx, in, status, res.ApprovalRequired)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, entry.ID, in.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, in.SourceModule, in.SourceID, entry.ID); err != nil {
			return err
		}
		entry.Lines = toJournalLines(entry.ID, in.Lines)
		result.Entry = entry
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// PostJournal posts a standalone entry and audit-logs it.
func (s *Service) PostJournal(ctx context.Context, in PostingInput) (PostResult, error) {
	started := s.now()
	res, err := s.Post(ctx, in)
	log := shared.AuditLog{
		ActorID:  in.PostedBy,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: in.SourceID.String(),
		Duration: s.now().Sub(started),
		Meta: map[string]any{
			"source_module": in.SourceModule,
			"event_type":    in.EventType,
			"reference":     in.Reference,
		},
		At: s.now(),
	}
	if err != nil {
		log.Errors = []string{err.Error()}
	} else {
		log.RecordsProcessed = len(res.Entry.Lines)
		log.EntityID = fmt.Sprintf("%d", res.Entry.ID)
		log.Meta["status"] = string(res.Entry.Status)
	}
	if auditErr := s.audit.Record(ctx, log); auditErr != nil {
		s.logger.ErrorContext(ctx, "audit journal post", slog.Any("error", auditErr))
	}
	return res, err
}

// ReleaseDraft posts a staged entry once an approver signs it off.
func (s *Service) ReleaseDraft(ctx context.Context, entryID, approverID int64) (JournalEntry, error) {
	if approverID == 0 {
		return JournalEntry{}, shared.ErrForbidden
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetJournalForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != JournalStatusDraft {
			return ErrInvalidStatus
		}
		if err := tx.UpdateJournalStatus(ctx, entryID, JournalStatusPosted, approverID); err != nil {
			return err
		}
		current.Status = JournalStatusPosted
		current.PostedBy = approverID
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  shared.ApprovalModuleJournal,
			RefID:   entry.SourceID,
			ActorID: approverID,
			Action:  shared.ApprovalApprove,
			Note:    fmt.Sprintf("journal %d released", entry.Number),
		}); err != nil {
			s.logger.ErrorContext(ctx, "record journal approval", slog.Any("error", err))
		}
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:          approverID,
		Action:           "journal.release",
		Entity:           "journal_entry",
		EntityID:         fmt.Sprintf("%d", entry.ID),
		RecordsProcessed: 1,
		At:               s.now(),
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit journal release", slog.Any("error", err))
	}
	return entry, nil
}

// FindBySource returns the entry linked to a business source, if any.
func (s *Service) FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, bool, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.FindBySource(ctx, module, ref)
		return err
	})
	if errors.Is(err, ErrJournalNotFound) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, err
	}
	return entry, true, nil
}

// ResolveAccount returns the mapped account for module/key, or fallback when no mapping exists.
func (s *Service) ResolveAccount(ctx context.Context, module, key, fallback string) (string, error) {
	mapping, err := s.repo.GetAccountMapping(ctx, module, key)
	if errors.Is(err, ErrMappingNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return mapping.AccountCode, nil
}

// ReferenceBalance returns Σ(debit−credit) on account for a business reference.
func (s *Service) ReferenceBalance(ctx context.Context, accountCode, reference string) (decimal.Decimal, error) {
	return s.repo.ReferenceBalance(ctx, accountCode, reference)
}

// ListJournalEntries retrieves journal headers.
func (s *Service) ListJournalEntries(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	return s.repo.ListJournalEntries(ctx, filter)
}

// GetJournal retrieves a journal with its lines.
func (s *Service) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.GetJournal(ctx, id)
}

// TrialBalance aggregates posted activity per account up to asOf.
func (s *Service) TrialBalance(ctx context.Context, asOf time.Time) ([]TrialBalanceLine, error) {
	return s.repo.TrialBalance(ctx, asOf)
}

// InventoryBalanceByProduct exposes the GL side of inventory reconciliation.
func (s *Service) InventoryBalanceByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, decimal.Decimal, error) {
	return s.repo.InventoryBalanceByProduct(ctx, asOf)
}

func toJournalLines(entryID int64, lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			JournalID:   entryID,
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
			ProductCode: line.ProductCode,
			Description: line.Description,
		})
	}
	return out
}
