package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	ApprovalSubmit  ApprovalAction = "SUBMIT"
	ApprovalApprove ApprovalAction = "APPROVE"
	ApprovalReject  ApprovalAction = "REJECT"
)

// Valid reports whether a is a known action.
func (a ApprovalAction) Valid() bool {
	return a == ApprovalSubmit || a == ApprovalApprove || a == ApprovalReject
}

// Modules whose decisions land in the approval history.
const (
	ApprovalModuleAdjustment = "LEDGER.ADJUSTMENT"
	ApprovalModuleJournal    = "LEDGER.JOURNAL"
)

// ApprovalLog is one decision on a staged adjustment or journal. ActorID 0
// is the system actor, used for threshold auto-approvals.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   uuid.UUID
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

func (l ApprovalLog) validate() error {
	switch {
	case l.Module == "":
		return errors.New("approval module required")
	case l.RefID == uuid.Nil:
		return errors.New("approval ref id required")
	case !l.Action.Valid():
		return fmt.Errorf("approval action %q unknown", l.Action)
	}
	return nil
}

// ApprovalPort is satisfied by ApprovalRecorder and by test recorders.
type ApprovalPort interface {
	Record(ctx context.Context, log ApprovalLog) error
	EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID int64, note string) error
}

// ApprovalRecorder appends approval history rows. Writes happen after the
// ledger transaction commits, so failures are logged and returned but never
// undo a posted journal.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record appends log.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, $6)`, log.Module, log.RefID, log.ActorID, string(log.Action), log.Note, at.UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "record approval",
			slog.String("module", log.Module),
			slog.String("ref", log.RefID.String()),
			slog.String("action", string(log.Action)),
			slog.Any("error", err))
		return fmt.Errorf("shared: record approval: %w", err)
	}
	return nil
}

// EnsureSubmit writes a SUBMIT row for ref unless one already exists.
func (r *ApprovalRecorder) EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID int64, note string) error {
	log := ApprovalLog{Module: module, RefID: ref, ActorID: actorID, Action: ApprovalSubmit, Note: note}
	if err := log.validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
SELECT $1::text, $2::uuid, $3::bigint, 'SUBMIT', $4::text, NOW()
WHERE NOT EXISTS (SELECT 1 FROM approvals WHERE module = $1 AND ref_id = $2 AND action = 'SUBMIT')`,
		module, ref, actorID, note)
	if err != nil {
		return fmt.Errorf("shared: ensure submit: %w", err)
	}
	return nil
}
