package adjustment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists adjustment entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a transaction, joining one already bound to ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("adjustment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entryColumns = `id, original_date, shift, subject_kind, subject_code, location, system_qty, corrected_qty,
delta, unit_cost, amount, status, requested_by, COALESCE(approver_id, 0), COALESCE(reason, ''), COALESCE(note, ''),
journal_id, auto_approved, COALESCE(idempotency_key, ''), requested_at, decided_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.OriginalDate, &e.Shift, &e.SubjectKind, &e.SubjectCode, &e.Location, &e.SystemQuantity, &e.CorrectedQuantity,
		&e.Delta, &e.UnitCost, &e.Amount, &e.Status, &e.RequestedBy, &e.ApproverID, &e.Reason, &e.Note,
		&e.JournalID, &e.AutoApproved, &e.IdempotencyKey, &e.RequestedAt, &e.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func (r *txRepository) Insert(ctx context.Context, e Entry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_adjustments (id, original_date, shift, subject_kind, subject_code, location,
system_qty, corrected_qty, delta, unit_cost, amount, status, requested_by, note, auto_approved, idempotency_key, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		e.ID, e.OriginalDate, e.Shift, e.SubjectKind, e.SubjectCode, e.Location,
		e.SystemQuantity, e.CorrectedQuantity, e.Delta, e.UnitCost, e.Amount, e.Status, e.RequestedBy,
		nullString(e.Note), e.AutoApproved, nullString(e.IdempotencyKey), e.RequestedAt)
	return db.ClassifyError(err)
}

func (r *txRepository) Lock(ctx context.Context, id uuid.UUID) (Entry, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_adjustments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Entry{}, db.ClassifyError(err)
	}
	return e, nil
}

func (r *txRepository) Update(ctx context.Context, e Entry) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_adjustments SET status=$2, approver_id=$3, reason=$4, journal_id=$5,
auto_approved=$6, decided_at=$7 WHERE id=$1`,
		e.ID, e.Status, nullInt(e.ApproverID), nullString(e.Reason), e.JournalID, e.AutoApproved, e.DecidedAt)
	if err != nil {
		return db.ClassifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Get returns one entry.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_adjustments WHERE id=$1`, id))
}

// FindByIdempotencyKey returns the entry created under key.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (Entry, bool, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_adjustments WHERE idempotency_key=$1`, key))
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// List returns entries matching filter.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_adjustments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
