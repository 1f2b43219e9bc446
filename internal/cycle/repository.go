package cycle

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists cycle status rows and daily balances.
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
		return errors.New("cycle repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const cycleColumns = `date, shift, opening_status, closing_status, opened_at, closed_at, COALESCE(closed_by, 0), grace_until, COALESCE(last_error, ''), updated_at`

func scanCycle(row pgx.Row) (Cycle, error) {
	var c Cycle
	err := row.Scan(&c.Key.Date, &c.Key.Shift, &c.OpeningStatus, &c.ClosingStatus, &c.OpenedAt, &c.ClosedAt, &c.ClosedBy, &c.GraceUntil, &c.LastError, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cycle{}, ErrCycleNotFound
		}
		return Cycle{}, err
	}
	c.Key = NewKey(c.Key.Date, c.Key.Shift)
	return c, nil
}

const balanceColumns = `date, shift, subject_kind, subject_code, location, opening_qty, opening_value,
received_qty, received_value, issued_qty, issued_value, transferred_in_qty, transferred_in_value,
transferred_out_qty, transferred_out_value, adjusted_qty, adjusted_value, closing_qty, closing_value,
locked, COALESCE(locked_by, 0), locked_at`

func scanBalance(row pgx.Row) (DailyBalance, error) {
	var b DailyBalance
	err := row.Scan(&b.Key.Date, &b.Key.Shift, &b.Subject.Kind, &b.Subject.Code, &b.Subject.Location, &b.OpeningQty, &b.OpeningValue,
		&b.Received.Qty, &b.Received.Value, &b.Issued.Qty, &b.Issued.Value, &b.TransferredIn.Qty, &b.TransferredIn.Value,
		&b.TransferredOut.Qty, &b.TransferredOut.Value, &b.Adjusted.Qty, &b.Adjusted.Value, &b.ClosingQty, &b.ClosingValue,
		&b.Locked, &b.LockedBy, &b.LockedAt)
	if err != nil {
		return DailyBalance{}, err
	}
	b.Key = NewKey(b.Key.Date, b.Key.Shift)
	return b, nil
}

func collectBalances(rows pgx.Rows) ([]DailyBalance, error) {
	defer rows.Close()
	var out []DailyBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepository) LockCycle(ctx context.Context, key Key) (Cycle, error) {
	return scanCycle(r.tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM ledger_cycles WHERE date=$1 AND shift=$2 FOR UPDATE`, key.Date, key.Shift))
}

func (r *txRepository) ShareLockCycle(ctx context.Context, key Key) (Cycle, error) {
	return scanCycle(r.tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM ledger_cycles WHERE date=$1 AND shift=$2 FOR SHARE`, key.Date, key.Shift))
}

func (r *txRepository) GetCycle(ctx context.Context, key Key) (Cycle, error) {
	return scanCycle(r.tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM ledger_cycles WHERE date=$1 AND shift=$2`, key.Date, key.Shift))
}

func (r *txRepository) InsertCycle(ctx context.Context, c Cycle) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_cycles (date, shift, opening_status, closing_status, updated_at)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (date, shift) DO NOTHING`, c.Key.Date, c.Key.Shift, c.OpeningStatus, c.ClosingStatus, c.UpdatedAt)
	return err
}

func (r *txRepository) UpdateCycle(ctx context.Context, c Cycle) error {
	_, err := r.tx.Exec(ctx, `UPDATE ledger_cycles SET opening_status=$3, closing_status=$4, opened_at=$5, closed_at=$6,
closed_by=NULLIF($7, 0), grace_until=$8, last_error=NULLIF($9, ''), updated_at=$10
WHERE date=$1 AND shift=$2`, c.Key.Date, c.Key.Shift, c.OpeningStatus, c.ClosingStatus, c.OpenedAt, c.ClosedAt,
		c.ClosedBy, c.GraceUntil, c.LastError, c.UpdatedAt)
	return err
}

func (r *txRepository) HasCycleBefore(ctx context.Context, key Key) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_cycles WHERE (date, shift) < ($1, $2))`, key.Date, key.Shift).Scan(&exists)
	return exists, err
}

func (r *txRepository) ListBalances(ctx context.Context, key Key) ([]DailyBalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE date=$1 AND shift=$2
ORDER BY subject_kind, subject_code, location`, key.Date, key.Shift)
	if err != nil {
		return nil, err
	}
	return collectBalances(rows)
}

func (r *txRepository) LockBalance(ctx context.Context, key Key, subject Subject) (DailyBalance, bool, error) {
	b, err := scanBalance(r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances
WHERE date=$1 AND shift=$2 AND subject_kind=$3 AND subject_code=$4 AND location=$5 FOR UPDATE`,
		key.Date, key.Shift, subject.Kind, subject.Code, subject.Location))
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyBalance{}, false, nil
	}
	if err != nil {
		return DailyBalance{}, false, err
	}
	return b, true, nil
}

func (r *txRepository) LockBalances(ctx context.Context, key Key) ([]DailyBalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE date=$1 AND shift=$2
ORDER BY subject_kind, subject_code, location FOR UPDATE`, key.Date, key.Shift)
	if err != nil {
		return nil, err
	}
	return collectBalances(rows)
}

func (r *txRepository) UpsertBalance(ctx context.Context, b DailyBalance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO daily_balances (date, shift, subject_kind, subject_code, location, opening_qty, opening_value,
received_qty, received_value, issued_qty, issued_value, transferred_in_qty, transferred_in_value,
transferred_out_qty, transferred_out_value, adjusted_qty, adjusted_value, closing_qty, closing_value, locked, locked_by, locked_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,NULLIF($21, 0),$22,NOW())
ON CONFLICT (date, shift, subject_kind, subject_code, location) DO UPDATE SET
opening_qty=EXCLUDED.opening_qty, opening_value=EXCLUDED.opening_value,
received_qty=EXCLUDED.received_qty, received_value=EXCLUDED.received_value,
issued_qty=EXCLUDED.issued_qty, issued_value=EXCLUDED.issued_value,
transferred_in_qty=EXCLUDED.transferred_in_qty, transferred_in_value=EXCLUDED.transferred_in_value,
transferred_out_qty=EXCLUDED.transferred_out_qty, transferred_out_value=EXCLUDED.transferred_out_value,
adjusted_qty=EXCLUDED.adjusted_qty, adjusted_value=EXCLUDED.adjusted_value,
closing_qty=EXCLUDED.closing_qty, closing_value=EXCLUDED.closing_value,
locked=EXCLUDED.locked, locked_by=EXCLUDED.locked_by, locked_at=EXCLUDED.locked_at, updated_at=NOW()`,
		b.Key.Date, b.Key.Shift, b.Subject.Kind, b.Subject.Code, b.Subject.Location, b.OpeningQty, b.OpeningValue,
		b.Received.Qty, b.Received.Value, b.Issued.Qty, b.Issued.Value, b.TransferredIn.Qty, b.TransferredIn.Value,
		b.TransferredOut.Qty, b.TransferredOut.Value, b.Adjusted.Qty, b.Adjusted.Value, b.ClosingQty, b.ClosingValue,
		b.Locked, b.LockedBy, b.LockedAt)
	return err
}

// GetCycle reads a cycle row without locking.
func (r *Repository) GetCycle(ctx context.Context, key Key) (Cycle, error) {
	return scanCycle(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+cycleColumns+` FROM ledger_cycles WHERE date=$1 AND shift=$2`, key.Date, key.Shift))
}

// ListBalances reads balance rows for key without locking.
func (r *Repository) ListBalances(ctx context.Context, key Key) ([]DailyBalance, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE date=$1 AND shift=$2
ORDER BY subject_kind, subject_code, location`, key.Date, key.Shift)
	if err != nil {
		return nil, err
	}
	return collectBalances(rows)
}
