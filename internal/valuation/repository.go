package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists lots and exchange rates.
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
		return errors.New("valuation repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const lotColumns = `id, product_code, location, quantity, unit_cost, base_unit_cost, currency, received_at`

func scanLots(rows pgx.Rows) ([]Lot, error) {
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		var l Lot
		if err := rows.Scan(&l.ID, &l.ProductCode, &l.Location, &l.Quantity, &l.UnitCost, &l.BaseUnitCost, &l.Currency, &l.ReceivedAt); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO valuation_lots (product_code, location, quantity, unit_cost, base_unit_cost, currency, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, lot.ProductCode, lot.Location, lot.Quantity, lot.UnitCost, lot.BaseUnitCost, lot.Currency, lot.ReceivedAt).
		Scan(&lot.ID)
	return lot, err
}

func (r *txRepository) LockLots(ctx context.Context, product, location string) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM valuation_lots
WHERE product_code=$1 AND location=$2 AND quantity > 0
ORDER BY received_at, id FOR UPDATE`, product, location)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func (r *txRepository) LockForeignLots(ctx context.Context, base string) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM valuation_lots
WHERE currency <> $1 AND quantity > 0 ORDER BY id FOR UPDATE`, base)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `UPDATE valuation_lots SET quantity=$2, base_unit_cost=$3, updated_at=NOW() WHERE id=$1`, lot.ID, lot.Quantity, lot.BaseUnitCost)
	return err
}

// ValuationByProduct sums remaining lot value per product for lots received by asOf.
func (r *Repository) ValuationByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT product_code, COALESCE(SUM(quantity * base_unit_cost), 0)
FROM valuation_lots WHERE received_at < $1::date + 1 GROUP BY product_code`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var product string
		var value decimal.Decimal
		if err := rows.Scan(&product, &value); err != nil {
			return nil, err
		}
		out[product] = value
	}
	return out, rows.Err()
}

// RateAsOf implements RateProvider against the exchange_rates table.
func (r *Repository) RateAsOf(ctx context.Context, from, to string, date time.Time) (Rate, error) {
	rate := Rate{From: from, To: to}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT effective_date, rate FROM exchange_rates
WHERE from_currency=$1 AND to_currency=$2 AND effective_date <= $3
ORDER BY effective_date DESC LIMIT 1`, from, to, date).Scan(&rate.EffectiveDate, &rate.Rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrRateNotFound
		}
		return Rate{}, err
	}
	return rate, nil
}

// UpsertRate stores a rate, replacing any rate for the same pair and date.
func (r *Repository) UpsertRate(ctx context.Context, rate Rate) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO exchange_rates (from_currency, to_currency, effective_date, rate)
VALUES ($1,$2,$3,$4)
ON CONFLICT (from_currency, to_currency, effective_date) DO UPDATE SET rate=EXCLUDED.rate`, rate.From, rate.To, rate.EffectiveDate, rate.Rate)
	return err
}
