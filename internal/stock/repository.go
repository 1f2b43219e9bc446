package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository stores counters in stock_counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lockCounterSQL = `SELECT 1 FROM stock_counters WHERE product_code=$1 AND location=$2 FOR UPDATE`

// Mutate locks the counter row, creating it first when absent, and writes fn's result.
func (r *Repository) Mutate(ctx context.Context, product, location string, fn func(Counter) (Counter, error)) (Counter, error) {
	if r == nil {
		return Counter{}, errors.New("stock repository not initialised")
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO stock_counters (product_code, location, on_hand, updated_at)
VALUES ($1, $2, 0, NOW()) ON CONFLICT (product_code, location) DO NOTHING`, product, location); err != nil {
		return Counter{}, db.ClassifyError(err)
	}
	var out Counter
	err := db.WithRowLock(ctx, r.pool, lockCounterSQL, []any{product, location}, func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanCounter(tx.QueryRow(ctx, `SELECT product_code, location, on_hand, updated_at
FROM stock_counters WHERE product_code=$1 AND location=$2`, product, location))
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE stock_counters SET on_hand=$3, updated_at=$4 WHERE product_code=$1 AND location=$2`,
			product, location, next.OnHand, next.UpdatedAt); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Get reads a counter without locking.
func (r *Repository) Get(ctx context.Context, product, location string) (Counter, error) {
	return scanCounter(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT product_code, location, on_hand, updated_at
FROM stock_counters WHERE product_code=$1 AND location=$2`, product, location))
}

func scanCounter(row pgx.Row) (Counter, error) {
	var c Counter
	if err := row.Scan(&c.ProductCode, &c.Location, &c.OnHand, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counter{}, ErrCounterNotFound
		}
		return Counter{}, err
	}
	return c, nil
}
