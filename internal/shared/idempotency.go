package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict means the key was already claimed within its module.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// IdempotencyStore claims client supplied request keys. Keys are unique per
// module, so the same key may be reused by unrelated modules.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// Claim records key under module. A second claim returns ErrIdempotencyConflict.
func (s *IdempotencyStore) Claim(ctx context.Context, module, key string) error {
	if key == "" || module == "" {
		return errors.New("idempotency module and key required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (module, key, created_at) VALUES ($1, $2, $3)`,
		module, key, s.now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s/%s", ErrIdempotencyConflict, module, key)
	}
	return err
}

// Release frees a key whose request failed so the client can retry it.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key)
	return err
}

// Cleanup drops claims older than olderThan.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-olderThan))
	return err
}
