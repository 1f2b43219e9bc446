package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Postgres error codes raised by row-lock contention.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

var lockTimeout = 5 * time.Second

// SetLockTimeout changes how long a transaction waits on a row lock before failing.
func SetLockTimeout(d time.Duration) {
	if d > 0 {
		lockTimeout = d
	}
}

// ClassifyError maps lock contention failures to shared.ErrLockConflict and
// unique violations to shared.ErrDuplicate. Other errors pass through.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s (%s)", shared.ErrLockConflict, pgErr.Message, pgErr.Code)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", shared.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// RetryPolicy bounds attempts for operations that lost a lock race.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy retries three times with linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}
}

// Retry runs fn until it succeeds, returns a non-retryable error or the
// attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !shared.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff * time.Duration(i+1)):
		}
	}
	return err
}
