package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"55P03", shared.ErrLockConflict},
		{"40001", shared.ErrLockConflict},
		{"40P01", shared.ErrLockConflict},
		{"23505", shared.ErrDuplicate},
	}
	for _, tc := range cases {
		err := ClassifyError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: tc.code}))
		require.ErrorIs(t, err, tc.want, tc.code)
	}

	other := errors.New("boom")
	require.Same(t, other, ClassifyError(other))
	require.NoError(t, ClassifyError(nil))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return shared.ErrLockConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryDoesNotRepeatPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return shared.ErrNotFound
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestRetryExhausts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return shared.ErrLockConflict
	})
	require.ErrorIs(t, err, shared.ErrLockConflict)
	require.Equal(t, 2, calls)
}
