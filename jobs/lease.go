package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "ledger:lease:"

// Lease serialises scheduled runs across workers. A run that cannot obtain
// the lease is skipped, since another worker is already doing the same work.
type Lease struct {
	locker *redislock.Client
	ttl    time.Duration
}

// NewLease constructs a lease backed by client. A nil client disables leasing.
func NewLease(client redis.UniversalClient, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if client == nil {
		return &Lease{ttl: ttl}
	}
	return &Lease{locker: redislock.New(client), ttl: ttl}
}

// Do runs fn while holding the lease for name. It reports false without
// calling fn when the lease is held elsewhere.
func (l *Lease) Do(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	if l == nil || l.locker == nil {
		return true, fn(ctx)
	}
	lock, err := l.locker.Obtain(ctx, leasePrefix+name, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain lease %s: %w", name, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return true, fn(ctx)
}
