package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "ledger:recon:version"

// Cache keeps serialized reports in Redis under versioned keys so a re-run
// invalidates every cached date at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) key(ctx context.Context, asOf time.Time) (string, error) {
	parts := []string{"ledger", "recon", asOf.Format("2006-01-02")}
	if c == nil || c.client == nil {
		return strings.Join(parts, ":"), nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", strings.Join(parts, ":"), ver), nil
}

// Fetch loads a cached report or populates it using loader.
func (c *Cache) Fetch(ctx context.Context, asOf time.Time, loader func(context.Context) (Report, error)) (Report, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, asOf)
	if err != nil {
		return Report{}, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var r Report
		if err := json.Unmarshal(payload, &r); err != nil {
			return Report{}, err
		}
		return r, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Report{}, err
	}
	r, err := loader(ctx)
	if err != nil {
		return Report{}, err
	}
	return r, c.Store(ctx, r)
}

// Store writes r under its date key.
func (c *Cache) Store(ctx context.Context, r Report) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, r.AsOf)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates every cached report.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
