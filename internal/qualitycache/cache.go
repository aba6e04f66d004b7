// Package qualitycache keeps recent probe samples in Redis so matching
// passes don't re-probe every candidate. It is a read-through cache
// over the prober, never authoritative: entries expire and a miss just
// means "probe again".
package qualitycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netshare/netshare/internal/domain"
)

const keyPrefix = "netshare:quality:"

// Cache stores quality samples keyed by backend instance reference.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect quality cache %s: %w", addr, err)
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get returns the cached sample for an instance, if present and fresh.
// Cache errors degrade to a miss; the caller probes instead.
func (c *Cache) Get(ctx context.Context, instance string) (domain.QualitySample, bool) {
	raw, err := c.rdb.Get(ctx, keyPrefix+instance).Bytes()
	if err != nil {
		return domain.QualitySample{}, false
	}
	var sample domain.QualitySample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return domain.QualitySample{}, false
	}
	return sample, true
}

// Put stores a sample with the cache TTL.
func (c *Cache) Put(ctx context.Context, instance string, sample domain.QualitySample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, keyPrefix+instance, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache sample for %s: %w", instance, err)
	}
	return nil
}

// Invalidate drops the cached sample for an instance, e.g. after its
// tunnel is terminated.
func (c *Cache) Invalidate(ctx context.Context, instance string) error {
	if err := c.rdb.Del(ctx, keyPrefix+instance).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
