package travel

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"

	"medroute/internal/models"
)

// Cache stores travel estimates for a bounded time
type Cache interface {
	Get(ctx context.Context, key string) (*Estimate, bool, error)
	Set(ctx context.Context, key string, estimate *Estimate, ttl time.Duration) error
	Sweep(ctx context.Context) error
}

type cachedEstimate struct {
	estimate  Estimate
	expiresAt time.Time
}

// MemoryCache is an in-process cache backed by go-cache.
// Expiry is checked against the injected clock on every read.
type MemoryCache struct {
	items *gocache.Cache
	clock clockz.Clock
}

// NewMemoryCache creates an in-memory cache with the given default TTL and janitor interval
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		items: gocache.New(defaultTTL, cleanupInterval),
		clock: clockz.RealClock,
	}
}

// WithClock replaces the clock used for expiry checks
func (m *MemoryCache) WithClock(clock clockz.Clock) *MemoryCache {
	m.clock = clock
	return m
}

// Get returns a copy of the cached estimate if present and not expired
func (m *MemoryCache) Get(_ context.Context, key string) (*Estimate, bool, error) {
	raw, found := m.items.Get(key)
	if !found {
		return nil, false, nil
	}
	entry, ok := raw.(cachedEstimate)
	if !ok {
		m.items.Delete(key)
		return nil, false, nil
	}
	if !m.clock.Now().Before(entry.expiresAt) {
		m.items.Delete(key)
		return nil, false, nil
	}
	estimate := entry.estimate
	estimate.Route = append([]models.Coordinate(nil), entry.estimate.Route...)
	return &estimate, true, nil
}

// Set stores a copy of the estimate
func (m *MemoryCache) Set(_ context.Context, key string, estimate *Estimate, ttl time.Duration) error {
	if estimate == nil {
		return errors.New("nil estimate")
	}
	entry := cachedEstimate{
		estimate:  *estimate,
		expiresAt: m.clock.Now().Add(ttl),
	}
	entry.estimate.Route = append([]models.Coordinate(nil), estimate.Route...)
	m.items.Set(key, entry, ttl)
	return nil
}

// Sweep removes every expired entry
func (m *MemoryCache) Sweep(_ context.Context) error {
	m.items.DeleteExpired()
	now := m.clock.Now()
	for key, item := range m.items.Items() {
		if entry, ok := item.Object.(cachedEstimate); ok && !now.Before(entry.expiresAt) {
			m.items.Delete(key)
		}
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept
func (m *MemoryCache) Len() int {
	return m.items.ItemCount()
}

// RedisCache stores estimates in Redis with native key expiry
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(key string) string {
	return r.prefix + ":travel:" + key
}

// Get returns the cached estimate if present
func (r *RedisCache) Get(ctx context.Context, key string) (*Estimate, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read travel estimate")
	}

	var estimate Estimate
	if err := json.Unmarshal(data, &estimate); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode travel estimate")
	}
	return &estimate, true, nil
}

// Set stores the estimate with the given TTL
func (r *RedisCache) Set(ctx context.Context, key string, estimate *Estimate, ttl time.Duration) error {
	data, err := json.Marshal(estimate)
	if err != nil {
		return errors.Wrap(err, "failed to encode travel estimate")
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store travel estimate")
	}
	return nil
}

// Sweep is a no-op; Redis expires keys itself
func (r *RedisCache) Sweep(context.Context) error {
	return nil
}
