package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a trip lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for trip lock")

// Locker serialises mutations of a single trip
type Locker interface {
	// Lock blocks until the lock for key is held and returns its release function
	Lock(ctx context.Context, key string) (func(), error)
}

// keyedMutex serialises work per key while letting different keys proceed in parallel.
// It only covers a single process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, nil
}

// releaseScript deletes the lock only while it still carries the holder's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds per-trip locks in Redis so every instance sharing a RedisStore
// serialises on the same trip
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	local  *keyedMutex
}

// NewRedisLocker creates a distributed locker. ttl bounds how long a crashed holder blocks
// the trip; wait bounds how long Lock retries before giving up.
func NewRedisLocker(client *redis.Client, prefix string, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
		retry:  25 * time.Millisecond,
		local:  newKeyedMutex(),
	}
}

func (r *RedisLocker) lockKey(key string) string {
	return r.prefix + ":lock:trip:" + key
}

// Lock takes the Redis lock with SET NX and a TTL, polling until it is free
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	// goroutines of this instance queue locally instead of polling Redis
	unlockLocal, _ := r.local.Lock(ctx, key)

	token := uuid.NewString()
	redisKey := r.lockKey(key)

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		acquired, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			unlockLocal()
			return nil, errors.Wrap(err, "failed to acquire trip lock")
		}
		if acquired {
			return func() {
				// release must not depend on the caller's possibly cancelled context
				releaseCtx, cancel := context.WithTimeout(context.Background(), r.wait)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
				unlockLocal()
			}, nil
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, errors.Wrapf(ErrLockTimeout, "trip %s", key)
		case <-ticker.C:
		}
	}
}
