package tracking

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockerSerialises runs concurrent read-modify-write cycles through locker and checks none are lost
func lockerSerialises(t *testing.T, lockers ...Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
		inside  int
		mu      sync.Mutex
		overlap bool
	)
	for i := 0; i < 20; i++ {
		locker := lockers[i%len(lockers)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "T1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			current := counter
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter = current + 1
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 20, counter)
}

func TestKeyedMutex(t *testing.T) {
	locks := newKeyedMutex()
	lockerSerialises(t, locks)
	assert.Empty(t, locks.locks)

	unlockA, err := locks.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := locks.Lock(context.Background(), "B")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B waited for A")
	}
}

// Runs only when a Redis instance is provided.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("MEDROUTE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDROUTE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	prefix := "medroute-test-" + uuid.NewString()
	ctx := context.Background()

	t.Run("two instances share the lock", func(t *testing.T) {
		a := NewRedisLocker(client, prefix, 5*time.Second, 5*time.Second)
		b := NewRedisLocker(client, prefix, 5*time.Second, 5*time.Second)
		lockerSerialises(t, a, b)

		exists, err := client.Exists(ctx, a.lockKey("T1")).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("times out while held elsewhere", func(t *testing.T) {
		holder := NewRedisLocker(client, prefix, 5*time.Second, time.Second)
		waiter := NewRedisLocker(client, prefix, 5*time.Second, 100*time.Millisecond)

		unlock, err := holder.Lock(ctx, "T2")
		require.NoError(t, err)

		_, err = waiter.Lock(ctx, "T2")
		assert.ErrorIs(t, err, ErrLockTimeout)

		unlock()
		unlock, err = waiter.Lock(ctx, "T2")
		require.NoError(t, err)
		unlock()
	})

	t.Run("expired lock is not released by its old holder", func(t *testing.T) {
		stale := NewRedisLocker(client, prefix, 50*time.Millisecond, time.Second)
		fresh := NewRedisLocker(client, prefix, 5*time.Second, time.Second)

		unlockStale, err := stale.Lock(ctx, "T3")
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)

		unlockFresh, err := fresh.Lock(ctx, "T3")
		require.NoError(t, err)

		unlockStale()
		exists, err := client.Exists(ctx, fresh.lockKey("T3")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)
		unlockFresh()
	})
}

func TestMonitorWithRedisLocker(t *testing.T) {
	addr := os.Getenv("MEDROUTE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDROUTE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	prefix := "medroute-test-" + uuid.NewString()
	ctx := context.Background()

	monitor, _ := newTestMonitor(t)
	monitor.WithLocker(NewRedisLocker(client, prefix, 5*time.Second, 5*time.Second))

	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeStart})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	session, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 10, session.SampleCount)
}
