package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupLocker(t *testing.T, opts RedisOptions) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLocker(client, opts), mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	locker, mr := setupLocker(t, RedisOptions{TTL: time.Second})
	ctx := context.Background()
	key := ClinicKey(uuid.New())

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Second, mr.TTL(key))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_HeldLockTimesOut(t *testing.T) {
	locker, _ := setupLocker(t, RedisOptions{TTL: time.Minute, Wait: 50 * time.Millisecond, Poll: 10 * time.Millisecond})
	ctx := context.Background()
	key := ClinicKey(uuid.New())

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	defer release(ctx)

	_, err = locker.Acquire(ctx, key)
	assert.True(t, errors.Is(err, ErrNotAcquired), "expected ErrNotAcquired, got %v", err)
}

func TestRedisLocker_ReleaseDoesNotStealNewHolder(t *testing.T) {
	locker, mr := setupLocker(t, RedisOptions{TTL: time.Second})
	ctx := context.Background()
	key := ClinicKey(uuid.New())

	stale, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(key), "lock should have expired")

	fresh, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists(key), "stale release must not delete the new holder's lock")

	require.NoError(t, fresh(ctx))
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_ContextCanceledWhileWaiting(t *testing.T) {
	locker, _ := setupLocker(t, RedisOptions{TTL: time.Minute, Wait: time.Minute, Poll: 10 * time.Millisecond})
	key := ClinicKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	locker, _ := setupLocker(t, RedisOptions{TTL: 5 * time.Second, Wait: 5 * time.Second, Poll: time.Millisecond})
	key := ClinicKey(uuid.New())

	var (
		mu      sync.Mutex
		inside  int32
		maxSeen int32
		counter int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			release, err := locker.Acquire(ctx, key)
			if err != nil {
				return err
			}
			n := atomic.AddInt32(&inside, 1)
			mu.Lock()
			if n > maxSeen {
				maxSeen = n
			}
			counter++
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return release(ctx)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxSeen, "more than one holder inside the critical section")
	assert.Equal(t, 8, counter)
}

func TestRedisLocker_Lease(t *testing.T) {
	locker, _ := setupLocker(t, RedisOptions{TTL: 5 * time.Second})
	assert.Equal(t, 4500*time.Millisecond, locker.Lease())
	assert.Less(t, locker.Lease(), 5*time.Second)
}

func TestNop_NeverBlocks(t *testing.T) {
	var l Locker = Nop{}
	r1, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	r2, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.NoError(t, r1(context.Background()))
	assert.NoError(t, r2(context.Background()))
}

func TestClinicKey(t *testing.T) {
	id := uuid.MustParse("6f1c1d3e-1c1b-4a8e-9a59-2f6a7e0f3b11")
	assert.Equal(t, "clinic:6f1c1d3e-1c1b-4a8e-9a59-2f6a7e0f3b11:patient_id_lock", ClinicKey(id))
}
