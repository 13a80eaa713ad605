// Package lock serializes patient-ID allocation per clinic across server
// instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stayed held by someone else for
// the whole wait period.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLeaseExpired is the cancellation cause of work that outran the lease
// of the lock guarding it.
var ErrLeaseExpired = errors.New("lock lease expired")

// Release gives the lock back. Releasing a lock that already expired is not
// an error.
type Release func(ctx context.Context) error

// Locker hands out named mutual-exclusion locks.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// ClinicKey is the lock name guarding allocation for one clinic.
func ClinicKey(clinicRef uuid.UUID) string {
	return "clinic:" + clinicRef.String() + ":patient_id_lock"
}

// Nop never blocks. It is used when LOCK_ENABLED is false and the unique
// constraint alone guards against duplicates.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked delete.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// RedisOptions tunes a RedisLocker.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can block the clinic.
	TTL time.Duration
	// Wait is how long Acquire polls before giving up with ErrNotAcquired.
	Wait time.Duration
	// Poll is the delay between attempts. Defaults to 25ms.
	Poll time.Duration
}

func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 25 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		ttl:    opts.TTL,
		wait:   opts.Wait,
		poll:   opts.Poll,
	}
}

// Lease is how long a holder may work under the lock: the TTL less a tenth
// for clock drift and the release round trip.
func (l *RedisLocker) Lease() time.Duration {
	return l.ttl - l.ttl/10
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.releaser(key, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) releaser(key, token string) Release {
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}
}

// NewClient connects to REDIS_URL and pings it.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
