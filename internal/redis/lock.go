package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("capacity lock not acquired")
)

// Locker guards the booking critical section per capacity so two processes
// cannot both run the check-and-decrement sequence for the same capacity.
type Locker interface {
	WithCapacityLock(ctx context.Context, capacityID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisCapacityLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCapacityLocker creates a locker that uses a per capacity Redis key
func NewRedisCapacityLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisCapacityLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisCapacityLocker) WithCapacityLock(ctx context.Context, capacityID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:capacity:%s", capacityID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire capacity lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisCapacityLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release capacity lock: %w", err)
	}
	return nil
}
