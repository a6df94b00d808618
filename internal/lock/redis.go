package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/cartengine/internal/domain"
)

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = 100 * time.Millisecond
)

// RedisLocker is a cluster-wide advisory locker. Each lease holds a random
// token so only its owner can release it, and carries a TTL so a crashed
// holder cannot block the cart forever.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a lease survives its
// holder; timeout bounds how long Acquire waits.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl, timeout time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "cart-engine"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, timeout: timeout}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	const op = "lock.acquire"
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	delay := minRetryDelay
	for {
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if err == nil && ok {
			return &redisLease{client: l.client, key: redisKey, token: token}, nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, domain.Internal(err, op, "failed to acquire cart lock")
		}

		jitter := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.ErrLockTimeout.WithOp(op)
		case <-time.After(delay/2 + jitter):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
	err    error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		l.err = redisReleaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
	return l.err
}
