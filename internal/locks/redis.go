package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// Redis is a cross-instance Locker built on the Redlock implementation in
// go-redsync. Waiting is bounded by ctx and by the retry budget.
type Redis struct {
	rs         *redsync.Redsync
	tries      int
	retryDelay time.Duration
}

// NewRedis creates a Locker backed by client.
func NewRedis(client goredislib.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	return &Redis{
		rs:         redsync.New(goredis.NewPool(client)),
		tries:      64,
		retryDelay: 100 * time.Millisecond,
	}, nil
}

func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	mutex := r.rs.NewMutex(
		fmt.Sprintf("lock:%s", key),
		redsync.WithExpiry(ttl),
		redsync.WithTries(r.tries),
		redsync.WithRetryDelay(r.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("release lock %s: lock expired before release", key)
		}
		return nil
	}, nil
}
