package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/pysugar/portal-connect/internal/locks"
)

// AdvisoryLocker serializes refreshes across instances with a transaction
// scoped advisory lock. The lock is released when the transaction ends, so a
// crashed holder never leaks it.
type AdvisoryLocker struct {
	pool Pool
}

func NewAdvisoryLocker(pool Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string, ttl time.Duration) (locks.Unlock, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ttl.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("acquire advisory lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("release advisory lock %s: %w", key, err)
		}
		return nil
	}, nil
}
