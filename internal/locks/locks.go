// Package locks provides the per-key mutual exclusion used around token
// refresh. Local serializes within one process; Redis and the Postgres
// advisory locker in internal/db/pg serialize across instances.
package locks

import (
	"context"
	"sync"
	"time"
)

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires an exclusive lock on key. Acquisition blocks until the lock
// is free or ctx is done. ttl bounds how long a crashed holder can keep the
// lock; backends without expiry ignore it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// Local is an in-process Locker keyed by string. Idle keys are dropped once
// their last waiter leaves.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
		return nil
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held reports the number of keys with a holder or waiter.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
