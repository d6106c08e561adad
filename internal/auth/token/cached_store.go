package token

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore is a read-through cache in front of another Store. Only active
// records read from the backend are cached. Every write through the decorator
// advances the key's generation before and after it reaches the backend, and
// a read only fills the cache when the generation it started with is still
// current, so a reader never repopulates a record that this process is
// removing or replacing. Writes made by other instances become visible once
// the entry expires; the refresh path calls Forget before re-reading under
// the cross-instance lock.
type CachedStore struct {
	next  Store
	cache *gocache.Cache

	mu    sync.Mutex
	gens  map[string]uint64
	epoch uint64 // advanced by provider-wide writes
}

// NewCachedStore wraps next with a cache whose entries live for ttl.
func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
		gens:  make(map[string]uint64),
	}
}

// Forget evicts the cached entry for the key, if any, and discards any
// backend read for it that is still in flight.
func (s *CachedStore) Forget(userEmail string, provider Provider) {
	if key, err := NewKey(userEmail, string(provider)); err == nil {
		s.invalidate(key.String())
	}
}

func (s *CachedStore) invalidate(key string) {
	s.mu.Lock()
	s.gens[key]++
	s.cache.Delete(key)
	s.mu.Unlock()
}

func (s *CachedStore) invalidateAll() {
	s.mu.Lock()
	s.epoch++
	s.cache.Flush()
	s.mu.Unlock()
}

// write runs fn with the key invalidated on both sides of the backend call.
func (s *CachedStore) write(userEmail string, provider Provider, fn func() error) error {
	key, err := NewKey(userEmail, string(provider))
	if err != nil {
		return fn()
	}
	s.invalidate(key.String())
	defer s.invalidate(key.String())
	return fn()
}

func (s *CachedStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return s.next.Save(ctx, rec)
	}
	return s.write(rec.UserEmail, rec.Provider, func() error {
		return s.next.Save(ctx, rec)
	})
}

func (s *CachedStore) Get(ctx context.Context, userEmail string, provider Provider) (*Record, error) {
	key, err := NewKey(userEmail, string(provider))
	if err != nil {
		return nil, err
	}
	k := key.String()

	s.mu.Lock()
	if v, ok := s.cache.Get(k); ok {
		s.mu.Unlock()
		return v.(*Record).Clone(), nil
	}
	gen, epoch := s.gens[k], s.epoch
	s.mu.Unlock()

	rec, err := s.next.Get(ctx, key.UserEmail, key.Provider)
	if err != nil {
		return nil, err
	}
	if rec.IsActive {
		s.mu.Lock()
		if s.gens[k] == gen && s.epoch == epoch {
			s.cache.SetDefault(k, rec.Clone())
		}
		s.mu.Unlock()
	}
	return rec, nil
}

func (s *CachedStore) Remove(ctx context.Context, userEmail string, provider Provider) error {
	return s.write(userEmail, provider, func() error {
		return s.next.Remove(ctx, userEmail, provider)
	})
}

func (s *CachedStore) TouchLastUsed(ctx context.Context, userEmail string, provider Provider, at time.Time) error {
	return s.write(userEmail, provider, func() error {
		return s.next.TouchLastUsed(ctx, userEmail, provider, at)
	})
}

func (s *CachedStore) ListActiveByProvider(ctx context.Context, provider Provider) ([]*Record, error) {
	return s.next.ListActiveByProvider(ctx, provider)
}

func (s *CachedStore) ListByUser(ctx context.Context, userEmail string) ([]*Record, error) {
	return s.next.ListByUser(ctx, userEmail)
}

func (s *CachedStore) ClearProvider(ctx context.Context, provider Provider) (int64, error) {
	s.invalidateAll()
	defer s.invalidateAll()
	return s.next.ClearProvider(ctx, provider)
}

func (s *CachedStore) DeactivateProvider(ctx context.Context, provider Provider) (int64, error) {
	s.invalidateAll()
	defer s.invalidateAll()
	return s.next.DeactivateProvider(ctx, provider)
}
