package token_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/auth/token/tokentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	tokentest.RunStoreContract(t, func(t *testing.T) token.Store {
		s := token.NewMemoryStore(nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCachedStoreContract(t *testing.T) {
	tokentest.RunStoreContract(t, func(t *testing.T) token.Store {
		return token.NewCachedStore(token.NewMemoryStore(nil), time.Minute)
	})
}

func TestMemoryStore_ClosedFailsWithPersistenceError(t *testing.T) {
	ctx := context.Background()
	s := token.NewMemoryStore(nil)
	require.NoError(t, s.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "at", time.Hour)))
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.ErrorIs(t, err, token.ErrStoreClosed)
	assert.NotErrorIs(t, err, token.ErrNotFound)

	ok, err := token.HasValidTokens(ctx, s, "a@example.com", token.ProviderGoogle, time.Now())
	assert.False(t, ok)
	assert.True(t, apperr.Is(err, apperr.KindPersistence), "persistence failure must not fold into false")

	err = s.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "at", time.Hour))
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
}

func TestCachedStore_ServesReadsFromCache(t *testing.T) {
	ctx := context.Background()
	backend := token.NewMemoryStore(nil)
	cached := token.NewCachedStore(backend, time.Minute)

	require.NoError(t, cached.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "v1", time.Hour)))
	got, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.AccessToken)

	// A write that bypasses the decorator, as another instance would.
	require.NoError(t, backend.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "v2", time.Hour)))

	got, err = cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.AccessToken)

	cached.Forget("A@example.com", "gmail")
	got, err = cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.AccessToken)

	// Mutating a returned record must not corrupt the cache.
	got.AccessToken = "mutated"
	again, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "v2", again.AccessToken)
}

func TestCachedStore_BulkOperationsFlush(t *testing.T) {
	ctx := context.Background()
	cached := token.NewCachedStore(token.NewMemoryStore(nil), time.Minute)
	require.NoError(t, cached.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "v1", time.Hour)))
	_, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	require.NoError(t, err)

	n, err := cached.DeactivateProvider(ctx, token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	assert.ErrorIs(t, err, token.ErrNotFound)
}

// gatedStore pauses the first Get after it has read the backend, until the
// test releases it.
type gatedStore struct {
	token.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, userEmail string, provider token.Provider) (*token.Record, error) {
	rec, err := g.Store.Get(ctx, userEmail, provider)
	g.once.Do(func() {
		close(g.read)
		<-g.release
	})
	return rec, err
}

func TestCachedStore_RemoveDuringReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	backend := &gatedStore{
		Store:   token.NewMemoryStore(nil),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	require.NoError(t, backend.Store.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "v1", time.Hour)))
	cached := token.NewCachedStore(backend, time.Minute)

	type result struct {
		rec *token.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
		done <- result{rec, err}
	}()

	<-backend.read
	require.NoError(t, cached.Remove(ctx, "a@example.com", token.ProviderGoogle))
	close(backend.release)

	// The in-flight read saw the row before it was removed.
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "v1", r.rec.AccessToken)

	_, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestCachedStore_ProviderWriteDuringReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	backend := &gatedStore{
		Store:   token.NewMemoryStore(nil),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	require.NoError(t, backend.Store.Save(ctx, tokentest.NewRecord("a@example.com", token.ProviderGoogle, "v1", time.Hour)))
	cached := token.NewCachedStore(backend, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := cached.Get(ctx, "a@example.com", token.ProviderGoogle)
		done <- err
	}()

	<-backend.read
	_, err := cached.DeactivateProvider(ctx, token.ProviderGoogle)
	require.NoError(t, err)
	close(backend.release)
	require.NoError(t, <-done)

	_, err = cached.Get(ctx, "a@example.com", token.ProviderGoogle)
	assert.ErrorIs(t, err, token.ErrNotFound)
}
