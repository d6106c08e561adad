// Package tokentest holds the behavioral contract every token.Store backend
// must satisfy.
package tokentest

import (
	"context"
	"testing"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewStoreFunc returns an empty store for one subtest.
type NewStoreFunc func(t *testing.T) token.Store

// RunStoreContract runs the shared store suite against newStore.
func RunStoreContract(t *testing.T, newStore NewStoreFunc) {
	t.Run("SaveThenGet", func(t *testing.T) { testSaveThenGet(t, newStore(t)) })
	t.Run("SaveOverwritesSameKey", func(t *testing.T) { testSaveOverwrites(t, newStore(t)) })
	t.Run("SaveRejectsExpired", func(t *testing.T) { testSaveRejectsExpired(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("RemoveIsSoftAndIdempotent", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("SaveReactivates", func(t *testing.T) { testSaveReactivates(t, newStore(t)) })
	t.Run("TouchLastUsed", func(t *testing.T) { testTouchLastUsed(t, newStore(t)) })
	t.Run("ListActiveByProvider", func(t *testing.T) { testListActiveByProvider(t, newStore(t)) })
	t.Run("ClearProvider", func(t *testing.T) { testClearProvider(t, newStore(t)) })
	t.Run("DeactivateProvider", func(t *testing.T) { testDeactivateProvider(t, newStore(t)) })
	t.Run("HasValidTokens", func(t *testing.T) { testHasValidTokens(t, newStore(t)) })
}

// NewRecord returns an active record expiring in ttl.
func NewRecord(email string, provider token.Provider, access string, ttl time.Duration) *token.Record {
	return &token.Record{
		UserEmail:    email,
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    time.Now().Add(ttl),
		Scopes:       []string{"openid", "email"},
		AccountEmail: "agent@gmail.com",
	}
}

func testSaveThenGet(t *testing.T, s token.Store) {
	ctx := context.Background()
	rec := NewRecord("  Agent@Example.COM ", "gmail", "access-1", time.Hour)
	require.NoError(t, s.Save(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "agent@example.com", rec.UserEmail)
	assert.Equal(t, token.ProviderGoogle, rec.Provider)

	got, err := s.Get(ctx, "AGENT@example.com", "google")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-access-1", got.RefreshToken)
	assert.Equal(t, []string{"openid", "email"}, got.Scopes)
	assert.Equal(t, "agent@gmail.com", got.AccountEmail)
	assert.True(t, got.IsActive)
	assert.WithinDuration(t, rec.ExpiresAt, got.ExpiresAt, time.Second)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.LastUsed.IsZero())
}

func testSaveOverwrites(t *testing.T, s token.Store) {
	ctx := context.Background()
	first := NewRecord("agent@example.com", token.ProviderGoogle, "access-1", time.Hour)
	require.NoError(t, s.Save(ctx, first))

	second := NewRecord("agent@example.com", token.ProviderGoogle, "access-2", 2*time.Hour)
	second.RefreshToken = ""
	require.NoError(t, s.Save(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := s.Get(ctx, "agent@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Empty(t, got.RefreshToken)

	all, err := s.ListByUser(ctx, "agent@example.com")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testSaveRejectsExpired(t *testing.T, s token.Store) {
	ctx := context.Background()
	rec := NewRecord("agent@example.com", token.ProviderGoogle, "access-1", -time.Minute)
	err := s.Save(ctx, rec)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = s.Get(ctx, "agent@example.com", token.ProviderGoogle)
	assert.ErrorIs(t, err, token.ErrNotFound)

	err = s.Save(ctx, NewRecord("", token.ProviderGoogle, "access-1", time.Hour))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func testGetMissing(t *testing.T, s token.Store) {
	_, err := s.Get(context.Background(), "nobody@example.com", token.ProviderMicrosoft)
	assert.ErrorIs(t, err, token.ErrNotFound)
	assert.False(t, apperr.Is(err, apperr.KindPersistence))
}

func testRemove(t *testing.T, s token.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, NewRecord("agent@example.com", token.ProviderGoogle, "access-1", time.Hour)))

	require.NoError(t, s.Remove(ctx, "agent@example.com", token.ProviderGoogle))
	require.NoError(t, s.Remove(ctx, "agent@example.com", token.ProviderGoogle))
	require.NoError(t, s.Remove(ctx, "ghost@example.com", token.ProviderGoogle))

	_, err := s.Get(ctx, "agent@example.com", token.ProviderGoogle)
	assert.ErrorIs(t, err, token.ErrNotFound)

	all, err := s.ListByUser(ctx, "agent@example.com")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
	assert.Empty(t, all[0].AccessToken)
	assert.Empty(t, all[0].RefreshToken)
}

func testSaveReactivates(t *testing.T, s token.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, NewRecord("agent@example.com", token.ProviderGoogle, "access-1", time.Hour)))
	require.NoError(t, s.Remove(ctx, "agent@example.com", token.ProviderGoogle))

	require.NoError(t, s.Save(ctx, NewRecord("agent@example.com", token.ProviderGoogle, "access-2", time.Hour)))
	got, err := s.Get(ctx, "agent@example.com", token.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, "access-2", got.AccessToken)
}

func testTouchLastUsed(t *testing.T, s token.Store) {
	ctx := context.Background()
	rec := NewRecord("agent@example.com", token.ProviderMicrosoft, "access-1", time.Hour)
	rec.LastUsed = time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.Save(ctx, rec))

	at := time.Now().Add(-time.Minute)
	require.NoError(t, s.TouchLastUsed(ctx, "agent@example.com", token.ProviderMicrosoft, at))
	require.NoError(t, s.TouchLastUsed(ctx, "ghost@example.com", token.ProviderMicrosoft, at))

	got, err := s.Get(ctx, "agent@example.com", token.ProviderMicrosoft)
	require.NoError(t, err)
	assert.WithinDuration(t, at, got.LastUsed, time.Second)
	assert.Equal(t, "access-1", got.AccessToken)
}

func testListActiveByProvider(t *testing.T, s token.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, NewRecord("b@example.com", token.ProviderGoogle, "b", time.Hour)))
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderGoogle, "a", time.Hour)))
	require.NoError(t, s.Save(ctx, NewRecord("c@example.com", token.ProviderGoogle, "c", time.Hour)))
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderMicrosoft, "ms", time.Hour)))
	require.NoError(t, s.Remove(ctx, "c@example.com", token.ProviderGoogle))

	recs, err := s.ListActiveByProvider(ctx, token.ProviderGoogle)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a@example.com", recs[0].UserEmail)
	assert.Equal(t, "b@example.com", recs[1].UserEmail)
	for _, rec := range recs {
		assert.True(t, rec.IsActive)
		assert.Equal(t, token.ProviderGoogle, rec.Provider)
	}
}

func testClearProvider(t *testing.T, s token.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderGoogle, "a", time.Hour)))
	require.NoError(t, s.Save(ctx, NewRecord("b@example.com", token.ProviderGoogle, "b", time.Hour)))
	require.NoError(t, s.Remove(ctx, "b@example.com", token.ProviderGoogle))
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderFollowUpBoss, "key", time.Hour)))

	n, err := s.ClearProvider(ctx, token.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := s.ListByUser(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = s.Get(ctx, "a@example.com", token.ProviderFollowUpBoss)
	assert.NoError(t, err)
}

func testDeactivateProvider(t *testing.T, s token.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderMicrosoft, "a", time.Hour)))
	require.NoError(t, s.Save(ctx, NewRecord("b@example.com", token.ProviderMicrosoft, "b", time.Hour)))
	require.NoError(t, s.Remove(ctx, "b@example.com", token.ProviderMicrosoft))
	require.NoError(t, s.Save(ctx, NewRecord("a@example.com", token.ProviderGoogle, "g", time.Hour)))

	n, err := s.DeactivateProvider(ctx, token.ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.ListActiveByProvider(ctx, token.ProviderMicrosoft)
	require.NoError(t, err)
	assert.Empty(t, recs)

	all, err := s.ListByUser(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Get(ctx, "a@example.com", token.ProviderGoogle)
	assert.NoError(t, err)
}

func testHasValidTokens(t *testing.T, s token.Store) {
	ctx := context.Background()
	now := time.Now()

	ok, err := token.HasValidTokens(ctx, s, "agent@example.com", token.ProviderGoogle, now)
	require.NoError(t, err)
	assert.False(t, ok, "missing record is not valid")

	require.NoError(t, s.Save(ctx, NewRecord("agent@example.com", token.ProviderGoogle, "soon", 2*time.Minute)))
	ok, err = token.HasValidTokens(ctx, s, "agent@example.com", token.ProviderGoogle, now)
	require.NoError(t, err)
	assert.False(t, ok, "record inside the grace window is not valid")

	require.NoError(t, s.Save(ctx, NewRecord("agent@example.com", token.ProviderGoogle, "fresh", time.Hour)))
	ok, err = token.HasValidTokens(ctx, s, "agent@example.com", token.ProviderGoogle, now)
	require.NoError(t, err)
	assert.True(t, ok)
}
