package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Store.Get when no active record exists. It is
	// a normal outcome, not a failure.
	ErrNotFound = errors.New("token: record not found")
	// ErrStoreClosed is wrapped into a persistence error by stores whose
	// lifetime has ended.
	ErrStoreClosed = errors.New("token: store closed")
)

// Store persists token records keyed by (user email, provider). Backend
// failures are returned as apperr persistence errors and must never be
// folded into ErrNotFound.
type Store interface {
	// Save upserts rec, overwriting and reactivating any prior record for the
	// same key. ID and CreatedAt are filled in on rec.
	Save(ctx context.Context, rec *Record) error
	// Get returns the active record for the key or ErrNotFound.
	Get(ctx context.Context, userEmail string, provider Provider) (*Record, error)
	// Remove deactivates the record and wipes its credentials. Removing a
	// missing key is not an error.
	Remove(ctx context.Context, userEmail string, provider Provider) error
	// TouchLastUsed records a successful use of the credential.
	TouchLastUsed(ctx context.Context, userEmail string, provider Provider, at time.Time) error
	// ListActiveByProvider returns every active record for provider.
	ListActiveByProvider(ctx context.Context, provider Provider) ([]*Record, error)
	// ListByUser returns every record for the user, active or not.
	ListByUser(ctx context.Context, userEmail string) ([]*Record, error)
	// ClearProvider hard-deletes every record for provider.
	ClearProvider(ctx context.Context, provider Provider) (int64, error)
	// DeactivateProvider soft-deactivates every active record for provider.
	DeactivateProvider(ctx context.Context, provider Provider) (int64, error)
}

// HasValidTokens reports whether an active, unexpired record exists. A
// missing record and an expired one both yield false; callers that need to
// tell them apart use Get. Persistence failures are returned, never folded
// into false.
func HasValidTokens(ctx context.Context, s Store, userEmail string, provider Provider, now time.Time) (bool, error) {
	rec, err := s.Get(ctx, userEmail, provider)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return IsValid(rec, now), nil
}
