// Package pg implements the token store and refresh lock directly on a pgx
// connection pool, for deployments that run Postgres without gorm.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool connects and pings.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const tokenColumns = `id, user_email, provider, access_token, refresh_token, expires_at,
	scopes, account_email, is_active, last_used_at, created_at, updated_at`

// Store is a token.Store over the oauth_tokens table.
type Store struct {
	pool Pool
	now  func() time.Time
}

func NewStore(pool Pool, clock token.Clock) *Store {
	s := &Store{pool: pool, now: clock}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) Save(ctx context.Context, rec *token.Record) error {
	now := s.now().UTC().Round(0)
	if err := token.PrepareSave(rec, now); err != nil {
		return err
	}
	scopes := rec.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	query := `
		INSERT INTO oauth_tokens (id, user_email, provider, access_token, refresh_token,
			expires_at, scopes, account_email, is_active, last_used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10, $10)
		ON CONFLICT (user_email, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			scopes        = EXCLUDED.scopes,
			account_email = EXCLUDED.account_email,
			is_active     = TRUE,
			last_used_at  = EXCLUDED.last_used_at,
			updated_at    = EXCLUDED.updated_at
		RETURNING id, created_at`

	var id string
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, query,
		uuid.New().String(), rec.UserEmail, string(rec.Provider), rec.AccessToken, rec.RefreshToken,
		rec.ExpiresAt, scopes, rec.AccountEmail, rec.LastUsed, now,
	).Scan(&id, &createdAt)
	if err != nil {
		return apperr.Persistence("save", fmt.Errorf("upsert token: %w", err))
	}
	rec.ID = id
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = now
	return nil
}

func (s *Store) Get(ctx context.Context, userEmail string, provider token.Provider) (*token.Record, error) {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + tokenColumns + `
		FROM oauth_tokens
		WHERE user_email = $1 AND provider = $2 AND is_active`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, key.UserEmail, string(key.Provider)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get", fmt.Errorf("get token: %w", err))
	}
	return rec, nil
}

func (s *Store) Remove(ctx context.Context, userEmail string, provider token.Provider) error {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}
	query := `
		UPDATE oauth_tokens
		SET is_active = FALSE, access_token = '', refresh_token = '', updated_at = $3
		WHERE user_email = $1 AND provider = $2`

	if _, err := s.pool.Exec(ctx, query, key.UserEmail, string(key.Provider), s.now().UTC()); err != nil {
		return apperr.Persistence("remove", fmt.Errorf("deactivate token: %w", err))
	}
	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, userEmail string, provider token.Provider, at time.Time) error {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}
	query := `
		UPDATE oauth_tokens SET last_used_at = $3
		WHERE user_email = $1 AND provider = $2 AND is_active`

	if _, err := s.pool.Exec(ctx, query, key.UserEmail, string(key.Provider), at.UTC()); err != nil {
		return apperr.Persistence("touch", fmt.Errorf("touch token: %w", err))
	}
	return nil
}

func (s *Store) ListActiveByProvider(ctx context.Context, provider token.Provider) ([]*token.Record, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + tokenColumns + `
		FROM oauth_tokens
		WHERE provider = $1 AND is_active
		ORDER BY user_email`
	return s.list(ctx, query, string(p))
}

func (s *Store) ListByUser(ctx context.Context, userEmail string) ([]*token.Record, error) {
	email, err := token.NormalizeEmail(userEmail)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + tokenColumns + `
		FROM oauth_tokens
		WHERE user_email = $1
		ORDER BY provider`
	return s.list(ctx, query, email)
}

func (s *Store) ClearProvider(ctx context.Context, provider token.Provider) (int64, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, string(p))
	if err != nil {
		return 0, apperr.Persistence("clear", fmt.Errorf("clear provider tokens: %w", err))
	}
	return ct.RowsAffected(), nil
}

func (s *Store) DeactivateProvider(ctx context.Context, provider token.Provider) (int64, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}
	query := `
		UPDATE oauth_tokens
		SET is_active = FALSE, access_token = '', refresh_token = '', updated_at = $2
		WHERE provider = $1 AND is_active`

	ct, err := s.pool.Exec(ctx, query, string(p), s.now().UTC())
	if err != nil {
		return 0, apperr.Persistence("deactivate", fmt.Errorf("deactivate provider tokens: %w", err))
	}
	return ct.RowsAffected(), nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*token.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence("list", fmt.Errorf("list tokens: %w", err))
	}
	defer rows.Close()

	var out []*token.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Persistence("list", fmt.Errorf("scan token: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list", fmt.Errorf("iterate tokens: %w", err))
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*token.Record, error) {
	var (
		rec      token.Record
		provider string
	)
	err := row.Scan(
		&rec.ID, &rec.UserEmail, &provider, &rec.AccessToken, &rec.RefreshToken, &rec.ExpiresAt,
		&rec.Scopes, &rec.AccountEmail, &rec.IsActive, &rec.LastUsed, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = token.Provider(provider)
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.LastUsed = rec.LastUsed.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
