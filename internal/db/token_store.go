package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenStore is the gorm-backed token.Store over the oauth_tokens table.
type TokenStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTokenStore creates a store over db. A nil clock uses time.Now.
func NewTokenStore(db *gorm.DB, clock token.Clock) *TokenStore {
	s := &TokenStore{db: db, now: clock}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *TokenStore) Save(ctx context.Context, rec *token.Record) error {
	now := s.now().UTC().Round(0)
	if err := token.PrepareSave(rec, now); err != nil {
		return err
	}
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return apperr.Validationf("invalid scopes: %v", err)
	}

	row := models.OAuthToken{
		ID:           uuid.New().String(),
		UserEmail:    rec.UserEmail,
		Provider:     string(rec.Provider),
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
		Scopes:       string(scopes),
		AccountEmail: rec.AccountEmail,
		IsActive:     true,
		LastUsedAt:   rec.LastUsed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_email"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at", "scopes",
			"account_email", "is_active", "last_used_at", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return apperr.Persistence("save", err)
	}

	// The upsert keeps the original id on conflict.
	var stored models.OAuthToken
	if err := s.keyQuery(ctx, rec.UserEmail, rec.Provider).First(&stored).Error; err != nil {
		return apperr.Persistence("save", err)
	}
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt.UTC()
	rec.UpdatedAt = now
	return nil
}

func (s *TokenStore) Get(ctx context.Context, userEmail string, provider token.Provider) (*token.Record, error) {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return nil, err
	}
	var row models.OAuthToken
	err = s.keyQuery(ctx, key.UserEmail, key.Provider).Where("is_active = ?", true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get", err)
	}
	return toRecord(row), nil
}

func (s *TokenStore) Remove(ctx context.Context, userEmail string, provider token.Provider) error {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}
	err = s.keyQuery(ctx, key.UserEmail, key.Provider).Updates(deactivation(s.now())).Error
	if err != nil {
		return apperr.Persistence("remove", err)
	}
	return nil
}

func (s *TokenStore) TouchLastUsed(ctx context.Context, userEmail string, provider token.Provider, at time.Time) error {
	key, err := token.NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}
	err = s.keyQuery(ctx, key.UserEmail, key.Provider).
		Where("is_active = ?", true).
		UpdateColumn("last_used_at", at.UTC().Round(0)).Error
	if err != nil {
		return apperr.Persistence("touch", err)
	}
	return nil
}

func (s *TokenStore) ListActiveByProvider(ctx context.Context, provider token.Provider) ([]*token.Record, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return nil, err
	}
	var rows []models.OAuthToken
	err = s.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", string(p), true).
		Order("user_email").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence("list", err)
	}
	return toRecords(rows), nil
}

func (s *TokenStore) ListByUser(ctx context.Context, userEmail string) ([]*token.Record, error) {
	email, err := token.NormalizeEmail(userEmail)
	if err != nil {
		return nil, err
	}
	var rows []models.OAuthToken
	err = s.db.WithContext(ctx).
		Where("user_email = ?", email).
		Order("provider").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence("list", err)
	}
	return toRecords(rows), nil
}

func (s *TokenStore) ClearProvider(ctx context.Context, provider token.Provider) (int64, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("provider = ?", string(p)).Delete(&models.OAuthToken{})
	if res.Error != nil {
		return 0, apperr.Persistence("clear", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *TokenStore) DeactivateProvider(ctx context.Context, provider token.Provider) (int64, error) {
	p, err := token.ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("provider = ? AND is_active = ?", string(p), true).
		Updates(deactivation(s.now()))
	if res.Error != nil {
		return 0, apperr.Persistence("deactivate", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *TokenStore) keyQuery(ctx context.Context, userEmail string, provider token.Provider) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("user_email = ? AND provider = ?", userEmail, string(provider))
}

func deactivation(now time.Time) map[string]any {
	return map[string]any{
		"is_active":     false,
		"access_token":  "",
		"refresh_token": "",
		"updated_at":    now.UTC().Round(0),
	}
}

func toRecord(row models.OAuthToken) *token.Record {
	rec := &token.Record{
		ID:           row.ID,
		UserEmail:    row.UserEmail,
		Provider:     token.Provider(row.Provider),
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt.UTC(),
		AccountEmail: row.AccountEmail,
		CreatedAt:    row.CreatedAt.UTC(),
		LastUsed:     row.LastUsedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		IsActive:     row.IsActive,
	}
	if row.Scopes != "" {
		_ = json.Unmarshal([]byte(row.Scopes), &rec.Scopes)
	}
	return rec
}

func toRecords(rows []models.OAuthToken) []*token.Record {
	out := make([]*token.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out
}
