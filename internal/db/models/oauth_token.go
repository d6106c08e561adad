package models

import "time"

// OAuthToken stores one provider credential for a portal user. The pair
// (UserEmail, Provider) is unique; deactivated rows keep their identity and
// timestamps but not their credentials.
type OAuthToken struct {
	ID           string    `gorm:"primaryKey;size:36"` // UUID
	UserEmail    string    `gorm:"size:320;not null;uniqueIndex:idx_token_user_provider,priority:1;index"`
	Provider     string    `gorm:"size:64;not null;uniqueIndex:idx_token_user_provider,priority:2;index"` // e.g., "google", "followupboss"
	AccessToken  string    `gorm:"type:text"`
	RefreshToken string    `gorm:"type:text"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	Scopes       string    `gorm:"type:text"` // JSON array of granted scopes
	AccountEmail string    `gorm:"size:320"`
	IsActive     bool      `gorm:"not null;index"`
	LastUsedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (OAuthToken) TableName() string {
	return "oauth_tokens"
}
