package db

import (
	"context"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/db/models"
	"gorm.io/gorm"
)

// AuditLog persists token lifecycle events to connection_events.
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (a *AuditLog) RecordEvent(ctx context.Context, ev token.AuditEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return a.db.WithContext(ctx).Create(&models.ConnectionEvent{
		Action:    ev.Action,
		UserEmail: ev.UserEmail,
		Provider:  string(ev.Provider),
		Detail:    ev.Detail,
		CreatedAt: at.UTC(),
	}).Error
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	UserEmail string
	Provider  string
	Limit     int
}

// ListEvents returns events newest first.
func (a *AuditLog) ListEvents(ctx context.Context, f EventFilter) ([]models.ConnectionEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Model(&models.ConnectionEvent{})
	if f.UserEmail != "" {
		q = q.Where("user_email = ?", f.UserEmail)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	var events []models.ConnectionEvent
	if err := q.Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, apperr.Persistence("list events", err)
	}
	return events, nil
}
