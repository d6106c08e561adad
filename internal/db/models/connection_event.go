package models

import "time"

// ConnectionEvent is one audited token lifecycle transition.
type ConnectionEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"size:64;not null;index" json:"action"`
	UserEmail string    `gorm:"size:320;index" json:"user_email,omitempty"`
	Provider  string    `gorm:"size:64;index" json:"provider"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ConnectionEvent) TableName() string {
	return "connection_events"
}
