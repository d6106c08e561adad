package token

import (
	"context"
	"time"
)

// Audit actions recorded by the Manager.
const (
	ActionConnected       = "connected"
	ActionRefreshed       = "refreshed"
	ActionRefreshRejected = "refresh_rejected"
	ActionInvalidated     = "invalidated"
	ActionDisconnected    = "disconnected"
	ActionCleared         = "provider_cleared"
	ActionForceReauth     = "provider_force_reauth"
)

// AuditEvent describes one lifecycle transition. Credentials never appear in
// an event.
type AuditEvent struct {
	Action    string
	UserEmail string
	Provider  Provider
	Detail    string
	At        time.Time
}

// AuditSink receives lifecycle events. Failures are logged by the caller and
// never fail the operation being audited.
type AuditSink interface {
	RecordEvent(ctx context.Context, ev AuditEvent) error
}

type nopAudit struct{}

func (nopAudit) RecordEvent(context.Context, AuditEvent) error { return nil }
