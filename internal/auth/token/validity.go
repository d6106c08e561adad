package token

import "time"

// GraceWindow is subtracted from a token's expiry so that a token about to
// expire is refreshed before use instead of failing mid-call.
const GraceWindow = 5 * time.Minute

// Clock returns the current time.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// IsValid reports whether rec can be used at now. A record without an expiry
// is treated as missing data, not as valid forever.
func IsValid(rec *Record, now time.Time) bool {
	if rec == nil || rec.ExpiresAt.IsZero() {
		return false
	}
	return rec.ExpiresAt.After(now.Add(GraceWindow))
}

// Status classifies a record for display and diagnostics.
type Status string

const (
	StatusMissing    Status = "not_connected"
	StatusValid      Status = "valid"
	StatusNearExpiry Status = "near_expiry"
	StatusExpired    Status = "expired"
	StatusInactive   Status = "reconnect_required"
)

// Evaluate returns the validity status of rec at now.
func Evaluate(rec *Record, now time.Time) Status {
	switch {
	case rec == nil:
		return StatusMissing
	case !rec.IsActive:
		return StatusInactive
	case IsValid(rec, now):
		return StatusValid
	case rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now):
		return StatusExpired
	default:
		return StatusNearExpiry
	}
}
