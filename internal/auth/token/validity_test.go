package token

import (
	"testing"
	"time"
)

func TestIsValid_GraceWindowBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "exactly at grace boundary", expiresAt: now.Add(GraceWindow), want: false},
		{name: "one millisecond past boundary", expiresAt: now.Add(GraceWindow + time.Millisecond), want: true},
		{name: "inside grace window", expiresAt: now.Add(2 * time.Minute), want: false},
		{name: "already expired", expiresAt: now.Add(-time.Minute), want: false},
		{name: "an hour left", expiresAt: now.Add(time.Hour), want: true},
		{name: "zero expiry", expiresAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{ExpiresAt: tt.expiresAt, IsActive: true}
			if got := IsValid(rec, now); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if IsValid(nil, now) {
		t.Fatal("nil record must not be valid")
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  *Record
		want Status
	}{
		{name: "missing", rec: nil, want: StatusMissing},
		{name: "inactive", rec: &Record{ExpiresAt: now.Add(time.Hour)}, want: StatusInactive},
		{name: "valid", rec: &Record{ExpiresAt: now.Add(time.Hour), IsActive: true}, want: StatusValid},
		{name: "near expiry", rec: &Record{ExpiresAt: now.Add(time.Minute), IsActive: true}, want: StatusNearExpiry},
		{name: "expired", rec: &Record{ExpiresAt: now.Add(-time.Second), IsActive: true}, want: StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.rec, now); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
