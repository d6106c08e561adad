package token

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/portal-connect/internal/apperr"
)

// MemoryStore is a process-local Store. Its lifetime is owned by whoever
// constructs it: after Close every operation fails with a persistence error.
// Records do not survive a restart and are not shared between instances, so
// it is meant for tests and single-process development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
	closed  bool
	now     Clock
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*Record),
		now:     clock.orDefault(),
	}
}

// Close ends the store's lifetime and drops all records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func (s *MemoryStore) checkOpen(op string) error {
	if s.closed {
		return apperr.Persistence(op, ErrStoreClosed)
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	now := s.now().UTC().Round(0)
	if err := PrepareSave(rec, now); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("save"); err != nil {
		return err
	}

	key := rec.Key()
	if prev, ok := s.records[key]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userEmail string, provider Provider) (*Record, error) {
	key, err := NewKey(userEmail, string(provider))
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get"); err != nil {
		return nil, err
	}

	rec, ok := s.records[key]
	if !ok || !rec.IsActive {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Remove(_ context.Context, userEmail string, provider Provider) error {
	key, err := NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("remove"); err != nil {
		return err
	}

	if rec, ok := s.records[key]; ok {
		deactivate(rec, s.now())
	}
	return nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, userEmail string, provider Provider, at time.Time) error {
	key, err := NewKey(userEmail, string(provider))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("touch"); err != nil {
		return err
	}

	if rec, ok := s.records[key]; ok && rec.IsActive {
		rec.LastUsed = at.UTC().Round(0)
	}
	return nil
}

func (s *MemoryStore) ListActiveByProvider(_ context.Context, provider Provider) ([]*Record, error) {
	p, err := ParseProvider(string(provider))
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}

	var out []*Record
	for key, rec := range s.records {
		if key.Provider == p && rec.IsActive {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userEmail string) ([]*Record, error) {
	email, err := NormalizeEmail(userEmail)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}

	var out []*Record
	for key, rec := range s.records {
		if key.UserEmail == email {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ClearProvider(_ context.Context, provider Provider) (int64, error) {
	p, err := ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("clear"); err != nil {
		return 0, err
	}

	var n int64
	for key := range s.records {
		if key.Provider == p {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeactivateProvider(_ context.Context, provider Provider) (int64, error) {
	p, err := ParseProvider(string(provider))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("deactivate"); err != nil {
		return 0, err
	}

	var n int64
	now := s.now()
	for key, rec := range s.records {
		if key.Provider == p && rec.IsActive {
			deactivate(rec, now)
			n++
		}
	}
	return n, nil
}

func deactivate(rec *Record, now time.Time) {
	rec.IsActive = false
	rec.AccessToken = ""
	rec.RefreshToken = ""
	rec.UpdatedAt = now.UTC().Round(0)
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UserEmail != recs[j].UserEmail {
			return recs[i].UserEmail < recs[j].UserEmail
		}
		return recs[i].Provider < recs[j].Provider
	})
}
