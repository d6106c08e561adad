package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	goredislib "github.com/redis/go-redis/v9"
)

// Pending is an authorization started by Begin and not yet completed.
type Pending struct {
	UserEmail string `json:"user_email"`
	Provider  string `json:"provider"`
	ReturnTo  string `json:"return_to,omitempty"`
}

// StateStore holds pending authorizations keyed by the OAuth state value.
// Take must remove the entry so a state can be completed once.
type StateStore interface {
	Put(ctx context.Context, state string, p Pending, ttl time.Duration) error
	Take(ctx context.Context, state string) (Pending, bool, error)
}

// MemoryStates keeps state in process. Callbacks must reach the instance
// that issued the redirect.
type MemoryStates struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{cache: cache.New(defaultStateTTL, time.Minute)}
}

func (s *MemoryStates) Put(_ context.Context, state string, p Pending, ttl time.Duration) error {
	s.cache.Set(state, p, ttl)
	return nil
}

func (s *MemoryStates) Take(_ context.Context, state string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(state)
	if !ok {
		return Pending{}, false, nil
	}
	s.cache.Delete(state)
	return v.(Pending), true, nil
}

// RedisStates shares pending authorizations between instances.
type RedisStates struct {
	client goredislib.UniversalClient
	prefix string
}

func NewRedisStates(client goredislib.UniversalClient) *RedisStates {
	return &RedisStates{client: client, prefix: "portal:oauth-state:"}
}

func (s *RedisStates) Put(ctx context.Context, state string, p Pending, ttl time.Duration) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+state, body, ttl).Err()
}

func (s *RedisStates) Take(ctx context.Context, state string) (Pending, bool, error) {
	body, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, goredislib.Nil) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, err
	}
	var p Pending
	if err := json.Unmarshal(body, &p); err != nil {
		return Pending{}, false, err
	}
	return p, true, nil
}
