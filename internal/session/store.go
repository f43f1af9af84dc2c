package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgellow/idfront/internal/log"
	gocache "github.com/patrickmn/go-cache"
)

// ErrEmptyID is returned for operations without a session id
var ErrEmptyID = errors.New("session id is required")

// Store persists session states. Get creates the state on first access and
// never returns nil. Update is an atomic read-modify-write: when fn fails
// nothing is written. fn may run more than once, so it must only derive its
// results from the state it is given.
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Update(ctx context.Context, id string, fn func(*State) error) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps states in process memory. Every access extends the
// session's lifetime by the TTL.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store whose sessions expire after ttl of
// inactivity
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{cache: gocache.New(ttl, time.Minute)}
}

// load returns the stored state, creating it if needed. Callers hold mu.
func (s *MemoryStore) load(id string) *State {
	if v, ok := s.cache.Get(id); ok {
		if state, ok := v.(*State); ok {
			return state
		}
	}
	log.LogTraceWithFields("session", "Creating session state", nil)
	return &State{}
}

// Get returns a copy of the state
func (s *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load(id)
	s.cache.SetDefault(id, state)
	return state.Clone(), nil
}

// Update applies fn to a copy of the state and stores it if fn succeeds
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*State) error) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.load(id).Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.cache.SetDefault(id, next)
	return nil
}

// Delete drops the state
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}
