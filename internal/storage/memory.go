package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/contentdesk/internal/emailutil"
	"github.com/google/uuid"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage is a simple storage layer - only stores and retrieves data
type MemoryStorage struct {
	identities      map[string]*Identity // map[email] = Identity
	identitiesMutex sync.RWMutex
	states          map[string]*OAuthState // map[state] = OAuthState
	statesMutex     sync.Mutex
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		identities: make(map[string]*Identity),
		states:     make(map[string]*OAuthState),
	}
}

// UpsertIdentity creates or updates an identity
func (s *MemoryStorage) UpsertIdentity(_ context.Context, in Identity) (*Identity, error) {
	email := emailutil.Normalize(in.Email)
	if in.LastLoginAt.IsZero() {
		in.LastLoginAt = time.Now()
	}

	s.identitiesMutex.Lock()
	defer s.identitiesMutex.Unlock()

	identity, exists := s.identities[email]
	if !exists {
		identity = &Identity{
			ID:        uuid.NewString(),
			Email:     email,
			CreatedAt: in.LastLoginAt,
		}
		s.identities[email] = identity
	}
	identity.Name = in.Name
	identity.PictureURL = in.PictureURL
	identity.LastLoginAt = in.LastLoginAt

	result := *identity
	return &result, nil
}

// GetIdentity returns the identity for an email
func (s *MemoryStorage) GetIdentity(_ context.Context, email string) (*Identity, error) {
	s.identitiesMutex.RLock()
	defer s.identitiesMutex.RUnlock()

	identity, exists := s.identities[emailutil.Normalize(email)]
	if !exists {
		return nil, ErrIdentityNotFound
	}
	result := *identity
	return &result, nil
}

// SaveState stores a new OAuth state
func (s *MemoryStorage) SaveState(_ context.Context, state *OAuthState) error {
	s.statesMutex.Lock()
	defer s.statesMutex.Unlock()

	if _, exists := s.states[state.State]; exists {
		return ErrStateExists
	}
	stored := *state
	s.states[state.State] = &stored
	return nil
}

// ConsumeState marks a state used if it is still redeemable
func (s *MemoryStorage) ConsumeState(_ context.Context, state string, now time.Time) (*OAuthState, error) {
	s.statesMutex.Lock()
	defer s.statesMutex.Unlock()

	stored, exists := s.states[state]
	if !exists || !stored.Redeemable(now) {
		return nil, ErrStateNotFound
	}
	stored.Used = true

	result := *stored
	return &result, nil
}

// PurgeStates removes expired and used states
func (s *MemoryStorage) PurgeStates(_ context.Context, now time.Time) (int, error) {
	s.statesMutex.Lock()
	defer s.statesMutex.Unlock()

	count := 0
	for key, stored := range s.states {
		if !stored.Redeemable(now) {
			delete(s.states, key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
