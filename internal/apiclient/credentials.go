// Package apiclient calls the backend API on behalf of a signed-in user and
// refreshes the user's credentials when the backend rejects them.
package apiclient

import (
	"sync"
)

// Credentials are the tokens a client presents to the backend API. Which
// of AccessToken and IDToken is sent as the bearer depends on how the
// backend verifies sessions.
type Credentials struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
}

func (c Credentials) signedIn() bool {
	return c.AccessToken != "" || c.IDToken != ""
}

// CredentialStore holds the current credentials of one client
type CredentialStore interface {
	// Load returns the current credentials, or false when the client is
	// signed out
	Load() (Credentials, bool)
	Save(creds Credentials)
	Clear()
}

// MemoryCredentialStore is a CredentialStore for a single process
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
	ok    bool
}

// NewMemoryCredentialStore returns a store holding creds. Credentials
// without an access or id token mean signed out.
func NewMemoryCredentialStore(creds Credentials) *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: creds, ok: creds.signedIn()}
}

func (s *MemoryCredentialStore) Load() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.ok
}

func (s *MemoryCredentialStore) Save(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.ok = creds.signedIn()
}

func (s *MemoryCredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.ok = false
}
