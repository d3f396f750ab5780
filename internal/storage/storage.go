package storage

import (
	"context"
	"errors"
	"time"
)

// ErrIdentityNotFound is returned when no identity exists for an email
var ErrIdentityNotFound = errors.New("identity not found")

// ErrStateNotFound is returned when a state is unknown, expired or already used.
// Callers cannot tell the three cases apart.
var ErrStateNotFound = errors.New("oauth state not found")

// ErrStateExists is returned when saving a state value that is already stored
var ErrStateExists = errors.New("oauth state already exists")

// Identity is a user known to the application, keyed by normalized email
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	PictureURL  string    `json:"pictureUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

// OAuthState binds one authorization flow to the browser that started it.
// It is valid for a short time and can be consumed once.
type OAuthState struct {
	State     string    `json:"state"`
	Platform  string    `json:"platform"`
	UserEmail string    `json:"userEmail,omitempty"`
	ReturnTo  string    `json:"returnTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// Redeemable reports whether the state can still be consumed at now
func (s *OAuthState) Redeemable(now time.Time) bool {
	return !s.Used && now.Before(s.ExpiresAt)
}

// IdentityDirectory persists identities. Upserts for the same email are
// last-write-wins on name, picture and last login time.
type IdentityDirectory interface {
	// UpsertIdentity creates the identity on first sight and updates
	// name, picture and last login time afterwards. ID and CreatedAt of
	// the argument are ignored.
	UpsertIdentity(ctx context.Context, identity Identity) (*Identity, error)
	GetIdentity(ctx context.Context, email string) (*Identity, error)
}

// StateStore holds OAuth states between the start and callback requests
type StateStore interface {
	SaveState(ctx context.Context, state *OAuthState) error
	// ConsumeState atomically checks that the state is unused and unexpired
	// and marks it used. Concurrent calls for the same state succeed at
	// most once.
	ConsumeState(ctx context.Context, state string, now time.Time) (*OAuthState, error)
	// PurgeStates deletes expired and used states and returns how many
	// were removed
	PurgeStates(ctx context.Context, now time.Time) (int, error)
}

// Storage combines all storage capabilities needed by contentdesk
type Storage interface {
	IdentityDirectory
	StateStore
	Close() error
}

// Pinger is implemented by backends that hold a network connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks connectivity of s when it holds a connection. Backends
// without one always report healthy.
func Ping(ctx context.Context, s any) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Split serves identities from one backend and states from another
type Split struct {
	IdentityDirectory
	StateStore

	closers []func() error
}

// NewSplit combines an identity directory and a state store. Both are
// closed by Close when they implement Close() error.
func NewSplit(identities IdentityDirectory, states StateStore) *Split {
	s := &Split{IdentityDirectory: identities, StateStore: states}
	for _, c := range []any{identities, states} {
		if closer, ok := c.(interface{ Close() error }); ok {
			s.closers = append(s.closers, closer.Close)
		}
	}
	return s
}

func (s *Split) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (s *Split) Ping(ctx context.Context) error {
	return errors.Join(Ping(ctx, s.IdentityDirectory), Ping(ctx, s.StateStore))
}
