package idp

import (
	"context"
	"time"
)

// TokenSet is what a successful code exchange or refresh grant returns.
// It is only ever built from a provider response.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Expiry       time.Time `json:"-"`
}

// Profile is the user information returned by the provider's userinfo endpoint.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// TokenInfo is the result of checking that a token is still live.
type TokenInfo struct {
	Subject  string
	Email    string
	Audience string
	Expiry   time.Time
}

// Exchanger runs the authorization code half of the flow.
type Exchanger interface {
	// AuthURL generates the consent URL for the given state value.
	AuthURL(state string) string

	// Exchange trades a one-time authorization code for a token set.
	Exchange(ctx context.Context, code string) (*TokenSet, error)

	// FetchProfile reads the user's profile with an access token.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Introspector confirms a session token is live. Implementations must not
// trust a locally decoded claim without checking it against the provider
// or the provider's signing keys.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*TokenInfo, error)
}

// Refresher runs the refresh_token grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// Provider abstracts identity provider operations.
type Provider interface {
	// Type returns the provider type identifier ("google" or "oidc").
	Type() string

	Exchanger
	Introspector
	Refresher
}

// RequestObserver records provider round-trip latency
type RequestObserver interface {
	ObserveProviderRequest(operation string, d time.Duration)
}

func observe(o RequestObserver, operation string, start time.Time) {
	if o != nil {
		o.ObserveProviderRequest(operation, time.Since(start))
	}
}
