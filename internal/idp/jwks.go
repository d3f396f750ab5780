package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/emailutil"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyCacheTTL = time.Hour
	// minKeyRefetch limits how often an unknown kid can force a refetch
	minKeyRefetch = time.Minute
)

var errKeysUnavailable = errors.New("signing keys unavailable")

// JWKSConfig configures a JWKSVerifier.
type JWKSConfig struct {
	JWKSURL  string
	ClientID string
	Issuers  []string

	Timeout    time.Duration
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Observer   RequestObserver
}

// JWKSVerifier validates id tokens locally against the provider's published
// signing keys. Signature, expiry, audience and issuer are all checked.
type JWKSVerifier struct {
	jwksURL    string
	clientID   string
	issuers    []string
	timeout    time.Duration
	cacheTTL   time.Duration
	httpClient *http.Client
	observer   RequestObserver

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
	group     singleflight.Group // Deduplicates concurrent key fetches
}

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// NewJWKSVerifier creates a verifier. Keys are fetched lazily on first use.
func NewJWKSVerifier(cfg JWKSConfig) (*JWKSVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if len(cfg.Issuers) == 0 {
		return nil, fmt.Errorf("at least one issuer is required")
	}

	v := &JWKSVerifier{
		jwksURL:    cfg.JWKSURL,
		clientID:   cfg.ClientID,
		issuers:    cfg.Issuers,
		timeout:    cfg.Timeout,
		cacheTTL:   cfg.CacheTTL,
		httpClient: cfg.HTTPClient,
		observer:   cfg.Observer,
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.cacheTTL <= 0 {
		v.cacheTTL = defaultKeyCacheTTL
	}
	if v.httpClient == nil {
		v.httpClient = http.DefaultClient
	}
	return v, nil
}

// Introspect validates an id token and returns the identity it names.
func (v *JWKSVerifier) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, autherr.ErrUnauthenticated
	}

	var claims idTokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		if errors.Is(err, errKeysUnavailable) {
			return nil, err
		}
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "jwks", Description: err.Error()}
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "jwks", Description: "unexpected issuer " + claims.Issuer}
	}

	email := emailutil.Normalize(claims.Email)
	if email == "" {
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "jwks", Description: "token carries no email"}
	}
	if !claims.EmailVerified {
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "jwks", Description: "email not verified"}
	}

	info := &TokenInfo{
		Subject:  claims.Subject,
		Email:    email,
		Audience: v.clientID,
	}
	if claims.ExpiresAt != nil {
		info.Expiry = claims.ExpiresAt.Time
	}
	return info, nil
}

// key returns the public key for kid, refetching the key set when it is
// stale or does not know kid.
func (v *JWKSVerifier) key(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	k, found := lookupKey(v.keys, kid)
	fresh := time.Since(v.fetchedAt) < v.cacheTTL
	recent := time.Since(v.fetchedAt) < minKeyRefetch
	v.mu.RUnlock()

	if found && fresh {
		return k, nil
	}
	if !found && recent {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	ch := v.group.DoChan("jwks", func() (any, error) {
		return nil, v.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if found {
				// Serve the stale key rather than failing every request
				log.LogWarnWithFields("idp", "Using stale signing keys", map[string]any{"error": res.Err.Error()})
				return k, nil
			}
			return nil, fmt.Errorf("%w: %v", errKeysUnavailable, res.Err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errKeysUnavailable, ctx.Err())
	}

	v.mu.RLock()
	k, found = lookupKey(v.keys, kid)
	v.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return k, nil
}

func lookupKey(set jose.JSONWebKeySet, kid string) (any, bool) {
	for _, k := range set.Key(kid) {
		if k.IsPublic() && (k.Use == "" || k.Use == "sig") {
			return k.Key, true
		}
	}
	return nil, false
}

func (v *JWKSVerifier) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := v.httpClient.Do(req)
	observe(v.observer, "jwks", start)
	if err != nil {
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 256))
	}

	var set jose.JSONWebKeySet
	if err := ioutil.DecodeJSON(resp.Body, maxResponseBytes, &set); err != nil {
		return fmt.Errorf("decoding jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return fmt.Errorf("jwks contains no keys")
	}

	v.mu.Lock()
	v.keys = set
	v.fetchedAt = time.Now()
	v.mu.Unlock()

	log.LogDebugWithFields("idp", "Refreshed signing keys", map[string]any{"keys": len(set.Keys)})
	return nil
}
