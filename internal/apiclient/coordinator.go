package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/session"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthorized is returned by a CallFunc when the backend answered 401
var ErrUnauthorized = errors.New("backend rejected credentials")

// DefaultRefreshTimeout bounds a single refresh round-trip
const DefaultRefreshTimeout = 10 * time.Second

// CallFunc performs one backend call presenting bearer. It returns
// ErrUnauthorized (possibly wrapped) when the backend rejects the token.
type CallFunc func(ctx context.Context, bearer string) error

// Coordinator retries backend calls once after refreshing credentials.
// Concurrent calls rejected with the same bearer share one refresh.
type Coordinator struct {
	store     CredentialStore
	refresher Refresher
	client    *http.Client
	timeout   time.Duration
	mode      config.VerificationMode
	onExpired func()

	group singleflight.Group
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithHTTPClient sets the client used by Do
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithRefreshTimeout bounds each refresh call
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithVerification selects the bearer the same way the backend picks the
// session credential: the access token for tokeninfo, the id token for jwks
func WithVerification(mode config.VerificationMode) Option {
	return func(c *Coordinator) { c.mode = mode }
}

// WithSessionExpiredHook registers fn to run after credentials are cleared,
// typically to send the user back to sign-in
func WithSessionExpiredHook(fn func()) Option {
	return func(c *Coordinator) { c.onExpired = fn }
}

func NewCoordinator(store CredentialStore, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		client:    http.DefaultClient,
		timeout:   DefaultRefreshTimeout,
		mode:      config.VerificationTokenInfo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bearer returns the token presented to the backend, or "" when creds hold
// none for the configured mode
func (c *Coordinator) bearer(creds Credentials) string {
	token, err := session.Credential(c.mode, &idp.TokenSet{AccessToken: creds.AccessToken, IDToken: creds.IDToken})
	if err != nil {
		return ""
	}
	return token
}

// Call runs fn with the current bearer. If fn reports
// ErrUnauthorized, the credentials are refreshed and fn runs exactly once
// more. A second rejection, or a refresh token the provider rejects, clears
// the credentials and returns an error wrapping autherr.ErrSessionExpired.
func (c *Coordinator) Call(ctx context.Context, fn CallFunc) error {
	creds, ok := c.store.Load()
	if !ok {
		return fmt.Errorf("%w: not signed in", autherr.ErrSessionExpired)
	}
	current := c.bearer(creds)
	if current == "" {
		return fmt.Errorf("%w: no %s credential", autherr.ErrSessionExpired, c.mode)
	}

	err := fn(ctx, current)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	fresh, err := c.refresh(ctx, current)
	if err != nil {
		return err
	}

	err = fn(ctx, fresh)
	if errors.Is(err, ErrUnauthorized) {
		log.LogWarnWithFields("apiclient", "Refreshed credentials rejected", map[string]any{
			"credential": log.Redact(fresh),
		})
		c.expire()
		return fmt.Errorf("%w: %w", autherr.ErrSessionExpired, err)
	}
	return err
}

// refresh returns a bearer newer than failed. Callers rejected with the
// same bearer join one in-flight refresh; a caller arriving after that
// refresh finished picks up the stored result instead of refreshing again.
func (c *Coordinator) refresh(ctx context.Context, failed string) (string, error) {
	v, err, shared := c.group.Do(failed, func() (any, error) {
		current, ok := c.store.Load()
		if !ok {
			return nil, fmt.Errorf("%w: signed out during refresh", autherr.ErrSessionExpired)
		}
		if bearer := c.bearer(current); bearer != failed && bearer != "" {
			return bearer, nil
		}
		if current.RefreshToken == "" {
			c.expire()
			return nil, fmt.Errorf("%w: no refresh token", autherr.ErrSessionExpired)
		}

		// Joined callers must not fail because the first caller gave up
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		tokens, err := c.refresher.Refresh(refreshCtx, current.RefreshToken)
		if err != nil {
			if errors.Is(err, autherr.ErrSessionExpired) {
				log.LogInfoWithFields("apiclient", "Refresh token rejected, signing out", map[string]any{
					"error": err.Error(),
				})
				c.expire()
				return nil, err
			}
			log.LogWarnWithFields("apiclient", "Refresh failed", map[string]any{
				"error": err.Error(),
			})
			return nil, fmt.Errorf("refresh: %w", err)
		}

		next := Credentials{AccessToken: tokens.AccessToken, IDToken: tokens.IDToken, RefreshToken: tokens.RefreshToken}
		if next.RefreshToken == "" {
			next.RefreshToken = current.RefreshToken
		}
		bearer := c.bearer(next)
		if bearer == "" {
			c.expire()
			return nil, fmt.Errorf("%w: refresh returned no %s credential", autherr.ErrSessionExpired, c.mode)
		}
		c.store.Save(next)

		log.LogDebugWithFields("apiclient", "Credentials refreshed", map[string]any{
			"previous": log.Redact(failed),
			"current":  log.Redact(bearer),
		})
		return bearer, nil
	})
	if err != nil {
		return "", err
	}

	log.LogTraceWithFields("apiclient", "Using refreshed credentials", map[string]any{
		"shared": shared,
	})
	return v.(string), nil
}

func (c *Coordinator) expire() {
	c.store.Clear()
	if c.onExpired != nil {
		c.onExpired()
	}
}

// Do sends req with the current bearer credential,
// refreshing and resending once on a 401. A request with a body must be
// replayable (http.NewRequest sets GetBody for in-memory bodies).
func (c *Coordinator) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}

	var resp *http.Response
	err := c.Call(req.Context(), func(ctx context.Context, bearer string) error {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			attempt.Body = body
		}
		attempt.Header.Set("Authorization", "Bearer "+bearer)

		r, err := c.client.Do(attempt)
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusUnauthorized {
			ioutil.DrainClose(r.Body)
			return ErrUnauthorized
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
