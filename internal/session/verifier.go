package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/storage"
)

// Credential sources
const (
	SourceCookie = "cookie"
	SourceBearer = "bearer"
)

// Verification results reported to the observer
const (
	ResultValid    = "valid"
	ResultMissing  = "missing"
	ResultInvalid  = "invalid"
	ResultOrphaned = "orphaned"
	ResultError    = "error"
)

// VerificationObserver counts verification outcomes
type VerificationObserver interface {
	ObserveVerification(result string)
}

// Result is a successful verification
type Result struct {
	Identity *storage.Identity
	Token    string
	Source   string
}

// Verifier decides whether a session credential is live and which identity
// it belongs to. Every call reaches the introspector; nothing is cached.
type Verifier struct {
	introspector idp.Introspector
	directory    storage.IdentityDirectory
	jar          *cookie.Jar
	timeout      time.Duration
	observer     VerificationObserver
}

// NewVerifier creates a verifier. timeout bounds the introspection call and
// the directory lookup together. observer may be nil.
func NewVerifier(introspector idp.Introspector, directory storage.IdentityDirectory, jar *cookie.Jar, timeout time.Duration, observer VerificationObserver) *Verifier {
	return &Verifier{
		introspector: introspector,
		directory:    directory,
		jar:          jar,
		timeout:      timeout,
		observer:     observer,
	}
}

// Verify checks token with the provider and resolves its identity. All
// failures, including provider timeouts and outages, wrap
// autherr.ErrUnauthenticated.
func (v *Verifier) Verify(ctx context.Context, token string) (*storage.Identity, error) {
	if token == "" {
		v.observe(ResultMissing)
		return nil, fmt.Errorf("%w: no credential", autherr.ErrUnauthenticated)
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	info, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		if errors.Is(err, autherr.ErrUnauthenticated) {
			v.observe(ResultInvalid)
			log.LogDebugWithFields("session", "Credential rejected", map[string]any{
				"credential": log.Redact(token),
				"error":      err.Error(),
			})
			return nil, err
		}
		v.observe(ResultError)
		log.LogWarnWithFields("session", "Credential check failed, treating as unauthenticated", map[string]any{
			"credential": log.Redact(token),
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", autherr.ErrUnauthenticated, err)
	}

	identity, err := v.directory.GetIdentity(ctx, info.Email)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			v.observe(ResultOrphaned)
			log.LogWarnWithFields("session", "Live credential without identity", map[string]any{
				"email": info.Email,
			})
			return nil, fmt.Errorf("%w: no identity for %s", autherr.ErrUnauthenticated, info.Email)
		}
		v.observe(ResultError)
		log.LogErrorWithFields("session", "Identity lookup failed", map[string]any{
			"email": info.Email,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", autherr.ErrUnauthenticated, err)
	}

	v.observe(ResultValid)
	log.LogTraceWithFields("session", "Credential verified", map[string]any{
		"email": identity.Email,
	})
	return identity, nil
}

// VerifyRequest verifies the credential of r. An Authorization bearer
// header takes precedence over the session cookie.
func (v *Verifier) VerifyRequest(r *http.Request) (*Result, error) {
	token, source := v.Extract(r)
	identity, err := v.Verify(r.Context(), token)
	if err != nil {
		return &Result{Token: token, Source: source}, err
	}
	return &Result{Identity: identity, Token: token, Source: source}, nil
}

// Extract returns the credential carried by r and where it came from. The
// source is empty when r carries none.
func (v *Verifier) Extract(r *http.Request) (token, source string) {
	if token, ok := BearerToken(r); ok {
		return token, SourceBearer
	}
	if token, err := v.jar.GetSession(r); err == nil && token != "" {
		return token, SourceCookie
	}
	return "", ""
}

// BearerToken returns the token of an Authorization: Bearer header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (v *Verifier) observe(result string) {
	if v.observer != nil {
		v.observer.ObserveVerification(result)
	}
}
