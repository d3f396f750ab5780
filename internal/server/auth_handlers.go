package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/idp"
	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/session"
	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

// LoginResultSuccess is recorded for a completed sign-in. Failures are
// recorded with their reason code.
const LoginResultSuccess = "success"

// maxRefreshBody caps the JSON body accepted by the refresh endpoint
const maxRefreshBody = 16 << 10

// LoginObserver counts sign-in outcomes
type LoginObserver interface {
	RecordLogin(result string)
}

// AuthHandlersConfig wires the auth endpoints
type AuthHandlersConfig struct {
	Provider   idp.Provider
	States     storage.StateStore
	Issuer     *session.Issuer
	Verifier   *session.Verifier
	Jar        *cookie.Jar
	StateTTL   time.Duration
	Timeout    time.Duration
	BackendURL string
	Observer   LoginObserver
}

// AuthHandlers serves the /auth endpoints
type AuthHandlers struct {
	provider   idp.Provider
	states     storage.StateStore
	issuer     *session.Issuer
	verifier   *session.Verifier
	jar        *cookie.Jar
	stateTTL   time.Duration
	timeout    time.Duration
	backendURL string
	observer   LoginObserver
	now        func() time.Time
}

// NewAuthHandlers creates new auth handlers with dependency injection
func NewAuthHandlers(cfg AuthHandlersConfig) *AuthHandlers {
	return &AuthHandlers{
		provider:   cfg.Provider,
		states:     cfg.States,
		issuer:     cfg.Issuer,
		verifier:   cfg.Verifier,
		jar:        cfg.Jar,
		stateTTL:   cfg.StateTTL,
		timeout:    cfg.Timeout,
		backendURL: cfg.BackendURL,
		observer:   cfg.Observer,
		now:        time.Now,
	}
}

// SessionUser is the public view of an identity
type SessionUser struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

// SessionResponse is the body of GET /auth/session
type SessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *SessionUser `json:"user,omitempty"`
	BackendURL    string       `json:"backendUrl,omitempty"`
}

func sessionUser(identity *storage.Identity) *SessionUser {
	return &SessionUser{
		Email:      identity.Email,
		Name:       identity.Name,
		PictureURL: identity.PictureURL,
	}
}

// StartHandler begins an authorization flow: it stores a fresh state, binds
// it to the browser with the state cookie and redirects to the provider
func (h *AuthHandlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	returnTo := urlutil.ReturnPathOr(r.URL.Query().Get("next"), "/")

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to generate state", map[string]any{
			"error": err.Error(),
		})
		h.failRedirect(w, r, autherr.ReasonUnknown, returnTo)
		return
	}

	now := h.now()
	record := &storage.OAuthState{
		State:     state,
		Platform:  h.provider.Type(),
		UserEmail: h.currentUser(r),
		ReturnTo:  returnTo,
		CreatedAt: now,
		ExpiresAt: now.Add(h.stateTTL),
	}
	if err := h.states.SaveState(ctx, record); err != nil {
		log.LogErrorWithFields("auth", "Failed to store OAuth state", map[string]any{
			"error": err.Error(),
		})
		h.failRedirect(w, r, autherr.ReasonUnknown, returnTo)
		return
	}

	h.jar.SetState(w, state, h.stateTTL)

	log.LogDebugWithFields("auth", "Authorization flow started", map[string]any{
		"state":    log.Redact(state),
		"returnTo": returnTo,
		"reauth":   record.UserEmail != "",
	})
	http.Redirect(w, r, h.provider.AuthURL(state), http.StatusFound)
}

// currentUser returns the email of an already signed-in user starting a
// re-consent flow, or "" for a fresh sign-in
func (h *AuthHandlers) currentUser(r *http.Request) string {
	if _, source := h.verifier.Extract(r); source == "" {
		return ""
	}
	result, err := h.verifier.VerifyRequest(r)
	if err != nil {
		return ""
	}
	return result.Identity.Email
}

// CallbackHandler completes the authorization flow. It accepts the provider
// response as query parameters (GET) or as a form post (POST).
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, fmt.Errorf("%w: malformed callback", autherr.ErrMissingCode), "")
		return
	}
	h.jar.ClearState(w)

	if providerErr := r.Form.Get("error"); providerErr != "" {
		log.LogWarnWithFields("auth", "Provider returned an error to the callback", map[string]any{
			"error":       providerErr,
			"description": r.Form.Get("error_description"),
		})
		h.fail(w, r, fmt.Errorf("%w: %s", autherr.ErrProviderDenied, providerErr), "")
		return
	}

	code := r.Form.Get("code")
	if code == "" {
		h.fail(w, r, autherr.ErrMissingCode, "")
		return
	}

	state, err := h.redeemState(r)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	tokens, err := h.provider.Exchange(ctx, code)
	if err != nil {
		h.fail(w, r, err, state.ReturnTo)
		return
	}

	profile, err := h.provider.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		h.fail(w, r, err, state.ReturnTo)
		return
	}

	if state.UserEmail != "" && state.UserEmail != profile.Email {
		log.LogWarnWithFields("auth", "Re-consent completed by a different account", map[string]any{
			"started_by":   state.UserEmail,
			"completed_by": profile.Email,
		})
	}

	identity, err := h.issuer.Issue(ctx, w, tokens, profile)
	if err != nil {
		h.fail(w, r, err, state.ReturnTo)
		return
	}

	h.recordLogin(LoginResultSuccess)
	log.LogInfoWithFields("auth", "User signed in", map[string]any{
		"email":    identity.Email,
		"returnTo": state.ReturnTo,
	})
	http.Redirect(w, r, urlutil.ReturnPathOr(state.ReturnTo, "/"), http.StatusFound)
}

// redeemState checks that the callback state matches the state cookie and
// consumes the stored state
func (h *AuthHandlers) redeemState(r *http.Request) (*storage.OAuthState, error) {
	param := r.Form.Get("state")
	bound, err := h.jar.GetState(r)
	if err != nil || !crypto.Equal(param, bound) {
		return nil, fmt.Errorf("%w: state not bound to this browser", autherr.ErrInvalidState)
	}

	state, err := h.states.ConsumeState(r.Context(), param, h.now())
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			return nil, fmt.Errorf("%w: %w", autherr.ErrInvalidState, err)
		}
		return nil, fmt.Errorf("%w: consume state: %v", autherr.ErrInvalidState, err)
	}
	return state, nil
}

func (h *AuthHandlers) fail(w http.ResponseWriter, r *http.Request, err error, returnTo string) {
	reason := autherr.Reason(err)
	h.recordLogin(reason)

	log.LogWarnWithFields("auth", "Sign-in failed", map[string]any{
		"reason": reason,
		"error":  err.Error(),
	})
	h.failRedirect(w, r, reason, returnTo)
}

func (h *AuthHandlers) failRedirect(w http.ResponseWriter, r *http.Request, reason, returnTo string) {
	next, _ := urlutil.SafeReturnPath(returnTo)
	http.Redirect(w, r, SignInURL(next, reason), http.StatusFound)
}

func (h *AuthHandlers) recordLogin(result string) {
	if h.observer != nil {
		h.observer.RecordLogin(result)
	}
}

func (h *AuthHandlers) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// SessionHandler reports whether the request carries a live session. A
// dead session cookie is cleared.
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.verifier.VerifyRequest(r)
	if err != nil {
		if result.Source == session.SourceCookie {
			h.jar.ClearSession(w)
		}
		_ = jsonwriter.Write(w, SessionResponse{Authenticated: false})
		return
	}

	_ = jsonwriter.Write(w, SessionResponse{
		Authenticated: true,
		User:          sessionUser(result.Identity),
		BackendURL:    h.backendURL,
	})
}

// SignOutHandler clears the session and refresh cookies
func (h *AuthHandlers) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	h.issuer.Revoke(w)
	h.jar.ClearState(w)

	log.LogDebugWithFields("auth", "Signed out", nil)
	_ = jsonwriter.Write(w, map[string]bool{"success": true})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshHandler runs the refresh grant. The refresh token comes from the
// JSON body or, for browsers, from the sealed refresh cookie; in the cookie
// case the session cookie is renewed and the new refresh token is never
// returned in the body.
func (h *AuthHandlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRefreshBody))
		if err != nil {
			jsonwriter.WriteBadRequest(w, "Could not read request body")
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				jsonwriter.WriteBadRequest(w, "Malformed JSON body")
				return
			}
		}
	}

	fromCookie := false
	refreshToken := req.RefreshToken
	if refreshToken == "" {
		opened, err := h.issuer.OpenRefresh(r)
		if err != nil {
			if !errors.Is(err, http.ErrNoCookie) {
				h.issuer.Revoke(w)
			}
			jsonwriter.WriteUnauthorized(w, autherr.ReasonSessionExpired, autherr.Message(autherr.ReasonSessionExpired))
			return
		}
		refreshToken = opened
		fromCookie = true
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	tokens, err := h.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, autherr.ErrSessionExpired) {
			log.LogInfoWithFields("auth", "Refresh token rejected", map[string]any{
				"refresh": log.Redact(refreshToken),
			})
			if fromCookie {
				h.issuer.Revoke(w)
			}
			jsonwriter.WriteUnauthorized(w, autherr.ReasonSessionExpired, autherr.Message(autherr.ReasonSessionExpired))
			return
		}
		log.LogErrorWithFields("auth", "Refresh failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Identity provider unavailable")
		return
	}

	if fromCookie {
		if err := h.issuer.Renew(w, tokens); err != nil {
			log.LogErrorWithFields("auth", "Failed to renew session", map[string]any{
				"error": err.Error(),
			})
			jsonwriter.WriteInternalServerError(w, "Refresh failed")
			return
		}
		tokens.RefreshToken = ""
	}

	_ = jsonwriter.Write(w, tokens)
}
