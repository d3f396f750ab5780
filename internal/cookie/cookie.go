package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/log"
)

// DefaultSessionCookie is the session cookie name when none is configured
const DefaultSessionCookie = "contentdesk_session"

const (
	statePath   = "/auth/"
	refreshPath = "/auth/refresh"
)

// Jar writes and reads the cookies used by the auth flow. The session cookie
// is the only session credential. The state cookie binds an authorization
// flow to the browser that started it and the refresh cookie carries a sealed
// refresh token to the refresh endpoint only.
type Jar struct {
	name   string
	maxAge time.Duration
	secure bool

	crossSiteState bool
}

type JarOption func(*Jar)

// WithCrossSiteState marks the state cookie SameSite=None and Secure so the
// browser sends it on the provider's cross-site form_post to the callback.
// Session and refresh cookies stay Lax.
func WithCrossSiteState() JarOption {
	return func(j *Jar) { j.crossSiteState = true }
}

// NewJar creates a cookie jar
func NewJar(name string, maxAge time.Duration, secure bool, opts ...JarOption) *Jar {
	if name == "" {
		name = DefaultSessionCookie
	}
	j := &Jar{name: name, maxAge: maxAge, secure: secure}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Jar) SessionName() string { return j.name }
func (j *Jar) StateName() string   { return j.name + "_state" }
func (j *Jar) RefreshName() string { return j.name + "_refresh" }

// MaxAge returns the session lifetime
func (j *Jar) MaxAge() time.Duration { return j.maxAge }

// SetSession sets the session cookie with appropriate security settings
func (j *Jar) SetSession(w http.ResponseWriter, value string) {
	j.set(w, j.name, value, "/", j.maxAge)

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge":   j.maxAge.String(),
		"secure":   j.secure,
		"sameSite": "Lax",
	})
}

// ClearSession removes the session cookie
func (j *Jar) ClearSession(w http.ResponseWriter) {
	expire(w, j.name, "/", j.secure)
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// GetSession retrieves the session cookie value
func (j *Jar) GetSession(r *http.Request) (string, error) {
	return Get(r, j.name)
}

// SetState sets the short-lived state cookie for an authorization flow
func (j *Jar) SetState(w http.ResponseWriter, state string, ttl time.Duration) {
	if !j.crossSiteState {
		j.set(w, j.StateName(), state, statePath, ttl)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     j.StateName(),
		Value:    state,
		Path:     statePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (j *Jar) ClearState(w http.ResponseWriter) {
	if !j.crossSiteState {
		expire(w, j.StateName(), statePath, j.secure)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     j.StateName(),
		Path:     statePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   -1,
	})
}

func (j *Jar) GetState(r *http.Request) (string, error) {
	return Get(r, j.StateName())
}

// SetRefresh stores a sealed refresh token, visible only to the refresh endpoint
func (j *Jar) SetRefresh(w http.ResponseWriter, sealed string) {
	j.set(w, j.RefreshName(), sealed, refreshPath, j.maxAge)
}

func (j *Jar) ClearRefresh(w http.ResponseWriter) {
	expire(w, j.RefreshName(), refreshPath, j.secure)
}

func (j *Jar) GetRefresh(r *http.Request) (string, error) {
	return Get(r, j.RefreshName())
}

func (j *Jar) set(w http.ResponseWriter, name, value, path string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// expire removes a cookie by setting MaxAge to -1. Path must match the one the
// cookie was set with or the browser keeps it.
func expire(w http.ResponseWriter, name, path string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
