package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	FakeClientID     = "contentdesk-test.apps.example.com"
	FakeClientSecret = "fake-client-secret"
	FakeKeyID        = "fake-key-1"
)

// FakeUser is a user known to the fake identity provider
type FakeUser struct {
	Subject string
	Email   string
	Name    string
	Picture string
	// Unverified makes the provider report email_verified=false
	Unverified bool
}

// FakeGrant is what a code or refresh token redeems to
type FakeGrant struct {
	User         FakeUser
	AccessToken  string
	IDToken      string
	RefreshToken string
	RedirectURI  string
}

// FakeIDP is an in-process OAuth2/OIDC provider exposing authorize, token,
// userinfo, tokeninfo and jwks endpoints. Codes are single use.
type FakeIDP struct {
	Server *httptest.Server
	Issuer string

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]FakeGrant
	accessTokens  map[string]FakeUser
	refreshTokens map[string]FakeUser
	failing       bool
	delay         time.Duration
	seq           int

	TokenRequests     atomic.Int64
	RefreshRequests   atomic.Int64
	UserInfoRequests  atomic.Int64
	TokenInfoRequests atomic.Int64
	JWKSRequests      atomic.Int64
}

// NewFakeIDP starts a fake provider that is closed when the test ends
func NewFakeIDP(t testing.TB) *FakeIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}

	f := &FakeIDP{
		key:           key,
		codes:         make(map[string]FakeGrant),
		accessTokens:  make(map[string]FakeUser),
		refreshTokens: make(map[string]FakeUser),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", f.handleAuthorize)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserInfo)
	mux.HandleFunc("/tokeninfo", f.handleTokenInfo)
	mux.HandleFunc("/jwks", f.handleJWKS)

	f.Server = httptest.NewServer(f.wrap(mux))
	f.Issuer = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeIDP) AuthorizationURL() string { return f.Server.URL + "/authorize" }
func (f *FakeIDP) TokenURL() string         { return f.Server.URL + "/token" }
func (f *FakeIDP) UserInfoURL() string      { return f.Server.URL + "/userinfo" }
func (f *FakeIDP) TokenInfoURL() string     { return f.Server.URL + "/tokeninfo" }
func (f *FakeIDP) JWKSURL() string          { return f.Server.URL + "/jwks" }

// SetFailing makes every endpoint answer 503
func (f *FakeIDP) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// SetDelay makes every endpoint wait before answering
func (f *FakeIDP) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// AddCode registers an authorization code. Tokens left empty are generated.
func (f *FakeIDP) AddCode(code string, grant FakeGrant) FakeGrant {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	if grant.User.Subject == "" {
		grant.User.Subject = fmt.Sprintf("sub-%d", f.seq)
	}
	if grant.AccessToken == "" {
		grant.AccessToken = fmt.Sprintf("AT-%d", f.seq)
	}
	if grant.IDToken == "" {
		grant.IDToken = f.signLocked(grant.User, FakeClientID, time.Hour)
	}
	f.codes[code] = grant
	return grant
}

// IssueCode registers a fresh code with generated tokens, including a
// refresh token
func (f *FakeIDP) IssueCode(user FakeUser) (string, FakeGrant) {
	f.mu.Lock()
	f.seq++
	code := fmt.Sprintf("code-%d", f.seq)
	rt := fmt.Sprintf("RT-%d", f.seq)
	f.mu.Unlock()

	return code, f.AddCode(code, FakeGrant{User: user, RefreshToken: rt})
}

// AddAccessToken makes token live for user without a code exchange
func (f *FakeIDP) AddAccessToken(token string, user FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTokens[token] = user
}

// AddRefreshToken makes a refresh token redeemable for user
func (f *FakeIDP) AddRefreshToken(token string, user FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshTokens[token] = user
}

// RevokeAccessToken makes the provider report token as invalid
func (f *FakeIDP) RevokeAccessToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accessTokens, token)
}

func (f *FakeIDP) RevokeRefreshToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refreshTokens, token)
}

// SignIDToken signs an id token for user with the provider key
func (f *FakeIDP) SignIDToken(user FakeUser, audience string, ttl time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signLocked(user, audience, ttl)
}

// SignWith signs arbitrary claims with the provider key and kid
func (f *FakeIDP) SignWith(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = FakeKeyID
	signed, err := token.SignedString(f.key)
	if err != nil {
		panic(err)
	}
	return signed
}

func (f *FakeIDP) signLocked(user FakeUser, audience string, ttl time.Duration) string {
	now := time.Now()
	return f.SignWith(jwt.MapClaims{
		"iss":            f.Issuer,
		"aud":            audience,
		"sub":            user.Subject,
		"email":          user.Email,
		"email_verified": !user.Unverified,
		"name":           user.Name,
		"picture":        user.Picture,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
	})
}

func (f *FakeIDP) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failing, delay := f.failing, f.delay
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if failing {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

// handleAuthorize auto-approves the first registered user passed as
// login_hint, or redirects with access_denied when none matches.
func (f *FakeIDP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}

	params := target.Query()
	params.Set("state", q.Get("state"))

	email := q.Get("login_hint")
	if email == "" {
		params.Set("error", "access_denied")
	} else {
		code, _ := f.IssueCode(FakeUser{Email: email, Name: strings.Split(email, "@")[0]})
		params.Set("code", code)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (f *FakeIDP) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		// oauth2 url-encodes basic auth credentials
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == FakeClientID && secret == FakeClientSecret
}

func (f *FakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	if !f.clientAuthenticated(r) {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Unauthorized")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.TokenRequests.Add(1)
		f.exchangeCode(w, r)
	case "refresh_token":
		f.RefreshRequests.Add(1)
		f.refresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (f *FakeIDP) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	f.mu.Lock()
	grant, ok := f.codes[code]
	delete(f.codes, code)
	if ok {
		f.accessTokens[grant.AccessToken] = grant.User
		if grant.RefreshToken != "" {
			f.refreshTokens[grant.RefreshToken] = grant.User
		}
	}
	f.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Bad Request")
		return
	}
	if grant.RedirectURI != "" && grant.RedirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "redirect_uri_mismatch", "Bad Request")
		return
	}

	resp := map[string]any{
		"access_token": grant.AccessToken,
		"id_token":     grant.IDToken,
		"token_type":   "Bearer",
		"expires_in":   3599,
	}
	if grant.RefreshToken != "" {
		resp["refresh_token"] = grant.RefreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeIDP) refresh(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")

	f.mu.Lock()
	user, ok := f.refreshTokens[rt]
	var access string
	if ok {
		f.seq++
		access = fmt.Sprintf("AT-%d", f.seq)
		f.accessTokens[access] = user
	}
	idToken := ""
	if ok {
		idToken = f.signLocked(user, FakeClientID, time.Hour)
	}
	f.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Token has been expired or revoked.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   3599,
	})
}

func (f *FakeIDP) lookupAccess(token string) (FakeUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.accessTokens[token]
	return user, ok
}

func (f *FakeIDP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	f.UserInfoRequests.Add(1)

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	user, ok := f.lookupAccess(token)
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            user.Subject,
		"email":          user.Email,
		"email_verified": !user.Unverified,
		"name":           user.Name,
		"picture":        user.Picture,
	})
}

func (f *FakeIDP) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	f.TokenInfoRequests.Add(1)

	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	user, ok := f.lookupAccess(r.Form.Get("access_token"))
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_token", "Invalid Value")
		return
	}
	exp := time.Now().Add(time.Hour).Unix()
	writeJSON(w, http.StatusOK, map[string]any{
		"aud":        FakeClientID,
		"azp":        FakeClientID,
		"sub":        user.Subject,
		"email":      user.Email,
		"exp":        strconv.FormatInt(exp, 10),
		"expires_in": "3599",
	})
}

func (f *FakeIDP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	f.JWKSRequests.Add(1)
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		KeyID:     FakeKeyID,
		Algorithm: "RS256",
		Use:       "sig",
	}}})
}
