package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/metrics"
	"github.com/dgellow/contentdesk/internal/session"
	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/dgellow/contentdesk/internal/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

// testEnv is a fully wired application in front of a fake provider. The
// provider's redirect URI points at the env's own httptest server.
type testEnv struct {
	idp      *testutil.FakeIDP
	provider *idp.OAuthProvider
	storage  *storage.MemoryStorage
	jar      *cookie.Jar
	sealer   *crypto.Sealer
	issuer   *session.Issuer
	verifier *session.Verifier
	metrics  *metrics.Metrics
	auth     *AuthHandlers
	handler  http.Handler
	server   *httptest.Server
}

type envOptions struct {
	directory    storage.IdentityDirectory
	verification config.VerificationMode
	responseMode config.ResponseMode
}

type envOption func(*envOptions)

// withFormPost has the provider POST the authorization response and marks
// the state cookie for cross-site delivery
func withFormPost() envOption {
	return func(o *envOptions) { o.responseMode = config.ResponseModeFormPost }
}

// withVerification selects how session credentials are verified. jwks
// checks id tokens against the fake provider's signing keys.
func withVerification(mode config.VerificationMode) envOption {
	return func(o *envOptions) { o.verification = mode }
}

// withDirectory replaces the identity directory used by the issuer
func withDirectory(d storage.IdentityDirectory) envOption {
	return func(o *envOptions) { o.directory = d }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		idp:     testutil.NewFakeIDP(t),
		storage: storage.NewMemoryStorage(),
		metrics: metrics.New(),
	}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)

	o := envOptions{directory: env.storage, verification: config.VerificationTokenInfo, responseMode: config.ResponseModeQuery}
	for _, opt := range opts {
		opt(&o)
	}

	var jarOpts []cookie.JarOption
	if o.responseMode == config.ResponseModeFormPost {
		jarOpts = append(jarOpts, cookie.WithCrossSiteState())
	}
	env.jar = cookie.NewJar("", config.DefaultSessionMaxAge, false, jarOpts...)

	provider, err := idp.NewOAuthProvider(idp.OAuthConfig{
		ProviderType: "oidc",
		ClientID:     testutil.FakeClientID,
		ClientSecret: testutil.FakeClientSecret,
		RedirectURI:  env.server.URL + "/auth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.idp.AuthorizationURL(),
			TokenURL:  env.idp.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserInfoURL:  env.idp.UserInfoURL(),
		TokenInfoURL: env.idp.TokenInfoURL(),
		ResponseMode: string(o.responseMode),
		Timeout:      2 * time.Second,
		Observer:     env.metrics,
	})
	require.NoError(t, err)
	env.provider = provider

	env.sealer, err = crypto.NewSealer([]byte(testEncryptionKey))
	require.NoError(t, err)

	var introspector idp.Introspector = provider
	if o.verification == config.VerificationJWKS {
		introspector, err = idp.NewJWKSVerifier(idp.JWKSConfig{
			JWKSURL:  env.idp.JWKSURL(),
			ClientID: testutil.FakeClientID,
			Issuers:  []string{env.idp.Issuer},
			Timeout:  2 * time.Second,
			Observer: env.metrics,
		})
		require.NoError(t, err)
	}

	env.issuer = session.NewIssuer(o.directory, env.jar, env.sealer, o.verification)
	env.verifier = session.NewVerifier(introspector, o.directory, env.jar, 2*time.Second, env.metrics)
	env.auth = NewAuthHandlers(AuthHandlersConfig{
		Provider:   provider,
		States:     env.storage,
		Issuer:     env.issuer,
		Verifier:   env.verifier,
		Jar:        env.jar,
		StateTTL:   config.DefaultStateTTL,
		Timeout:    2 * time.Second,
		BackendURL: "https://api.example.com",
		Observer:   env.metrics,
	})
	env.handler = NewRouter(RouterConfig{
		Auth:           env.auth,
		Pages:          NewPageHandlers("Example"),
		Gate:           NewRouteGate(env.verifier, env.jar, []string{config.DefaultMetricsPath}, env.metrics),
		AllowedOrigins: []string{"https://app.example.com"},
		MetricsHandler: env.metrics.Handler(),
		MetricsPath:    config.DefaultMetricsPath,
	})
	return env
}

// serve runs req through the router
func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// startFlow runs /auth/start and returns the state and the state cookie
func (e *testEnv) startFlow(t *testing.T, next string) (string, *http.Cookie) {
	t.Helper()

	target := "/auth/start"
	if next != "" {
		target += "?next=" + url.QueryEscape(next)
	}
	rec := e.serve(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	stateCookie := findCookie(rec, e.jar.StateName())
	require.NotNil(t, stateCookie)
	return state, stateCookie
}

// callback runs /auth/callback with query and the given cookies
func (e *testEnv) callback(query url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query.Encode(), nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return e.serve(req)
}

// signIn runs a complete flow for email and returns the callback response
func (e *testEnv) signIn(t *testing.T, email string) *httptest.ResponseRecorder {
	t.Helper()

	state, stateCookie := e.startFlow(t, "")
	code, _ := e.idp.IssueCode(testutil.FakeUser{Email: email, Name: strings.Split(email, "@")[0]})
	rec := e.callback(url.Values{"code": {code}, "state": {state}}, stateCookie)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))
	return rec
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// redirectReason returns the reason code of a sign-in redirect
func redirectReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, SignInPath, location.Path)
	return location.Query().Get("reason")
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}
