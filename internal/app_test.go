package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/dgellow/contentdesk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(fake *testutil.FakeIDP) config.Config {
	return config.Config{
		Server: config.ServerConfig{BaseURL: "http://desk.test", Addr: "127.0.0.1:0"},
		Auth: config.AuthConfig{
			Provider:         config.ProviderOIDC,
			ClientID:         testutil.FakeClientID,
			ClientSecret:     testutil.FakeClientSecret,
			RedirectURI:      "http://desk.test/auth/callback",
			AuthorizationURL: fake.AuthorizationURL(),
			TokenURL:         fake.TokenURL(),
			UserInfoURL:      fake.UserInfoURL(),
			TokenInfoURL:     fake.TokenInfoURL(),
			Verification:     config.VerificationTokenInfo,
			ProviderTimeout:  2 * time.Second,
			StateTTL:         config.DefaultStateTTL,
			EncryptionKey:    "0123456789abcdef0123456789abcdef",
		},
		Session: config.SessionConfig{CookieName: config.DefaultCookieName, MaxAge: config.DefaultSessionMaxAge},
		Storage: config.StorageConfig{Kind: config.StorageMemory, CleanupInterval: time.Minute},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.DefaultMetricsPath},
	}
}

func TestNewApp_Routes(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	fake := testutil.NewFakeIDP(t)

	app, err := NewApp(context.Background(), testConfig(fake))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.storage.Close() })

	tests := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/signin", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/", http.StatusFound},
		{"/api/me", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/start", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), fake.AuthorizationURL()))

	for _, c := range rec.Result().Cookies() {
		assert.False(t, c.Secure, "APP_ENV=test serves cookies over plain HTTP")
	}
}

func TestNewApp_SecureOverride(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	fake := testutil.NewFakeIDP(t)

	cfg := testConfig(fake)
	secure := true
	cfg.Session.Secure = &secure

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.storage.Close() })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/start", nil))
	require.NotEmpty(t, rec.Result().Cookies())
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	fake := testutil.NewFakeIDP(t)

	cfg := testConfig(fake)
	cfg.Auth.EncryptionKey = "short"
	_, err := NewApp(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig(fake)
	cfg.Auth.Verification = "magic"
	_, err = NewApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSetupStorage_RedisStates(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := setupStorage(context.Background(), config.StorageConfig{
		Kind:       config.StorageMemory,
		StateStore: config.StorageRedis,
		RedisAddr:  mr.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	split, ok := store.(*storage.Split)
	require.True(t, ok)
	assert.IsType(t, &storage.RedisStateStore{}, split.StateStore)
	assert.IsType(t, &storage.MemoryStorage{}, split.IdentityDirectory)

	now := time.Now()
	require.NoError(t, store.SaveState(context.Background(), &storage.OAuthState{
		State:     "s1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))
	assert.True(t, mr.Exists("contentdesk:oauth_state:s1"))
}

func TestSetupStorage_Errors(t *testing.T) {
	_, err := setupStorage(context.Background(), config.StorageConfig{Kind: "cassandra"})
	assert.Error(t, err)

	_, err = setupStorage(context.Background(), config.StorageConfig{Kind: config.StoragePostgres})
	assert.Error(t, err)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	fake := testutil.NewFakeIDP(t)
	app, err := NewApp(context.Background(), testConfig(fake))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
