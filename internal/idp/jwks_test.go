package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T, idp *testutil.FakeIDP) *JWKSVerifier {
	t.Helper()
	v, err := NewJWKSVerifier(JWKSConfig{
		JWKSURL:  idp.JWKSURL(),
		ClientID: testutil.FakeClientID,
		Issuers:  []string{idp.Issuer},
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	return v
}

func TestNewJWKSVerifier_Validation(t *testing.T) {
	_, err := NewJWKSVerifier(JWKSConfig{ClientID: "c", Issuers: []string{"i"}})
	assert.Error(t, err)
	_, err = NewJWKSVerifier(JWKSConfig{JWKSURL: "https://k", Issuers: []string{"i"}})
	assert.Error(t, err)
	_, err = NewJWKSVerifier(JWKSConfig{JWKSURL: "https://k", ClientID: "c"})
	assert.Error(t, err)
}

func TestJWKSVerifier_Introspect(t *testing.T) {
	idp := testutil.NewFakeIDP(t)
	v := newTestVerifier(t, idp)
	user := testutil.FakeUser{Subject: "s1", Email: "A@b.com", Name: "A"}

	token := idp.SignIDToken(user, testutil.FakeClientID, time.Hour)
	info, err := v.Introspect(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", info.Email)
	assert.Equal(t, "s1", info.Subject)
	assert.True(t, info.Expiry.After(time.Now()))

	// Keys are cached
	_, err = v.Introspect(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idp.JWKSRequests.Load())
}

func TestJWKSVerifier_Rejects(t *testing.T) {
	idp := testutil.NewFakeIDP(t)
	v := newTestVerifier(t, idp)
	now := time.Now()

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":            idp.Issuer,
			"aud":            testutil.FakeClientID,
			"sub":            "s1",
			"email":          "a@b.com",
			"email_verified": true,
			"iat":            now.Unix(),
			"exp":            now.Add(time.Hour).Unix(),
		}
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"expired", func() string {
			c := base()
			c["exp"] = now.Add(-time.Hour).Unix()
			return idp.SignWith(c)
		}},
		{"missing exp", func() string {
			c := base()
			delete(c, "exp")
			return idp.SignWith(c)
		}},
		{"other audience", func() string {
			c := base()
			c["aud"] = "another-client"
			return idp.SignWith(c)
		}},
		{"other issuer", func() string {
			c := base()
			c["iss"] = "https://evil.example.com"
			return idp.SignWith(c)
		}},
		{"no email", func() string {
			c := base()
			delete(c, "email")
			return idp.SignWith(c)
		}},
		{"unverified email", func() string {
			c := base()
			c["email_verified"] = false
			return idp.SignWith(c)
		}},
		{"unsigned", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodNone, base())
			s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return s
		}},
		{"garbage", func() string { return "IT1" }},
		{"empty", func() string { return "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Introspect(context.Background(), tt.token())
			require.Error(t, err)
			assert.ErrorIs(t, err, autherr.ErrUnauthenticated)
		})
	}
}

func TestJWKSVerifier_UnknownKid(t *testing.T) {
	idp := testutil.NewFakeIDP(t)
	v := newTestVerifier(t, idp)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"aud": testutil.FakeClientID})
	tok.Header["kid"] = "rotated-away"
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Introspect(context.Background(), s)
	assert.Error(t, err)
	// HS256 is rejected before any key lookup
	assert.Equal(t, int64(0), idp.JWKSRequests.Load())
}

func TestJWKSVerifier_KeysUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	idp := testutil.NewFakeIDP(t)
	v, err := NewJWKSVerifier(JWKSConfig{JWKSURL: srv.URL, ClientID: testutil.FakeClientID, Issuers: []string{idp.Issuer}})
	require.NoError(t, err)

	token := idp.SignIDToken(testutil.FakeUser{Email: "a@b.com"}, testutil.FakeClientID, time.Hour)
	_, err = v.Introspect(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errKeysUnavailable)
	assert.NotErrorIs(t, err, autherr.ErrUnauthenticated)
}

func TestJWKSVerifier_ConcurrentFetchDeduplicated(t *testing.T) {
	idp := testutil.NewFakeIDP(t)
	idp.SetDelay(50 * time.Millisecond)
	v := newTestVerifier(t, idp)

	token := idp.SignIDToken(testutil.FakeUser{Email: "a@b.com"}, testutil.FakeClientID, time.Hour)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Introspect(context.Background(), token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), idp.JWKSRequests.Load())
}
