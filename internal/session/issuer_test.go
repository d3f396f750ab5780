package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/dgellow/contentdesk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newJar() *cookie.Jar {
	return cookie.NewJar("", config.DefaultSessionMaxAge, true)
}

func newSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer([]byte(testKey))
	require.NoError(t, err)
	return s
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCredential(t *testing.T) {
	tokens := &idp.TokenSet{AccessToken: "AT1", IDToken: "IT1"}

	got, err := Credential(config.VerificationTokenInfo, tokens)
	require.NoError(t, err)
	assert.Equal(t, "AT1", got)

	got, err = Credential(config.VerificationJWKS, tokens)
	require.NoError(t, err)
	assert.Equal(t, "IT1", got)

	_, err = Credential(config.VerificationJWKS, &idp.TokenSet{AccessToken: "AT1"})
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = Credential(config.VerificationTokenInfo, nil)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestIssuer_Issue(t *testing.T) {
	directory := storage.NewMemoryStorage()
	jar := newJar()
	issuer := NewIssuer(directory, jar, newSealer(t), config.VerificationTokenInfo)

	rec := httptest.NewRecorder()
	identity, err := issuer.Issue(context.Background(), rec,
		&idp.TokenSet{AccessToken: "AT1", IDToken: "IT1", RefreshToken: "RT1"},
		&idp.Profile{Email: "a@b.com", EmailVerified: true, Name: "A"},
	)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", identity.Email)

	stored, err := directory.GetIdentity(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Name)

	session := findCookie(rec, jar.SessionName())
	require.NotNil(t, session)
	assert.Equal(t, "AT1", session.Value)
	assert.Equal(t, 604800, session.MaxAge)
	assert.True(t, session.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, session.SameSite)
	assert.Equal(t, "/", session.Path)

	refresh := findCookie(rec, jar.RefreshName())
	require.NotNil(t, refresh)
	assert.NotContains(t, refresh.Value, "RT1")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(refresh)
	opened, err := issuer.OpenRefresh(req)
	require.NoError(t, err)
	assert.Equal(t, "RT1", opened)
}

func TestIssuer_DirectoryFailureSetsNoCookie(t *testing.T) {
	directory := &testutil.MockIdentityDirectory{}
	directory.On("UpsertIdentity", mock.Anything, mock.MatchedBy(func(i storage.Identity) bool {
		return i.Email == "a@b.com"
	})).Return(nil, errors.New("connection refused")).Once()

	issuer := NewIssuer(directory, newJar(), newSealer(t), config.VerificationTokenInfo)
	rec := httptest.NewRecorder()
	_, err := issuer.Issue(context.Background(), rec,
		&idp.TokenSet{AccessToken: "AT1", RefreshToken: "RT1"},
		&idp.Profile{Email: "a@b.com", EmailVerified: true},
	)

	assert.ErrorIs(t, err, autherr.ErrDirectoryWriteFailed)
	assert.Equal(t, autherr.ReasonDirectoryWriteFailed, autherr.Reason(err))
	assert.Empty(t, rec.Result().Cookies(), "no cookie may be written without an identity")
	directory.AssertExpectations(t)
}

func TestIssuer_RejectsIncompleteInput(t *testing.T) {
	directory := &testutil.MockIdentityDirectory{}
	issuer := NewIssuer(directory, newJar(), nil, config.VerificationJWKS)

	_, err := issuer.Issue(context.Background(), httptest.NewRecorder(),
		&idp.TokenSet{AccessToken: "AT1"}, &idp.Profile{Email: "a@b.com", EmailVerified: true})
	assert.ErrorIs(t, err, autherr.ErrExchangeFailed)

	_, err = issuer.Issue(context.Background(), httptest.NewRecorder(),
		&idp.TokenSet{IDToken: "IT1"}, &idp.Profile{})
	assert.ErrorIs(t, err, autherr.ErrProfileFetchFailed)

	rec := httptest.NewRecorder()
	_, err = issuer.Issue(context.Background(), rec,
		&idp.TokenSet{IDToken: "IT1"}, &idp.Profile{Email: "victim@b.com", EmailVerified: false})
	assert.ErrorIs(t, err, autherr.ErrProfileFetchFailed)
	assert.Empty(t, rec.Result().Cookies(), "an unverified email never gets a session")

	directory.AssertNotCalled(t, "UpsertIdentity", mock.Anything, mock.Anything)
}

func TestIssuer_WithoutSealerSkipsRefreshCookie(t *testing.T) {
	jar := newJar()
	issuer := NewIssuer(storage.NewMemoryStorage(), jar, nil, config.VerificationTokenInfo)

	rec := httptest.NewRecorder()
	_, err := issuer.Issue(context.Background(), rec,
		&idp.TokenSet{AccessToken: "AT1", RefreshToken: "RT1"}, &idp.Profile{Email: "a@b.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Nil(t, findCookie(rec, jar.RefreshName()))

	_, err = issuer.OpenRefresh(httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
	assert.Error(t, err)
}

func TestIssuer_RenewAndRevoke(t *testing.T) {
	jar := newJar()
	issuer := NewIssuer(storage.NewMemoryStorage(), jar, newSealer(t), config.VerificationTokenInfo)

	rec := httptest.NewRecorder()
	require.NoError(t, issuer.Renew(rec, &idp.TokenSet{AccessToken: "AT2"}))
	assert.Equal(t, "AT2", findCookie(rec, jar.SessionName()).Value)
	assert.Nil(t, findCookie(rec, jar.RefreshName()), "no new refresh token, no refresh cookie")

	rec = httptest.NewRecorder()
	issuer.Revoke(rec)
	assert.Equal(t, -1, findCookie(rec, jar.SessionName()).MaxAge)
	assert.Equal(t, -1, findCookie(rec, jar.RefreshName()).MaxAge)
}

type failingSealer struct{}

func (failingSealer) Seal(string, string) (string, error) {
	return "", errors.New("entropy source unavailable")
}

func (failingSealer) Open(string, string) (string, error) {
	return "", crypto.ErrInvalidCiphertext
}

func TestIssuer_SealFailureIssuesNothing(t *testing.T) {
	directory := storage.NewMemoryStorage()
	jar := newJar()
	issuer := NewIssuer(directory, jar, newSealer(t), config.VerificationTokenInfo)
	issuer.sealer = failingSealer{}

	rec := httptest.NewRecorder()
	_, err := issuer.Issue(context.Background(), rec,
		&idp.TokenSet{AccessToken: "AT1", RefreshToken: "RT1"},
		&idp.Profile{Email: "a@b.com", EmailVerified: true},
	)
	assert.ErrorIs(t, err, ErrSealFailed)
	assert.Empty(t, rec.Result().Cookies())

	_, err = directory.GetIdentity(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, storage.ErrIdentityNotFound)

	rec = httptest.NewRecorder()
	err = issuer.Renew(rec, &idp.TokenSet{AccessToken: "AT2", RefreshToken: "RT2"})
	assert.ErrorIs(t, err, ErrSealFailed)
	assert.Empty(t, rec.Result().Cookies())

	rec = httptest.NewRecorder()
	_, err = issuer.Issue(context.Background(), rec,
		&idp.TokenSet{AccessToken: "AT1"},
		&idp.Profile{Email: "a@b.com", EmailVerified: true},
	)
	require.NoError(t, err, "without a refresh token there is nothing to seal")
	assert.NotNil(t, findCookie(rec, jar.SessionName()))
}
