// Package session issues and verifies the session credential. The credential
// is the provider's own token, carried in a single cookie and checked
// against the provider on every verification.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/storage"
)

// ErrNoCredential is returned when a token set carries no token usable as a
// session credential in the configured verification mode
var ErrNoCredential = errors.New("token set has no session credential")

// refreshSealer encrypts refresh tokens for the refresh cookie
type refreshSealer interface {
	Seal(plaintext, additionalData string) (string, error)
	Open(sealed, additionalData string) (string, error)
}

// ErrSealFailed is returned when the refresh token cannot be sealed into its
// cookie. No session is issued in that case.
var ErrSealFailed = errors.New("refresh token could not be sealed")

// Issuer turns a verified token set and profile into a session
type Issuer struct {
	directory storage.IdentityDirectory
	jar       *cookie.Jar
	sealer    refreshSealer
	mode      config.VerificationMode
	now       func() time.Time
}

// NewIssuer creates an issuer. sealer may be nil, in which case refresh
// tokens are never written to the browser.
func NewIssuer(directory storage.IdentityDirectory, jar *cookie.Jar, sealer *crypto.Sealer, mode config.VerificationMode) *Issuer {
	i := &Issuer{
		directory: directory,
		jar:       jar,
		mode:      mode,
		now:       time.Now,
	}
	if sealer != nil {
		i.sealer = sealer
	}
	return i
}

// Credential picks the token the session cookie carries: the access token
// for tokeninfo verification, the id token for local JWKS verification
func Credential(mode config.VerificationMode, tokens *idp.TokenSet) (string, error) {
	if tokens == nil {
		return "", ErrNoCredential
	}
	var credential string
	if mode == config.VerificationJWKS {
		credential = tokens.IDToken
	} else {
		credential = tokens.AccessToken
	}
	if credential == "" {
		return "", ErrNoCredential
	}
	return credential, nil
}

// Issue upserts the identity for profile and then sets the session cookie.
// If the upsert fails no cookie is written and the error wraps
// autherr.ErrDirectoryWriteFailed.
func (i *Issuer) Issue(ctx context.Context, w http.ResponseWriter, tokens *idp.TokenSet, profile *idp.Profile) (*storage.Identity, error) {
	credential, err := Credential(i.mode, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", autherr.ErrExchangeFailed, err)
	}
	if profile == nil || profile.Email == "" {
		return nil, fmt.Errorf("%w: profile has no email", autherr.ErrProfileFetchFailed)
	}
	if !profile.EmailVerified {
		return nil, fmt.Errorf("%w: email %s is not verified", autherr.ErrProfileFetchFailed, profile.Email)
	}
	sealed, err := i.sealRefresh(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	identity, err := i.directory.UpsertIdentity(ctx, storage.Identity{
		Email:       profile.Email,
		Name:        profile.Name,
		PictureURL:  profile.Picture,
		LastLoginAt: i.now(),
	})
	if err != nil {
		log.LogErrorWithFields("session", "Failed to upsert identity", map[string]any{
			"email": profile.Email,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", autherr.ErrDirectoryWriteFailed, err)
	}

	i.jar.SetSession(w, credential)
	if sealed != "" {
		i.jar.SetRefresh(w, sealed)
	}

	log.LogInfoWithFields("session", "Session issued", map[string]any{
		"email":      identity.Email,
		"credential": log.Redact(credential),
		"refresh":    tokens.RefreshToken != "",
	})
	return identity, nil
}

// Renew replaces the session cookie after a refresh grant. The identity is
// unchanged so the directory is not written. No cookie is written on error.
func (i *Issuer) Renew(w http.ResponseWriter, tokens *idp.TokenSet) error {
	credential, err := Credential(i.mode, tokens)
	if err != nil {
		return err
	}
	sealed, err := i.sealRefresh(tokens.RefreshToken)
	if err != nil {
		return err
	}
	i.jar.SetSession(w, credential)
	if sealed != "" {
		i.jar.SetRefresh(w, sealed)
	}
	return nil
}

// Revoke clears the session and refresh cookies
func (i *Issuer) Revoke(w http.ResponseWriter) {
	i.jar.ClearSession(w)
	i.jar.ClearRefresh(w)
}

// OpenRefresh decrypts the refresh cookie of r
func (i *Issuer) OpenRefresh(r *http.Request) (string, error) {
	if i.sealer == nil {
		return "", http.ErrNoCookie
	}
	sealed, err := i.jar.GetRefresh(r)
	if err != nil {
		return "", err
	}
	return i.sealer.Open(sealed, i.jar.RefreshName())
}

// sealRefresh returns the refresh cookie value, or "" when there is nothing
// to store
func (i *Issuer) sealRefresh(refreshToken string) (string, error) {
	if refreshToken == "" || i.sealer == nil {
		return "", nil
	}
	sealed, err := i.sealer.Seal(refreshToken, i.jar.RefreshName())
	if err != nil {
		log.LogErrorWithFields("session", "Failed to seal refresh token", map[string]any{
			"error": err.Error(),
		})
		return "", fmt.Errorf("%w: %w", ErrSealFailed, err)
	}
	return sealed, nil
}
