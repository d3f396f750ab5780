package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/emailutil"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/log"
	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a provider response is read
const maxResponseBytes = 1 << 20

// OAuthConfig configures an OAuthProvider.
type OAuthConfig struct {
	// ProviderType identifies this provider ("google", "oidc").
	ProviderType string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Endpoint     oauth2.Endpoint

	UserInfoURL  string
	TokenInfoURL string

	// ResponseMode is sent as response_mode when set. "form_post" has the
	// provider POST the code to the redirect URI.
	ResponseMode string

	// Timeout bounds every provider round-trip.
	Timeout time.Duration

	// HTTPClient is used for all provider calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Observer   RequestObserver
}

// OAuthProvider implements Provider for Google and standard OIDC providers.
type OAuthProvider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	tokenInfoURL string
	responseMode string
	timeout      time.Duration
	httpClient   *http.Client
	observer     RequestObserver
}

// userInfoResponse accepts both Google's v2 userinfo shape (`id`,
// `verified_email`) and the OIDC standard one (`sub`, `email_verified`).
type userInfoResponse struct {
	Sub           string `json:"sub"`
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	VerifiedEmail *bool  `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// tokenInfoResponse is the tokeninfo/introspection response. Google returns
// exp as a string, other providers as a number.
type tokenInfoResponse struct {
	Audience         string      `json:"aud"`
	AuthorizedParty  string      `json:"azp"`
	Subject          string      `json:"sub"`
	Email            string      `json:"email"`
	Expiry           json.Number `json:"exp"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// NewOAuthProvider creates a new OAuth provider.
func NewOAuthProvider(cfg OAuthConfig) (*OAuthProvider, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("clientId and redirectUri are required")
	}
	if cfg.Endpoint.AuthURL == "" || cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token endpoints are required")
	}
	if cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("userinfo endpoint is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oidc"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &OAuthProvider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     cfg.Endpoint,
		},
		userInfoURL:  cfg.UserInfoURL,
		tokenInfoURL: cfg.TokenInfoURL,
		responseMode: cfg.ResponseMode,
		timeout:      timeout,
		httpClient:   httpClient,
		observer:     cfg.Observer,
	}, nil
}

// Type returns the provider type.
func (p *OAuthProvider) Type() string {
	return p.providerType
}

// ClientID returns the OAuth client id tokens must be issued to
func (p *OAuthProvider) ClientID() string {
	return p.config.ClientID
}

// AuthURL generates the authorization URL. Offline access with forced
// consent makes the provider return a refresh token every time.
func (p *OAuthProvider) AuthURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	if p.responseMode != "" && p.responseMode != "query" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", p.responseMode))
	}
	return p.config.AuthCodeURL(state, opts...)
}

func (p *OAuthProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return context.WithTimeout(ctx, p.timeout)
}

// Exchange exchanges an authorization code for tokens. There is no local
// retry: a code can only be redeemed once.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	if code == "" {
		return nil, autherr.ErrMissingCode
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	token, err := p.config.Exchange(ctx, code)
	observe(p.observer, "exchange", start)
	if err != nil {
		log.LogWarnWithFields("idp", "Code exchange failed", map[string]any{
			"provider": p.providerType,
			"code":     log.Redact(code),
			"error":    err.Error(),
		})
		return nil, classifyTokenError("token exchange", autherr.ErrExchangeFailed, err)
	}

	set, err := tokenSetFrom(token)
	if err != nil {
		return nil, &autherr.ProviderError{Kind: autherr.ErrExchangeFailed, Operation: "token exchange", Description: err.Error()}
	}
	return set, nil
}

// Refresh runs the refresh_token grant. A refresh token rejected by the
// token endpoint maps to autherr.ErrSessionExpired. Outages and 5xx answers
// are returned unclassified so callers can keep the session.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, autherr.ErrSessionExpired
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	token, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	observe(p.observer, "refresh", start)
	if err != nil {
		log.LogWarnWithFields("idp", "Token refresh failed", map[string]any{
			"provider":     p.providerType,
			"refreshToken": log.Redact(refreshToken),
			"error":        err.Error(),
		})
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, classifyTokenError("refresh", autherr.ErrSessionExpired, err)
		}
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	set, err := tokenSetFrom(token)
	if err != nil {
		return nil, &autherr.ProviderError{Kind: autherr.ErrSessionExpired, Operation: "refresh", Description: err.Error()}
	}
	return set, nil
}

// classifyTokenError turns an oauth2 error into a ProviderError. A response
// from the token endpoint is classified as kind. Transport failures and
// timeouts are wrapped as kind as well, since the caller cannot proceed.
func classifyTokenError(operation string, kind error, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		pe := &autherr.ProviderError{
			Kind:        kind,
			Operation:   operation,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
		}
		if retrieveErr.Response != nil {
			pe.StatusCode = retrieveErr.Response.StatusCode
		}
		return pe
	}
	return &autherr.ProviderError{Kind: kind, Operation: operation, Description: err.Error()}
}

func tokenSetFrom(token *oauth2.Token) (*TokenSet, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("response did not include an access token")
	}

	set := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if set.ExpiresIn == 0 && !token.Expiry.IsZero() {
		set.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	return set, nil
}

// FetchProfile fetches user information from the userinfo endpoint.
func (p *OAuthProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if accessToken == "" {
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", Description: "empty access token"}
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	observe(p.observer, "userinfo", start)
	if err != nil {
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", Description: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.LogDebugWithFields("idp", "Userinfo request rejected", map[string]any{
			"status": resp.StatusCode,
			"body":   ioutil.ReadLimited(resp.Body, 1024),
		})
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", StatusCode: resp.StatusCode}
	}

	var info userInfoResponse
	if err := ioutil.DecodeJSON(resp.Body, maxResponseBytes, &info); err != nil {
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", Description: "malformed response"}
	}

	email := emailutil.Normalize(info.Email)
	if !emailutil.IsValid(email) {
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", Description: "response has no usable email"}
	}

	subject := info.Sub
	if subject == "" {
		subject = info.ID
	}
	verified := false
	switch {
	case info.EmailVerified != nil:
		verified = *info.EmailVerified
	case info.VerifiedEmail != nil:
		verified = *info.VerifiedEmail
	}
	// The email keys the identity, so an address the provider has not
	// verified could claim someone else's account
	if !verified {
		return nil, &autherr.ProviderError{Kind: autherr.ErrProfileFetchFailed, Operation: "userinfo", Description: "email not verified"}
	}

	return &Profile{
		Subject:       subject,
		Email:         email,
		EmailVerified: verified,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}

// Introspect asks the tokeninfo endpoint whether an access token is live and
// was issued to this client.
func (p *OAuthProvider) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, autherr.ErrUnauthenticated
	}
	if p.tokenInfoURL == "" {
		return nil, fmt.Errorf("no tokeninfo endpoint configured")
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	form := url.Values{"access_token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenInfoURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build tokeninfo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	observe(p.observer, "tokeninfo", start)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	var info tokenInfoResponse
	decodeErr := ioutil.DecodeJSON(resp.Body, maxResponseBytes, &info)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("tokeninfo returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || info.Error != "" {
		return nil, &autherr.ProviderError{
			Kind:        autherr.ErrUnauthenticated,
			Operation:   "tokeninfo",
			StatusCode:  resp.StatusCode,
			Code:        info.Error,
			Description: info.ErrorDescription,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("malformed tokeninfo response: %w", decodeErr)
	}

	if info.Audience != p.config.ClientID && info.AuthorizedParty != p.config.ClientID {
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "tokeninfo", Description: "token was issued to another client"}
	}

	email := emailutil.Normalize(info.Email)
	if email == "" {
		return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "tokeninfo", Description: "token carries no email"}
	}

	result := &TokenInfo{
		Subject:  info.Subject,
		Email:    email,
		Audience: info.Audience,
	}
	if info.Expiry != "" {
		exp, err := info.Expiry.Int64()
		if err != nil {
			return nil, fmt.Errorf("malformed tokeninfo exp: %w", err)
		}
		result.Expiry = time.Unix(exp, 0)
		if !result.Expiry.After(time.Now()) {
			return nil, &autherr.ProviderError{Kind: autherr.ErrUnauthenticated, Operation: "tokeninfo", Description: "token expired"}
		}
	}
	return result, nil
}
