package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

// Refresher trades a refresh token for a new token set. A rejected refresh
// token must be reported as autherr.ErrSessionExpired; any other error is
// treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenSet, error)
}

var _ Refresher = (*HTTPRefresher)(nil)

// HTTPRefresher refreshes through the server's POST /auth/refresh endpoint
type HTTPRefresher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRefresher targets baseURL + /auth/refresh. A nil client gets a
// client with a 10 second timeout.
func NewHTTPRefresher(baseURL string, client *http.Client) (*HTTPRefresher, error) {
	endpoint, err := urlutil.JoinPath(baseURL, "auth", "refresh")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{endpoint: endpoint, client: client}, nil
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*idp.TokenSet, error) {
	if refreshToken == "" {
		return nil, autherr.ErrSessionExpired
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: refresh token rejected", autherr.ErrSessionExpired)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("refresh returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 256))
	}

	var tokens idp.TokenSet
	if err := ioutil.DecodeJSON(resp.Body, 1<<20, &tokens); err != nil {
		return nil, fmt.Errorf("malformed refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("refresh response has no access token")
	}
	return &tokens, nil
}
