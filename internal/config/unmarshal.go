package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/contentdesk/internal/log"
)

func parseString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		BaseURL        json.RawMessage `json:"baseURL"`
		Addr           json.RawMessage `json:"addr"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if s.Addr, err = parseString(raw.Addr, "addr"); err != nil {
		return err
	}
	s.AllowedOrigins = raw.AllowedOrigins
	return nil
}

// UnmarshalJSON implements custom unmarshaling for AuthConfig
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	type rawAuth struct {
		Provider         ProviderKind     `json:"provider"`
		ClientID         json.RawMessage  `json:"clientId"`
		ClientSecret     json.RawMessage  `json:"clientSecret"`
		RedirectURI      json.RawMessage  `json:"redirectUri"`
		Scopes           []string         `json:"scopes"`
		AuthorizationURL string           `json:"authorizationUrl"`
		TokenURL         string           `json:"tokenUrl"`
		UserInfoURL      string           `json:"userInfoUrl"`
		TokenInfoURL     string           `json:"tokenInfoUrl"`
		JWKSURL          string           `json:"jwksUrl"`
		Issuers          []string         `json:"issuers"`
		Verification     VerificationMode `json:"verification"`
		ResponseMode     ResponseMode     `json:"responseMode"`
		ProviderTimeout  string           `json:"providerTimeout"`
		StateTTL         string           `json:"stateTtl"`
		PublicPaths      []string         `json:"publicPaths"`
		EncryptionKey    json.RawMessage  `json:"encryptionKey"`
	}

	var raw rawAuth
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Provider = raw.Provider
	a.Scopes = raw.Scopes
	a.AuthorizationURL = raw.AuthorizationURL
	a.TokenURL = raw.TokenURL
	a.UserInfoURL = raw.UserInfoURL
	a.TokenInfoURL = raw.TokenInfoURL
	a.JWKSURL = raw.JWKSURL
	a.Issuers = raw.Issuers
	a.Verification = raw.Verification
	a.ResponseMode = raw.ResponseMode
	a.PublicPaths = raw.PublicPaths

	var err error
	if a.ClientID, err = parseString(raw.ClientID, "clientId"); err != nil {
		return err
	}
	if a.RedirectURI, err = parseString(raw.RedirectURI, "redirectUri"); err != nil {
		return err
	}

	secret, err := parseString(raw.ClientSecret, "clientSecret")
	if err != nil {
		return err
	}
	a.ClientSecret = Secret(secret)

	key, err := parseString(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	a.EncryptionKey = Secret(key)

	if a.ProviderTimeout, err = parseDuration(raw.ProviderTimeout, "providerTimeout"); err != nil {
		return err
	}
	if a.StateTTL, err = parseDuration(raw.StateTTL, "stateTtl"); err != nil {
		return err
	}

	log.LogTraceWithFields("config", "Parsed auth config", map[string]any{
		"provider":     a.Provider,
		"verification": a.Verification,
	})
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		CookieName string `json:"cookieName"`
		MaxAge     string `json:"maxAge"`
		Secure     *bool  `json:"secure"` // Pointer to detect explicit false
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	maxAge, err := parseDuration(raw.MaxAge, "maxAge")
	if err != nil {
		return err
	}

	s.CookieName = raw.CookieName
	s.MaxAge = maxAge
	s.Secure = raw.Secure
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                      StorageKind     `json:"kind"`
		PostgresDSN               json.RawMessage `json:"postgresDsn"`
		GCPProject                json.RawMessage `json:"gcpProject"`
		FirestoreDatabase         string          `json:"firestoreDatabase"`
		FirestoreCollectionPrefix string          `json:"firestoreCollectionPrefix"`
		StateStore                StorageKind     `json:"stateStore"`
		RedisAddr                 json.RawMessage `json:"redisAddr"`
		RedisPassword             json.RawMessage `json:"redisPassword"`
		CleanupInterval           string          `json:"cleanupInterval"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollectionPrefix = raw.FirestoreCollectionPrefix
	s.StateStore = raw.StateStore

	dsn, err := parseString(raw.PostgresDSN, "postgresDsn")
	if err != nil {
		return err
	}
	s.PostgresDSN = Secret(dsn)

	if s.GCPProject, err = parseString(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	if s.RedisAddr, err = parseString(raw.RedisAddr, "redisAddr"); err != nil {
		return err
	}

	password, err := parseString(raw.RedisPassword, "redisPassword")
	if err != nil {
		return err
	}
	s.RedisPassword = Secret(password)

	if s.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BackendConfig
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL json.RawMessage `json:"baseURL"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	b.BaseURL, err = parseString(raw.BaseURL, "backend.baseURL")
	return err
}

// applyDefaults fills in zero values after parsing
func applyDefaults(c *Config) {
	if c.Auth.Provider == "" {
		c.Auth.Provider = ProviderGoogle
	}
	if c.Auth.Verification == "" {
		c.Auth.Verification = VerificationTokenInfo
	}
	if c.Auth.ResponseMode == "" {
		c.Auth.ResponseMode = ResponseModeQuery
	}
	if c.Auth.ProviderTimeout == 0 {
		c.Auth.ProviderTimeout = DefaultProviderTimeout
	}
	if c.Auth.StateTTL == 0 {
		c.Auth.StateTTL = DefaultStateTTL
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = []string{"openid", "email", "profile"}
	}
	if c.Auth.Provider == ProviderGoogle {
		if c.Auth.UserInfoURL == "" {
			c.Auth.UserInfoURL = GoogleUserInfoURL
		}
		if c.Auth.TokenInfoURL == "" {
			c.Auth.TokenInfoURL = GoogleTokenInfoURL
		}
		if c.Auth.JWKSURL == "" {
			c.Auth.JWKSURL = GoogleJWKSURL
		}
		if len(c.Auth.Issuers) == 0 {
			c.Auth.Issuers = GoogleIssuers
		}
	}

	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}
	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = DefaultSessionMaxAge
	}

	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = DefaultCleanupInterval
	}
	if c.Storage.Kind == StorageFirestore {
		if c.Storage.FirestoreDatabase == "" {
			c.Storage.FirestoreDatabase = DefaultFirestoreDB
		}
		if c.Storage.FirestoreCollectionPrefix == "" {
			c.Storage.FirestoreCollectionPrefix = DefaultFirestorePrefix
		}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
