package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ProviderKind selects the identity provider flavour
type ProviderKind string

const (
	ProviderGoogle ProviderKind = "google"
	ProviderOIDC   ProviderKind = "oidc"
)

// VerificationMode selects how the session verifier checks a token on every
// protected request
type VerificationMode string

const (
	// VerificationTokenInfo asks the provider's introspection endpoint
	VerificationTokenInfo VerificationMode = "tokeninfo"
	// VerificationJWKS validates the id_token signature against the
	// provider's published keys
	VerificationJWKS VerificationMode = "jwks"
)

// ResponseMode selects how the provider returns the authorization response
// to the callback
type ResponseMode string

const (
	ResponseModeQuery ResponseMode = "query"
	// ResponseModeFormPost has the provider POST the response to the
	// callback. The browser only sends the state cookie on that cross-site
	// POST when it is SameSite=None and Secure.
	ResponseModeFormPost ResponseMode = "form_post"
)

// StorageKind selects the identity directory backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StoragePostgres  StorageKind = "postgres"
	StorageFirestore StorageKind = "firestore"
	StorageRedis     StorageKind = "redis"
)

const (
	DefaultCookieName      = "contentdesk_session"
	DefaultSessionMaxAge   = 7 * 24 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMetricsPath     = "/metrics"
	DefaultFirestoreDB     = "(default)"
	DefaultFirestorePrefix = "contentdesk"
)

// Google endpoints used when auth.provider is "google" and nothing else is set
const (
	GoogleUserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"
	GoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	GoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
)

var GoogleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// Config represents the config structure with resolved values
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Session SessionConfig `json:"session"`
	Storage StorageConfig `json:"storage"`
	Backend BackendConfig `json:"backend"`
	Metrics MetricsConfig `json:"metrics"`
}

type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// AuthConfig configures the OAuth2 client side of the sign-in flow
type AuthConfig struct {
	Provider         ProviderKind     `json:"provider"`
	ClientID         string           `json:"clientId"`
	ClientSecret     Secret           `json:"clientSecret"`
	RedirectURI      string           `json:"redirectUri"`
	Scopes           []string         `json:"scopes,omitempty"`
	AuthorizationURL string           `json:"authorizationUrl,omitempty"`
	TokenURL         string           `json:"tokenUrl,omitempty"`
	UserInfoURL      string           `json:"userInfoUrl,omitempty"`
	TokenInfoURL     string           `json:"tokenInfoUrl,omitempty"`
	JWKSURL          string           `json:"jwksUrl,omitempty"`
	Issuers          []string         `json:"issuers,omitempty"`
	Verification     VerificationMode `json:"verification"`
	ResponseMode     ResponseMode     `json:"responseMode"`
	ProviderTimeout  time.Duration    `json:"providerTimeout"`
	StateTTL         time.Duration    `json:"stateTtl"`
	PublicPaths      []string         `json:"publicPaths,omitempty"`
	EncryptionKey    Secret           `json:"encryptionKey"`
}

type SessionConfig struct {
	CookieName string        `json:"cookieName"`
	MaxAge     time.Duration `json:"maxAge"`
	// Secure overrides the environment-derived cookie Secure flag when set
	Secure *bool `json:"secure,omitempty"`
}

type StorageConfig struct {
	Kind                      StorageKind   `json:"kind"`
	PostgresDSN               Secret        `json:"postgresDsn,omitempty"`
	GCPProject                string        `json:"gcpProject,omitempty"`
	FirestoreDatabase         string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollectionPrefix string        `json:"firestoreCollectionPrefix,omitempty"`
	StateStore                StorageKind   `json:"stateStore,omitempty"`
	RedisAddr                 string        `json:"redisAddr,omitempty"`
	RedisPassword             Secret        `json:"redisPassword,omitempty"`
	CleanupInterval           time.Duration `json:"cleanupInterval"`
}

// EffectiveStateStore returns the backend holding OAuth states
func (s StorageConfig) EffectiveStateStore() StorageKind {
	if s.StateStore == "" {
		return s.Kind
	}
	return s.StateStore
}

type BackendConfig struct {
	BaseURL string `json:"baseURL"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RawConfigValue represents a value that could be a string or an env reference.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed.value
	}
	return values, nil
}
