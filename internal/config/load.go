package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/contentdesk/internal/log"
)

// SupportedVersion is the config version prefix this build understands
const SupportedVersion = "v1"

// secretFields must be given as {"$env": "VAR"} references, never inline
var secretFields = []string{"clientSecret", "encryptionKey"}

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes raw config JSON. Load is the file based entrypoint.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	auth, ok := rawConfig["auth"].(map[string]any)
	if !ok {
		return fmt.Errorf("auth section is required")
	}

	for _, name := range secretFields {
		value, exists := auth[name]
		if !exists {
			return fmt.Errorf("auth.%s is required", name)
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("auth.%s must use environment variable reference for security", name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("auth.%s must use {\"$env\": \"VAR_NAME\"} format", name)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if err := validateAbsoluteURL(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL: %w", err)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if err := validateAuthConfig(&config.Auth); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := validateSessionConfig(&config.Session); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if config.Backend.BaseURL != "" {
		if err := validateAbsoluteURL(config.Backend.BaseURL); err != nil {
			return fmt.Errorf("backend.baseURL: %w", err)
		}
	}
	if config.Metrics.Enabled && !strings.HasPrefix(config.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if config.Storage.CleanupInterval > config.Auth.StateTTL {
		log.LogWarn("Storage cleanup interval is greater than the OAuth state TTL")
	}
	return nil
}

func validateAuthConfig(auth *AuthConfig) error {
	if auth.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if auth.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if auth.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if err := validateAbsoluteURL(auth.RedirectURI); err != nil {
		return fmt.Errorf("redirectUri: %w", err)
	}
	if len(auth.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(auth.EncryptionKey))
	}

	switch auth.Provider {
	case ProviderGoogle:
	case ProviderOIDC:
		if auth.AuthorizationURL == "" || auth.TokenURL == "" {
			return fmt.Errorf("authorizationUrl and tokenUrl are required for the oidc provider")
		}
		if auth.UserInfoURL == "" {
			return fmt.Errorf("userInfoUrl is required for the oidc provider")
		}
	default:
		return fmt.Errorf("unknown provider: %s (use 'google' or 'oidc')", auth.Provider)
	}

	switch auth.Verification {
	case VerificationTokenInfo:
		if auth.TokenInfoURL == "" {
			return fmt.Errorf("tokenInfoUrl is required for tokeninfo verification")
		}
	case VerificationJWKS:
		if auth.JWKSURL == "" {
			return fmt.Errorf("jwksUrl is required for jwks verification")
		}
		if len(auth.Issuers) == 0 {
			return fmt.Errorf("at least one issuer is required for jwks verification")
		}
	default:
		return fmt.Errorf("unknown verification mode: %s (use 'tokeninfo' or 'jwks')", auth.Verification)
	}

	switch auth.ResponseMode {
	case ResponseModeQuery, ResponseModeFormPost:
	default:
		return fmt.Errorf("unknown response mode: %s (use 'query' or 'form_post')", auth.ResponseMode)
	}

	if auth.ProviderTimeout < 0 {
		return fmt.Errorf("providerTimeout cannot be negative")
	}
	if auth.StateTTL < 0 {
		return fmt.Errorf("stateTtl cannot be negative")
	}
	for _, p := range auth.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("public path %q must start with /", p)
		}
		if p == "/" {
			return fmt.Errorf("public path / would expose every route")
		}
	}
	return nil
}

func validateSessionConfig(session *SessionConfig) error {
	if strings.ContainsAny(session.CookieName, " ;,=\t\r\n") {
		return fmt.Errorf("cookieName %q contains invalid characters", session.CookieName)
	}
	if session.MaxAge < 0 {
		return fmt.Errorf("maxAge cannot be negative")
	}
	return nil
}

func validateStorageConfig(storage *StorageConfig) error {
	switch storage.Kind {
	case StorageMemory:
	case StoragePostgres:
		if storage.PostgresDSN == "" {
			return fmt.Errorf("postgresDsn is required when using postgres storage")
		}
	case StorageFirestore:
		if storage.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s", storage.Kind)
	}

	switch storage.StateStore {
	case "", storage.Kind:
	case StorageRedis:
		if storage.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required when using the redis state store")
		}
	default:
		return fmt.Errorf("stateStore must be empty, %q or %q", storage.Kind, StorageRedis)
	}

	if storage.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}
