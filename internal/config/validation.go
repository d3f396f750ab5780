package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates raw config JSON without resolving env vars
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", SupportedVersion)
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateAuthStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	for _, field := range []string{"baseURL", "addr"} {
		if _, ok := server[field]; !ok {
			result.addError("server."+field, "%s is required", field)
		}
	}
}

func validateAuthStructure(rawConfig map[string]any, result *ValidationResult) {
	auth, ok := rawConfig["auth"].(map[string]any)
	if !ok {
		result.addError("auth", "auth field is required and must be an object")
		return
	}

	for _, field := range []string{"clientId", "redirectUri"} {
		if _, ok := auth[field]; !ok {
			result.addError("auth."+field, "%s is required", field)
		}
	}
	for _, field := range secretFields {
		value, ok := auth[field]
		if !ok {
			result.addError("auth."+field, "%s is required", field)
			continue
		}
		if err := validateEnvVarReference(value, field, "auth."+field); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	if provider, ok := auth["provider"].(string); ok {
		switch ProviderKind(provider) {
		case ProviderGoogle:
		case ProviderOIDC:
			for _, field := range []string{"authorizationUrl", "tokenUrl", "userInfoUrl"} {
				if _, ok := auth[field]; !ok {
					result.addError("auth."+field, "%s is required for the oidc provider", field)
				}
			}
		default:
			result.addError("auth.provider", "unknown provider '%s' - use 'google' or 'oidc'", provider)
		}
	}

	if mode, ok := auth["verification"].(string); ok {
		switch VerificationMode(mode) {
		case VerificationTokenInfo, VerificationJWKS:
		default:
			result.addError("auth.verification", "unknown verification mode '%s' - use 'tokeninfo' or 'jwks'", mode)
		}
	}

	if mode, ok := auth["responseMode"].(string); ok {
		switch ResponseMode(mode) {
		case ResponseModeQuery, ResponseModeFormPost:
		default:
			result.addError("auth.responseMode", "unknown response mode '%s' - use 'query' or 'form_post'", mode)
		}
	}

	validateDurationField(auth, "providerTimeout", "auth", result)
	stateTTL := validateDurationField(auth, "stateTtl", "auth", result)
	if stateTTL > time.Hour {
		result.addWarning("auth.stateTtl", "stateTtl (%s) is long. Authorization states older than a few minutes are rarely legitimate", stateTTL)
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := rawConfig["session"].(map[string]any)
	if !ok {
		return
	}
	validateDurationField(session, "maxAge", "session", result)
	if secure, ok := session["secure"].(bool); ok && !secure {
		result.addWarning("session.secure", "session cookies will be sent over plain HTTP")
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
	case StoragePostgres:
		if dsn, ok := storage["postgresDsn"]; !ok {
			result.addError("storage.postgresDsn", "postgresDsn is required when using postgres storage")
		} else if err := validateEnvVarReference(dsn, "postgresDsn", "storage.postgresDsn"); err != nil {
			result.Warnings = append(result.Warnings, *err)
		}
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use 'memory', 'postgres' or 'firestore'", kind)
	}

	if stateStore, ok := storage["stateStore"].(string); ok && StorageKind(stateStore) == StorageRedis {
		if _, ok := storage["redisAddr"]; !ok {
			result.addError("storage.redisAddr", "redisAddr is required when using the redis state store")
		}
	}

	cleanup := validateDurationField(storage, "cleanupInterval", "storage", result)
	if auth, ok := rawConfig["auth"].(map[string]any); ok {
		if ttlStr, ok := auth["stateTtl"].(string); ok {
			if ttl, err := time.ParseDuration(ttlStr); err == nil && cleanup > ttl {
				result.addWarning("storage.cleanupInterval",
					"cleanupInterval (%s) is longer than auth.stateTtl (%s). Expired states will remain stored until cleanup runs.",
					cleanup, ttl)
			}
		}
	}
}

// validateDurationField checks an optional duration string and returns its value
func validateDurationField(section map[string]any, field, prefix string, result *ValidationResult) time.Duration {
	value, ok := section[field]
	if !ok {
		return 0
	}
	s, ok := value.(string)
	if !ok {
		result.addError(prefix+"."+field, "%s must be a duration string like \"10m\"", field)
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(prefix+"."+field, "invalid duration '%s': %v", s, err)
		return 0
	}
	if d < 0 {
		result.addError(prefix+"."+field, "%s cannot be negative", field)
	}
	return d
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
