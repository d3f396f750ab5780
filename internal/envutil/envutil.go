package envutil

import (
	"os"
	"strings"
)

// Env returns the deployment environment from APP_ENV, defaulting to production
func Env() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "production"
	}
	return env
}

// IsDev checks if we're running in development mode
// where cookies may be sent over plain HTTP
func IsDev() bool {
	env := Env()
	return env == "development" || env == "dev"
}

// IsProduction reports whether secure-only cookies must be enforced
func IsProduction() bool {
	return !IsDev() && Env() != "test"
}
