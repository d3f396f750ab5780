package server

import (
	"net/http"
)

// RouterConfig lists what the router mounts
type RouterConfig struct {
	Auth           *AuthHandlers
	Pages          *PageHandlers
	Gate           MiddlewareFunc
	AllowedOrigins []string

	// MetricsHandler is mounted on MetricsPath when set
	MetricsHandler http.Handler
	MetricsPath    string

	HealthChecks map[string]HealthCheck
}

// NewRouter builds the application handler. The gate wraps the mux, so no
// route can be reached without passing it.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/start", cfg.Auth.StartHandler)
	mux.HandleFunc("GET /auth/callback", cfg.Auth.CallbackHandler)
	mux.HandleFunc("POST /auth/callback", cfg.Auth.CallbackHandler)
	mux.HandleFunc("GET /auth/session", cfg.Auth.SessionHandler)
	mux.HandleFunc("DELETE /auth/session", cfg.Auth.SignOutHandler)
	mux.HandleFunc("POST /auth/refresh", cfg.Auth.RefreshHandler)

	mux.HandleFunc("GET "+SignInPath, cfg.Pages.SignInHandler)
	mux.HandleFunc("GET /legal/privacy", cfg.Pages.LegalHandler("privacy", "Privacy"))
	mux.HandleFunc("GET /legal/terms", cfg.Pages.LegalHandler("terms", "Terms"))
	mux.Handle("GET /static/", StaticHandler())
	mux.Handle("GET /health", NewHealthHandler(cfg.HealthChecks))

	if cfg.MetricsHandler != nil && cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /{$}", cfg.Pages.HomeHandler)
	mux.HandleFunc("GET /api/me", cfg.Pages.MeHandler)

	return ChainMiddleware(mux,
		cfg.Gate,
		NewCORSMiddleware(cfg.AllowedOrigins),
		NewLoggerMiddleware("http"),
		NewRecoverMiddleware("http"),
	)
}
