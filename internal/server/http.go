package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
)

const healthCheckTimeout = 2 * time.Second

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer creates a server for handler on addr. Provider round-trips
// happen inside request handling, so the write timeout leaves room for them.
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start listens on the configured address and serves until Stop
func (h *HTTPServer) Start() error {
	l, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()

	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": l.Addr().String(),
	})

	if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening, or the
// configured address before that
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.server.Addr
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.Addr(),
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", nil)
	return nil
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// HealthHandler answers 200 while every check passes and 503 otherwise
type HealthHandler struct {
	checks map[string]HealthCheck
}

// NewHealthHandler creates a health handler running checks on each request
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.LogWarnWithFields("health", "Health check failed", map[string]any{
				"check": name,
				"error": err.Error(),
			})
			failed[name] = "unavailable"
		}
	}

	if len(failed) > 0 {
		_ = jsonwriter.WriteResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"checks": failed,
		})
		return
	}
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}
