package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHealthHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("failing check", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"storage": func(context.Context) error { return errors.New("dial tcp: connection refused") },
			"cache":   func(context.Context) error { return nil },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"degraded","checks":{"storage":"unavailable"}}`, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestHTTPServer_StartStop(t *testing.T) {
	srv := NewHTTPServer(NewHealthHandler(nil), "127.0.0.1:0")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool {
		if srv.Addr() == "127.0.0.1:0" {
			return false
		}
		resp, err := http.Get("http://" + srv.Addr() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, <-errCh)
}
