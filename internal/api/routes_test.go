package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/api/middleware"
	"github.com/cutover-io/cutover/internal/storage"
)

// newBareServer builds a server with no storage wired, enough for the
// public endpoints and the request validation paths that run before any
// store is touched.
func newBareServer(apiKeyStore storage.APIKeyStore) *Server {
	return NewServer(&ServerConfig{
		Port:            8080,
		Host:            "localhost",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  defaultMaxRequestSize,
	}, Stores{}, nil, apiKeyStore, nil)
}

func serve(server *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

func TestPingHandler(t *testing.T) {
	rr := serve(newBareServer(nil), httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "v1.0.0", rr.Header().Get("X-Cutover-Version"))
}

func TestHealthHandler(t *testing.T) {
	rr := serve(newBareServer(nil), httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var health HealthStatus
	decodeJSON(t, rr, &health)

	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "cutover", health.ServiceName)
	assert.Equal(t, "v1.0.0", health.Version)
}

func TestReadyHandler(t *testing.T) {
	t.Run("degraded mode without a key store", func(t *testing.T) {
		rr := serve(newBareServer(nil), httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", rr.Body.String())
	})

	t.Run("healthy storage", func(t *testing.T) {
		server := newBareServer(&middleware.MockAPIKeyStore{})

		rr := serve(server, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", rr.Body.String())
	})

	t.Run("storage outage", func(t *testing.T) {
		server := newBareServer(&middleware.MockAPIKeyStore{
			HealthCheckFunc: func(_ context.Context) error {
				return errors.New("connection refused")
			},
		})

		rr := serve(server, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "storage unavailable", rr.Body.String())
	})
}

func TestNotFoundHandler(t *testing.T) {
	rr := serve(newBareServer(nil), httptest.NewRequest(http.MethodGet, "/api/v2/elsewhere", nil))

	problem := verifyProblem(t, rr, http.StatusNotFound)
	assert.Equal(t, "The requested resource was not found", problem["detail"])
}

func TestContentTypeValidationRunsFirst(t *testing.T) {
	// The 415 path never touches storage, so a bare server exercises it.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runbooks", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := serve(newBareServer(nil), req)
	verifyProblem(t, rr, http.StatusUnsupportedMediaType)
}

func TestHasJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"plain json", "application/json", true},
		{"json with charset", "application/json; charset=utf-8", true},
		{"leading whitespace", "  application/json", true},
		{"form encoding", "application/x-www-form-urlencoded", false},
		{"text", "text/plain", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasJSONContentType(tt.contentType))
		})
	}
}
