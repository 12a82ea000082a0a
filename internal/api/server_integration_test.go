// Package api provides the HTTP admin API server for the Cutover service.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/storage"
)

// harness boots the full admin API over one containerized database and one
// in-memory bus. The orchestrator is wired in as the batch controller with
// its consumers subscribed, so control events published by an advance call
// are handled synchronously inside the HTTP request, and worker outcomes
// fed through reportJobSuccess drive the results path the same way.
type harness struct {
	server    *Server
	runbooks  *storage.RunbookStore
	batches   *storage.BatchStore
	execs     *storage.ExecutionStore
	keyStore  *storage.PersistentKeyStore
	transport *bus.InMemoryBus
	busCfg    *bus.Config
	orc       *orchestrator.Orchestrator
	clientID  string
	apiKey    string
}

func newHarness(ctx context.Context, t *testing.T) *harness {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnectionFromDB(testDB.Connection)

	runbooks, err := storage.NewRunbookStore(conn)
	require.NoError(t, err)

	batches, err := storage.NewBatchStore(conn)
	require.NoError(t, err)

	execs, err := storage.NewExecutionStore(conn)
	require.NoError(t, err)

	keyStore, err := storage.NewPersistentKeyStore(conn)
	require.NoError(t, err)

	clientID := "ops-console"

	apiKey, err := storage.GenerateAPIKey(clientID)
	require.NoError(t, err)

	require.NoError(t, keyStore.Add(ctx, &storage.APIKey{
		ID:          "ops-console-key",
		Key:         apiKey,
		ClientID:    clientID,
		Name:        "Ops Console",
		Permissions: []string{"runbooks:write", "batches:write"},
		CreatedAt:   time.Now(),
		Active:      true,
	}))

	transport := bus.NewInMemoryBus()
	busCfg := &bus.Config{
		ControlTopic: bus.DefaultControlTopic,
		JobsTopic:    bus.DefaultJobsTopic,
		ResultsTopic: bus.DefaultResultsTopic,
	}

	orc := orchestrator.New(&orchestrator.Config{
		ControlGroup: orchestrator.DefaultGroup,
		ResultsGroup: orchestrator.DefaultGroup,
	}, busCfg, orchestrator.Stores{
		Runbooks: runbooks,
		Batches:  batches,
		Execs:    execs,
	}, transport, transport)

	require.NoError(t, transport.Subscribe(ctx, busCfg.ControlTopic, orchestrator.DefaultGroup, orc.HandleControl))
	require.NoError(t, transport.Subscribe(ctx, busCfg.ResultsTopic, orchestrator.DefaultGroup, orc.HandleResult))

	server := NewServer(&ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelError,
		MaxRequestSize:     defaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-Api-Key"},
		CORSMaxAge:         86400,
	}, Stores{
		Runbooks: runbooks,
		Batches:  batches,
		Execs:    execs,
	}, orc, keyStore, nil)

	return &harness{
		server:    server,
		runbooks:  runbooks,
		batches:   batches,
		execs:     execs,
		keyStore:  keyStore,
		transport: transport,
		busCfg:    busCfg,
		orc:       orc,
		clientID:  clientID,
		apiKey:    apiKey,
	}
}

// do serves one request through the full middleware chain.
func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

// send issues an authenticated request, JSON-encoding the payload when one
// is given.
func (h *harness) send(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)

		body = strings.NewReader(string(data))
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Api-Key", h.apiKey)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return h.do(req)
}

// sendRaw issues an authenticated request with an explicit content type and
// body, for exercising the content negotiation and parse failure paths.
func (h *harness) sendRaw(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Api-Key", h.apiKey)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return h.do(req)
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), "body: %s", rr.Body.String())
}

// verifyProblem checks the RFC 7807 envelope and returns the parsed body
// for assertions on the detail.
func verifyProblem(t *testing.T, rr *httptest.ResponseRecorder, wantStatus int) map[string]any {
	t.Helper()

	require.Equal(t, wantStatus, rr.Code, "body: %s", rr.Body.String())
	assert.Equal(t, contentTypeProblemJSON, rr.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))

	assert.NotEmpty(t, problem["type"])
	assert.NotEmpty(t, problem["title"])
	assert.EqualValues(t, wantStatus, problem["status"])
	assert.NotEmpty(t, problem["correlationId"])

	return problem
}

// verifyCorrelationID checks the response carries a generated correlation
// id: 8 random bytes rendered as 16 hex characters.
func verifyCorrelationID(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()

	id := rr.Header().Get("X-Correlation-ID")
	assert.Regexp(t, "^[0-9a-f]{16}$", id)

	return id
}

func TestPublicEndpointsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	t.Run("ping answers without credentials", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/ping", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "pong", rr.Body.String())
		assert.Equal(t, "v1.0.0", rr.Header().Get("X-Cutover-Version"))
		verifyCorrelationID(t, rr)
	})

	t.Run("health reports service identity", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rr.Code)

		var health HealthStatus
		decodeJSON(t, rr, &health)

		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "cutover", health.ServiceName)
		assert.Equal(t, "v1.0.0", health.Version)
	})

	t.Run("ready confirms storage reachable", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", rr.Body.String())
	})

	t.Run("metrics exposes the scrape endpoint", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "# HELP")
	})

	t.Run("unknown path yields problem response", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

		problem := verifyProblem(t, rr, http.StatusNotFound)
		assert.Equal(t, "The requested resource was not found", problem["detail"])
	})

	t.Run("inbound correlation id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Correlation-ID", "runbook-drill-42")

		rr := h.do(req)

		assert.Equal(t, "runbook-drill-42", rr.Header().Get("X-Correlation-ID"))
	})
}

func TestClientAuthenticationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	t.Run("x-api-key header grants access", func(t *testing.T) {
		rr := h.send(t, http.MethodGet, "/api/v1/runbooks", nil)

		require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
		verifyCorrelationID(t, rr)

		var list RunbookListResponse
		decodeJSON(t, rr, &list)
		assert.Zero(t, list.Total)
	})

	t.Run("bearer token grants access", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
		req.Header.Set("Authorization", "Bearer "+h.apiKey)

		rr := h.do(req)
		require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	})

	t.Run("missing key is unauthorized", func(t *testing.T) {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil))

		verifyProblem(t, rr, http.StatusUnauthorized)
		verifyCorrelationID(t, rr)
	})

	t.Run("malformed key is unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
		req.Header.Set("X-Api-Key", "not-a-cutover-key")

		verifyProblem(t, h.do(req), http.StatusUnauthorized)
	})

	t.Run("unknown key is unauthorized", func(t *testing.T) {
		ghostKey, err := storage.GenerateAPIKey("ghost-console")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
		req.Header.Set("X-Api-Key", ghostKey)

		verifyProblem(t, h.do(req), http.StatusUnauthorized)
	})

	t.Run("inactive key is forbidden", func(t *testing.T) {
		inactiveKey, err := storage.GenerateAPIKey("retired-console")
		require.NoError(t, err)

		require.NoError(t, h.keyStore.Add(ctx, &storage.APIKey{
			ID:        "retired-console-key",
			Key:       inactiveKey,
			ClientID:  "retired-console",
			Name:      "Retired Console",
			CreatedAt: time.Now(),
			Active:    false,
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
		req.Header.Set("X-Api-Key", inactiveKey)

		verifyProblem(t, h.do(req), http.StatusForbidden)
	})

	t.Run("expired key is unauthorized", func(t *testing.T) {
		expiredKey, err := storage.GenerateAPIKey("expired-console")
		require.NoError(t, err)

		expiredAt := time.Now().Add(-time.Hour)
		require.NoError(t, h.keyStore.Add(ctx, &storage.APIKey{
			ID:        "expired-console-key",
			Key:       expiredKey,
			ClientID:  "expired-console",
			Name:      "Expired Console",
			CreatedAt: time.Now().Add(-2 * time.Hour),
			ExpiresAt: &expiredAt,
			Active:    true,
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
		req.Header.Set("X-Api-Key", expiredKey)

		verifyProblem(t, h.do(req), http.StatusUnauthorized)
	})
}
