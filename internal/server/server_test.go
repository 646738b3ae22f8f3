package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/tryon-router/internal/cache"
	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/middleware"
	"github.com/tributary-ai/tryon-router/internal/providers"
	"github.com/tributary-ai/tryon-router/internal/routing"
	"github.com/tributary-ai/tryon-router/internal/security"
	"github.com/tributary-ai/tryon-router/internal/types"
)

const validBody = `{"person_image":"aGVsbG8=","garment_image":"d29ybGQ="}`

type stubProvider struct {
	id        string
	priority  int
	resultURL string
	err       error
	healthErr error
	calls     atomic.Int32
}

func (p *stubProvider) ID() string    { return p.id }
func (p *stubProvider) Priority() int { return p.priority }
func (p *stubProvider) Info() types.ProviderInfo {
	return types.ProviderInfo{ID: p.id, Priority: p.priority}
}

func (p *stubProvider) Generate(ctx context.Context, in *types.TryOnInput) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.resultURL, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) error {
	return p.healthErr
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	getErr  error
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*cache.Entry)}
}

func (c *memoryCache) Get(ctx context.Context, person, garment string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[cache.Key("", person, garment)], nil
}

func (c *memoryCache) Set(ctx context.Context, person, garment string, entry *cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[cache.Key("", person, garment)] = entry
	return nil
}

func (c *memoryCache) Close() error { return nil }

type testEnv struct {
	server  *Server
	handler http.Handler
	tracker *health.Tracker
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func createTestServer(t *testing.T, config *ServerConfig, resultCache cache.ResultCache, list ...providers.TryOnProvider) *testEnv {
	logger := testLogger()
	registry := providers.NewRegistry(logger)
	for _, p := range list {
		require.NoError(t, registry.Register(p))
	}

	tracker, err := health.NewTracker(health.Config{DegradedThreshold: 1, UnavailableThreshold: 2}, logger, registry.IDs()...)
	require.NoError(t, err)

	orchestrator := routing.NewOrchestrator(registry, tracker, routing.Config{}, logger)

	if config == nil {
		config = &ServerConfig{Port: "0"}
	}
	if config.OpenAPI == nil {
		config.OpenAPI = &middleware.ValidationConfig{Enabled: true}
	}

	srv, err := NewServer(orchestrator, resultCache, config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return &testEnv{server: srv, handler: srv.Handler(), tracker: tracker}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) types.TryOnResult {
	var result types.TryOnResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result), rr.Body.String())
	return result
}

func TestServer_TryOnSuccess(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, err: errors.New("boom")}
	b := &stubProvider{id: "B", priority: 2, resultURL: "https://b.example/out.png"}
	env := createTestServer(t, nil, nil, a, b)

	rr := env.do(http.MethodPost, "/v1/try-on", validBody, map[string]string{"X-Request-ID": "req-123"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))

	result := decodeResult(t, rr)
	assert.True(t, result.Success)
	assert.Equal(t, "B", result.ProviderID)
	assert.Equal(t, "https://b.example/out.png", result.ResultImageURL)
	assert.Equal(t, "req-123", result.RequestID)
	assert.Equal(t, 2, result.Attempts)
	assert.Empty(t, result.Error)
}

func TestServer_TryOnBodyIDOverridesHeader(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, resultURL: "https://a.example/out.png"}
	env := createTestServer(t, nil, nil, a)

	body := `{"id":"client-42","person_image":"aGVsbG8=","garment_image":"d29ybGQ="}`
	rr := env.do(http.MethodPost, "/v1/try-on", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-42", decodeResult(t, rr).RequestID)
}

func TestServer_TryOnExhausted(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, err: errors.New("connection refused")}
	b := &stubProvider{id: "B", priority: 2, err: errors.New("queue full")}
	env := createTestServer(t, nil, nil, a, b)

	rr := env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	result := decodeResult(t, rr)
	assert.False(t, result.Success)
	assert.Equal(t, BusyMessage, result.Error)
	assert.Empty(t, result.ProviderID)
	assert.NotContains(t, rr.Body.String(), "connection refused")

	stats := env.tracker.Stats()
	assert.Equal(t, int64(1), stats["A"].FailureCount)
	assert.Equal(t, int64(1), stats["B"].FailureCount)
}

func TestServer_TryOnRejectsInvalidRequests(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, resultURL: "https://a.example/out.png"}
	env := createTestServer(t, nil, nil, a)

	rr := env.do(http.MethodPost, "/v1/try-on", `{"person_image":"aGVsbG8="}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "garment_image")

	rr = env.do(http.MethodPost, "/v1/try-on", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/try-on", strings.NewReader(validBody))
	req.Header.Set("Content-Type", "text/plain")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)

	assert.Equal(t, int32(0), a.calls.Load())
}

func TestServer_TryOnPayloadValidation(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, resultURL: "https://a.example/out.png"}
	env := createTestServer(t, &ServerConfig{
		Security: &middleware.SecurityMiddlewareConfig{
			Validation: &security.ValidationConfig{},
		},
	}, nil, a)

	rr := env.do(http.MethodPost, "/v1/try-on", `{"person_image":"%%%","garment_image":"d29ybGQ="}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "person_image is not valid base64")
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestServer_TryOnCache(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, resultURL: "https://a.example/out.png"}
	resultCache := newMemoryCache()
	env := createTestServer(t, nil, resultCache, a)

	rr := env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeResult(t, rr).Cached)
	assert.Equal(t, 1, resultCache.sets)

	rr = env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decodeResult(t, rr)
	assert.True(t, result.Cached)
	assert.Equal(t, "A", result.ProviderID)
	assert.Equal(t, "https://a.example/out.png", result.ResultImageURL)
	assert.Equal(t, 0, result.Attempts)

	assert.Equal(t, int32(1), a.calls.Load(), "cache hit must not reach providers")
}

func TestServer_TryOnCacheErrorFallsThrough(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, resultURL: "https://a.example/out.png"}
	resultCache := newMemoryCache()
	resultCache.getErr = errors.New("redis down")
	env := createTestServer(t, nil, resultCache, a)

	rr := env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestServer_StatusAndHealth(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, err: errors.New("boom")}
	env := createTestServer(t, nil, nil, a)

	rr := env.do(http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)

	// thresholds are 1 and 2 in tests
	env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	rr = env.do(http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)

	env.do(http.MethodPost, "/v1/try-on", validBody, nil)
	rr = env.do(http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"A":"unavailable"`)

	rr = env.do(http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status struct {
		Providers map[string]types.ProviderHealthStats `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "unavailable", status.Providers["A"].State)
	assert.Equal(t, int64(2), status.Providers["A"].FailureCount)
	assert.Equal(t, int64(2), status.Providers["A"].ConsecutiveFailures)
}

func TestServer_HealthResetRequiresPermission(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, err: errors.New("boom")}
	env := createTestServer(t, &ServerConfig{
		Security: &middleware.SecurityMiddlewareConfig{
			Auth: &security.Config{
				APIKeys:      []string{"client-key-0001"},
				AdminAPIKeys: []string{"admin-key-0001"},
				RequireAuth:  true,
			},
			Audit: &security.AuditConfig{Enabled: true},
		},
	}, nil, a)

	client := map[string]string{"X-API-Key": "client-key-0001"}
	admin := map[string]string{"X-API-Key": "admin-key-0001"}

	env.do(http.MethodPost, "/v1/try-on", validBody, client)
	require.Equal(t, int64(1), env.tracker.Stats()["A"].FailureCount)

	rr := env.do(http.MethodPost, "/v1/health/reset", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(http.MethodPost, "/v1/health/reset", "", client)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, int64(1), env.tracker.Stats()["A"].FailureCount)

	rr = env.do(http.MethodPost, "/v1/health/reset", "", admin)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(0), env.tracker.Stats()["A"].FailureCount)
	assert.Equal(t, "healthy", env.tracker.Stats()["A"].State)

	// aggregate health stays public
	rr = env.do(http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_ListProviders(t *testing.T) {
	b := &stubProvider{id: "B", priority: 2}
	a := &stubProvider{id: "A", priority: 1}
	env := createTestServer(t, nil, nil, b, a)

	rr := env.do(http.MethodGet, "/v1/providers", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Providers []types.ProviderInfo `json:"providers"`
		Count     int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "A", body.Providers[0].ID)
	assert.Equal(t, "B", body.Providers[1].ID)
}

func TestServer_GetProvider(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1, err: errors.New("submission failed")}
	env := createTestServer(t, nil, nil, a)

	env.server.orchestrator.Execute(context.Background(), "cGVyc29u", "Z2FybWVudA==")

	rr := env.do(http.MethodGet, "/v1/providers/A", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Provider types.ProviderInfo        `json:"provider"`
		Health   types.ProviderHealthStats `json:"health"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "A", body.Provider.ID)
	assert.Equal(t, int64(1), body.Health.FailureCount)
	assert.Equal(t, "degraded", body.Health.State)

	rr = env.do(http.MethodGet, "/v1/providers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "provider missing not found")

	// the fixed route is not shadowed by the id route
	rr = env.do(http.MethodGet, "/v1/providers/reachability", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"reachable":1`)
}

func TestServer_Reachability(t *testing.T) {
	a := &stubProvider{id: "A", priority: 1}
	b := &stubProvider{id: "B", priority: 2, healthErr: errors.New("503 Service Unavailable")}
	env := createTestServer(t, nil, nil, a, b)

	rr := env.do(http.MethodGet, "/v1/providers/reachability", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Providers []types.ReachabilityStatus `json:"providers"`
		Reachable int                        `json:"reachable"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Reachable)
	require.Len(t, body.Providers, 2)
	assert.True(t, body.Providers[0].Available)
	assert.False(t, body.Providers[1].Available)
	assert.Equal(t, "503 Service Unavailable", body.Providers[1].Error)

	// probes leave health untouched
	assert.Equal(t, int64(0), env.tracker.Stats()["B"].FailureCount)
}

func TestServer_LivenessAndDocs(t *testing.T) {
	env := createTestServer(t, nil, nil, &stubProvider{id: "A", priority: 1})

	rr := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = env.do(http.MethodGet, "/docs/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &spec))
	assert.Equal(t, "3.0.3", spec["openapi"])
	assert.Contains(t, spec["paths"], "/v1/try-on")

	rr = env.do(http.MethodGet, "/docs/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "openapi: 3.0.3")

	rr = env.do(http.MethodGet, "/docs", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/docs/openapi.yaml")
}

func TestServer_RequestIDGenerated(t *testing.T) {
	env := createTestServer(t, nil, nil, &stubProvider{id: "A", priority: 1})

	rr := env.do(http.MethodGet, "/health", "", nil)
	assert.Len(t, rr.Header().Get("X-Request-ID"), 36)

	rr = env.do(http.MethodGet, "/health", "", map[string]string{"X-Request-ID": strings.Repeat("x", 500)})
	assert.Len(t, rr.Header().Get("X-Request-ID"), 36, "oversized ids are replaced")
}
