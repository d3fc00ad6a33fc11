package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgrid/gateway/internal/activity"
	"github.com/capgrid/gateway/internal/cache"
	"github.com/capgrid/gateway/internal/circuitbreaker"
	"github.com/capgrid/gateway/internal/core"
	"github.com/capgrid/gateway/internal/executor"
	"github.com/capgrid/gateway/internal/gate"
	"github.com/capgrid/gateway/internal/identity"
	"github.com/capgrid/gateway/internal/metrics"
	"github.com/capgrid/gateway/internal/obslog"
	"github.com/capgrid/gateway/internal/queue"
	"github.com/capgrid/gateway/internal/ratelimit"
	"github.com/capgrid/gateway/internal/receipt"
	"github.com/capgrid/gateway/internal/registry"
	"github.com/capgrid/gateway/internal/router"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *identity.Registry) {
	t.Helper()

	reg := registry.New()
	pub := executor.NewPublicExecutor()
	conf := executor.NewConfidentialExecutor("proof-key")
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	limiter := ratelimit.New(ratelimit.Config{GlobalLimit: 1000, Window: time.Minute})
	q := queue.New(queue.Config{})
	feed := activity.New(activity.Config{SweepInterval: time.Hour})
	col := metrics.NewCollector(nil)
	g := gate.New(gate.Config{HMACSecret: "gate-secret"})
	agents := identity.NewRegistry()
	builder := receipt.NewBuilder("receipt-secret")
	logs := obslog.NewRing(1000)

	t.Cleanup(func() {
		q.Stop()
		feed.Stop()
		limiter.Stop()
	})

	rt := router.New(router.Services{
		Registry: reg,
		Metrics:  col,
		Cache:    cache.NewMemoryCache(1000, 30*time.Second),
		Limiter:  limiter,
		Breaker:  breaker,
		Queue:    q,
		Pool:     executor.NewPool(pub, conf),
		Receipts: builder,
		Usage:    receipt.NewUsageEmitter(),
		Feed:     feed,
		Agents:   agents,
		Gate:     g,
		Logs:     logs,
	}, router.Config{CacheHitsConsumeQuota: true, CacheTTL: 30 * time.Second})

	s := NewServer(Deps{
		Router:   rt,
		Registry: reg,
		Breaker:  breaker,
		Cache:    cache.NewMemoryCache(1000, 30*time.Second),
		Limiter:  limiter,
		Metrics:  col,
		Receipts: builder,
		Scorer:   receipt.NewEWMAScorer(0.2),
		Feed:     feed,
		Agents:   agents,
		Gate:     g,
		Logs:     logs,
	})
	return s, reg, agents
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func testDesc(id string) *core.CapabilityDescriptor {
	return &core.CapabilityDescriptor{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Execution: core.Execution{
			Mode: core.ModePublic,
		},
		Performance: core.Performance{
			LatencyHint:     core.LatencyLow,
			ReliabilityHint: 0.95,
		},
	}
}

func TestInvokeEndpoint(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	w, out := doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.text.hash.v1",
		"inputs":        map[string]interface{}{"text": "hello"},
	}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	assert.NotNil(t, out["receipt"])
}

func TestInvokeUnknownCapabilityIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	w, out := doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.missing.v1",
	}, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, out["success"])
}

func TestInvokeBadBodyIs400(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	req := httptest.NewRequest("POST", "/api/v1/invoke", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchRejectsNullEntries(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	req := httptest.NewRequest("POST", "/api/v1/invoke/batch", bytes.NewBufferString(`{"requests":[null]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	s.limiter.SetLevelLimit(core.TrustAnonymous, 1)
	h := s.Routes()

	w, _ := doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.text.hash.v1",
		"inputs":        map[string]interface{}{"text": "a"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.text.hash.v1",
		"inputs":        map[string]interface{}{"text": "b"},
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestCapabilityDiscovery(t *testing.T) {
	s, reg, _ := newTestServer(t)
	d := testDesc("cap.price.lookup.v1")
	d.Metadata.Tags = []string{"finance"}
	require.NoError(t, reg.Register(d))
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	w, out := doJSON(t, h, "GET", "/api/v1/capabilities", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["capabilities"], 2)

	w, out = doJSON(t, h, "GET", "/api/v1/capabilities?tag=finance", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["capabilities"], 1)

	w, out = doJSON(t, h, "GET", "/api/v1/capabilities/cap.price.lookup.v1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cap.price.lookup.v1", out["id"])

	w, _ = doJSON(t, h, "GET", "/api/v1/capabilities/cap.nope.v1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, out = doJSON(t, h, "GET", "/api/v1/capabilities/summary", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), out["total"])
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	w, out := doJSON(t, h, "GET", "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Contains(t, out, "memory")
	assert.Contains(t, out, "cache")
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	w, out := doJSON(t, h, "POST", "/api/v1/agents/register", map[string]interface{}{
		"agent_id": "agent-a",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	key, _ := out["api_key"].(string)
	require.NotEmpty(t, key)

	// Duplicate registration rejected
	w, _ = doJSON(t, h, "POST", "/api/v1/agents/register", map[string]interface{}{
		"agent_id": "agent-a",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Authenticated invoke records the agent's history
	w, _ = doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.text.hash.v1",
		"inputs":        map[string]interface{}{"text": "hi"},
	}, map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code)

	w, out = doJSON(t, h, "POST", "/api/v1/agents/agent-a/endorse", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, out = doJSON(t, h, "GET", "/api/v1/agents/agent-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent-a", out["agent_id"])
	assert.Equal(t, float64(1), out["successes"])
	assert.Equal(t, float64(1), out["endorsements"])
}

func TestHandshakeRequiresTrust(t *testing.T) {
	s, _, agents := newTestServer(t)
	h := s.Routes()

	// Anonymous callers cannot open a session
	w, _ := doJSON(t, h, "POST", "/api/v1/gate/handshake", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	key, err := agents.Register("agent-a")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, agents.Endorse("agent-a"))
	}

	w, out := doJSON(t, h, "POST", "/api/v1/gate/handshake", nil, map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, out["session_id"])
	assert.NotEmpty(t, out["expires_at"])
}

func TestVerifyReceiptRoundTrip(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	w, out := doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
		"capability_id": "cap.text.hash.v1",
		"inputs":        map[string]interface{}{"text": "verify-me"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	blob, _ := out["receipt_blob"].(string)
	require.NotEmpty(t, blob)

	w, out = doJSON(t, h, "POST", "/api/v1/receipts/verify", map[string]interface{}{
		"receipt_blob": blob,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["valid"])

	// Tampered blob fails signature verification
	rec, err := receipt.Decode(blob)
	require.NoError(t, err)
	rec.CostActual += 1
	tampered, err := receipt.Encode(rec)
	require.NoError(t, err)

	w, out = doJSON(t, h, "POST", "/api/v1/receipts/verify", map[string]interface{}{
		"receipt_blob": tampered,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["valid"])
}

func TestActivityEndpoint(t *testing.T) {
	s, reg, _ := newTestServer(t)
	require.NoError(t, reg.Register(testDesc("cap.text.hash.v1")))
	h := s.Routes()

	for i := 0; i < 3; i++ {
		w, _ := doJSON(t, h, "POST", "/api/v1/invoke", map[string]interface{}{
			"capability_id": "cap.text.hash.v1",
			"inputs":        map[string]interface{}{"text": fmt.Sprintf("%d", i)},
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, out := doJSON(t, h, "GET", "/api/v1/activity?types=capability_invoked&limit=2", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["events"], 2)
}

func TestCircuitResetEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	w, out := doJSON(t, h, "POST", "/api/v1/admin/circuit/cap.flaky.svc.v1/reset", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", out["state"])
}

func TestLogsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.logs.Info("test", "hello", nil)
	s.logs.Error("test", "boom", nil)
	h := s.Routes()

	w, out := doJSON(t, h, "GET", "/api/v1/logs?level=error", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["entries"], 1)
}

func TestReputationExportMerge(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.scorer.Ingest(receipt.UsageMeta{CapabilityID: "cap.text.hash.v1", Success: true, LatencyMs: 20})
	h := s.Routes()

	w, out := doJSON(t, h, "GET", "/api/v1/reputation/export", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	blob, _ := out["reputation"].(string)
	require.NotEmpty(t, blob)

	w, out = doJSON(t, h, "POST", "/api/v1/reputation/merge", map[string]interface{}{
		"reputation": blob,
		"weight":     0.5,
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["merged"])

	w, _ = doJSON(t, h, "POST", "/api/v1/reputation/merge", map[string]interface{}{
		"reputation": "not-a-blob",
		"weight":     0.5,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	req := httptest.NewRequest("OPTIONS", "/api/v1/invoke", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
