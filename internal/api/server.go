// Package api exposes the gateway over REST/JSON plus a websocket activity
// stream and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capgrid/gateway/internal/activity"
	"github.com/capgrid/gateway/internal/cache"
	"github.com/capgrid/gateway/internal/circuitbreaker"
	"github.com/capgrid/gateway/internal/core"
	"github.com/capgrid/gateway/internal/gate"
	"github.com/capgrid/gateway/internal/identity"
	"github.com/capgrid/gateway/internal/metrics"
	"github.com/capgrid/gateway/internal/obslog"
	"github.com/capgrid/gateway/internal/ratelimit"
	"github.com/capgrid/gateway/internal/receipt"
	"github.com/capgrid/gateway/internal/registry"
	"github.com/capgrid/gateway/internal/router"
)

// Server wires the HTTP surface over the gateway subsystems.
type Server struct {
	router   *router.Router
	registry *registry.Registry
	breaker  *circuitbreaker.Breaker
	cache    cache.ResponseCache
	limiter  *ratelimit.Limiter
	col      *metrics.Collector
	receipts *receipt.Builder
	scorer   *receipt.EWMAScorer
	feed     *activity.Feed
	agents   *identity.Registry
	gate     *gate.Gate
	logs     *obslog.Ring

	httpServer *http.Server
	logger     *log.Logger
}

// Deps are the subsystems the HTTP surface reads from.
type Deps struct {
	Router   *router.Router
	Registry *registry.Registry
	Breaker  *circuitbreaker.Breaker
	Cache    cache.ResponseCache
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Collector
	Receipts *receipt.Builder
	Scorer   *receipt.EWMAScorer
	Feed     *activity.Feed
	Agents   *identity.Registry
	Gate     *gate.Gate
	Logs     *obslog.Ring
}

// NewServer creates the server; Start binds it.
func NewServer(d Deps) *Server {
	return &Server{
		router:   d.Router,
		registry: d.Registry,
		breaker:  d.Breaker,
		cache:    d.Cache,
		limiter:  d.Limiter,
		col:      d.Metrics,
		receipts: d.Receipts,
		scorer:   d.Scorer,
		feed:     d.Feed,
		agents:   d.Agents,
		gate:     d.Gate,
		logs:     d.Logs,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Session-ID, X-Capability-Token")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Invocation surface
	v1.HandleFunc("/invoke", s.handleInvoke).Methods("POST")
	v1.HandleFunc("/invoke/batch", s.handleBatch).Methods("POST")
	v1.HandleFunc("/compose", s.handleCompose).Methods("POST")
	v1.HandleFunc("/queue/invoke", s.handleInvoke).Methods("POST")

	// Discovery surface
	v1.HandleFunc("/capabilities", s.handleListCapabilities).Methods("GET")
	v1.HandleFunc("/capabilities/summary", s.handleCapabilitySummary).Methods("GET")
	v1.HandleFunc("/capabilities/{id}", s.handleGetCapability).Methods("GET")

	// Control surface
	v1.HandleFunc("/admin/circuit/{id}/reset", s.handleCircuitReset).Methods("POST")
	v1.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	v1.HandleFunc("/metrics/{id}", s.handleCapabilityMetrics).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/logs", s.handleLogs).Methods("GET")

	// Receipts and reputation
	v1.HandleFunc("/receipts/verify", s.handleVerifyReceipt).Methods("POST")
	v1.HandleFunc("/reputation/export", s.handleReputationExport).Methods("GET")
	v1.HandleFunc("/reputation/merge", s.handleReputationMerge).Methods("POST")

	// Activity
	v1.HandleFunc("/activity", s.handleActivity).Methods("GET")
	v1.HandleFunc("/activity/stream", s.handleActivityStream).Methods("GET")

	// Agents and confidential access
	v1.HandleFunc("/agents/register", s.handleAgentRegister).Methods("POST")
	v1.HandleFunc("/agents/{id}", s.handleAgentProfile).Methods("GET")
	v1.HandleFunc("/agents/{id}/endorse", s.handleAgentEndorse).Methods("POST")
	v1.HandleFunc("/gate/handshake", s.handleHandshake).Methods("POST")
	v1.HandleFunc("/gate/token", s.handleIssueToken).Methods("POST")

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start binds and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Gateway listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// identify resolves the caller from X-API-Key and stamps the remote IP.
func (s *Server) identify(req *core.InvocationRequest, r *http.Request) {
	id, err := s.agents.Resolve(r.Header.Get("X-API-Key"))
	if err != nil {
		s.logs.Warn("api", "api key rejected", map[string]interface{}{"error": err.Error()})
	}
	req.Identity = id
	req.RemoteIP = remoteIP(r)
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeResult maps a pipeline result to its transport status, setting
// Retry-After when the caller was rate limited.
func writeResult(w http.ResponseWriter, res *core.InvocationResult) {
	status := http.StatusOK
	if res.Error != nil {
		status = res.Error.Kind.HTTPStatus()
		if res.Error.Kind == core.KindRateLimited {
			if ms, ok := res.Error.Details["retry_after_ms"].(int64); ok && ms > 0 {
				w.Header().Set("Retry-After", formatSeconds(ms))
			}
		}
	}
	writeJSON(w, status, res)
}

func formatSeconds(ms int64) string {
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	var buf [20]byte
	i := len(buf)
	for secs > 0 {
		i--
		buf[i] = byte('0' + secs%10)
		secs /= 10
	}
	return string(buf[i:])
}

func writeError(w http.ResponseWriter, gerr *core.Error) {
	writeJSON(w, gerr.Kind.HTTPStatus(), map[string]interface{}{"error": gerr})
}

// healthSnapshot assembles the system health document.
func (s *Server) healthSnapshot() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sys := s.col.System()
	return map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": sys.UptimeMs / 1000,
		"load_factor":    s.limiter.LoadFactor(),
		"memory": map[string]interface{}{
			"heap_alloc_bytes": mem.HeapAlloc,
			"heap_sys_bytes":   mem.HeapSys,
			"num_gc":           mem.NumGC,
			"goroutines":       runtime.NumGoroutine(),
		},
		"cache": s.cache.Stats(),
		"requests": map[string]interface{}{
			"total": sys.TotalRequests,
			"rpm":   sys.RPM,
		},
		"performance": map[string]interface{}{
			"slowest": s.col.Slowest(5),
			"top":     s.col.Top(5),
		},
	}
}
