package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/capgrid/gateway/internal/activity"
	"github.com/capgrid/gateway/internal/api"
	"github.com/capgrid/gateway/internal/cache"
	"github.com/capgrid/gateway/internal/circuitbreaker"
	"github.com/capgrid/gateway/internal/config"
	"github.com/capgrid/gateway/internal/core"
	"github.com/capgrid/gateway/internal/executor"
	"github.com/capgrid/gateway/internal/gate"
	"github.com/capgrid/gateway/internal/identity"
	"github.com/capgrid/gateway/internal/memguard"
	"github.com/capgrid/gateway/internal/metrics"
	"github.com/capgrid/gateway/internal/obslog"
	"github.com/capgrid/gateway/internal/queue"
	"github.com/capgrid/gateway/internal/ratelimit"
	"github.com/capgrid/gateway/internal/receipt"
	"github.com/capgrid/gateway/internal/registry"
	"github.com/capgrid/gateway/internal/router"
)

// loadSinkFunc adapts a closure into a memguard.LoadSink.
type loadSinkFunc func(heapPct, avgLatencyMs float64)

func (f loadSinkFunc) UpdateLoad(heapPct, avgLatencyMs float64) { f(heapPct, avgLatencyMs) }

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logs := obslog.NewRing(1000)
	prom := metrics.NewPromMetrics()
	col := metrics.NewCollector(prom)

	respCache := buildCache(cfg, logs)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalLimit: cfg.RateLimit.GlobalMax,
		Window:      cfg.RateLimit.Window,
	})
	feed := activity.New(activity.Config{
		MaxEvents: cfg.Activity.MaxEvents,
		TTL:       cfg.Activity.TTL,
	})

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
		OnStateChange: func(capabilityID string, from, to circuitbreaker.State) {
			col.SetBreakerOpen(capabilityID, to == circuitbreaker.StateOpen)
			switch to {
			case circuitbreaker.StateOpen:
				feed.Record(activity.TypeCircuitOpened, "",
					map[string]interface{}{"capability": capabilityID}, activity.VisibilityPublic)
				logs.Warn("circuit", "circuit opened", map[string]interface{}{
					"capability": capabilityID, "from": from.String()})
			case circuitbreaker.StateClosed:
				feed.Record(activity.TypeCircuitClosed, "",
					map[string]interface{}{"capability": capabilityID}, activity.VisibilityPublic)
				logs.Info("circuit", "circuit closed", map[string]interface{}{
					"capability": capabilityID, "from": from.String()})
			}
		},
	})

	q := queue.New(queue.Config{
		MaxDepth: map[core.Priority]int{
			core.PriorityCritical: cfg.Queue.MaxDepthCritical,
			core.PriorityHigh:     cfg.Queue.MaxDepthHigh,
			core.PriorityNormal:   cfg.Queue.MaxDepthNormal,
			core.PriorityLow:      cfg.Queue.MaxDepthLow,
		},
	})

	pub := executor.NewPublicExecutor()
	conf := executor.NewConfidentialExecutor(cfg.Gate.HMACSecret)
	conf.RegisterHandler("cap.cspl.wrap.v1", confidentialWrapHandler)
	pool := executor.NewPool(pub, conf)

	builder := receipt.NewBuilder(cfg.Receipts.HMACSecret)
	usage := receipt.NewUsageEmitter()
	scorer := receipt.NewEWMAScorer(0.1)

	usageCh := usage.Subscribe()
	go func() {
		for meta := range usageCh {
			scorer.Ingest(meta)
		}
	}()

	agents := identity.NewRegistry()
	g := gate.New(gate.Config{HMACSecret: cfg.Gate.HMACSecret})

	var receiptStore receipt.Store
	var agentStore *identity.PostgresStore
	if dsn := cfg.Backends.DatabaseURL; dsn != "" {
		rs, err := receipt.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("Receipt store: %v", err)
		}
		defer rs.Close()
		receiptStore = rs

		agentStore, err = identity.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("Agent store: %v", err)
		}
		defer agentStore.Close()
		if n, err := agentStore.LoadInto(context.Background(), agents); err != nil {
			log.Fatalf("Restore agents: %v", err)
		} else if n > 0 {
			logs.Info("boot", "restored agents", map[string]interface{}{"count": n})
		}
	}

	guard := memguard.New(memguard.Config{
		HeapLimitBytes: uint64(cfg.Memory.HeapLimitMB) << 20,
	})
	guard.AddSweeper(respCache)
	guard.AddSweeper(memguard.SweeperFunc(feed.SweepExpired))
	guard.AddSweeper(memguard.SweeperFunc(g.SweepExpired))
	guard.AddLoadSink(loadSinkFunc(func(heapPct, avgLatencyMs float64) {
		limiter.UpdateLoad(heapPct, avgLatencyMs)
	}))
	guard.AddLoadSink(loadSinkFunc(func(_, _ float64) {
		col.SetLoadFactor(limiter.LoadFactor())
	}))
	guard.AddShedder(q)
	guard.Start()

	reg := registry.New()
	registerBuiltinCapabilities(reg)
	if cfg.Server.Manifest != "" {
		if err := reg.LoadManifest(cfg.Server.Manifest); err != nil {
			log.Fatalf("Capability manifest: %v", err)
		}
	}
	reg.Freeze()
	logs.Info("boot", "capability catalog frozen", map[string]interface{}{"count": reg.Count()})

	rt := router.New(router.Services{
		Registry: reg,
		Metrics:  col,
		Cache:    respCache,
		Limiter:  limiter,
		Breaker:  breaker,
		Queue:    q,
		Pool:     pool,
		Receipts: builder,
		Store:    receiptStore,
		Usage:    usage,
		Feed:     feed,
		Agents:   agents,
		Gate:     g,
		Logs:     logs,
	}, router.Config{
		CacheHitsConsumeQuota: cfg.Cache.HitsConsumeQuota,
		CacheTTL:              cfg.Cache.DefaultTTL,
	})

	server := api.NewServer(api.Deps{
		Router:   rt,
		Registry: reg,
		Breaker:  breaker,
		Cache:    respCache,
		Limiter:  limiter,
		Metrics:  col,
		Receipts: builder,
		Scorer:   scorer,
		Feed:     feed,
		Agents:   agents,
		Gate:     g,
		Logs:     logs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if agentStore != nil {
		go persistAgents(ctx, agents, agentStore)
	}

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	if err := server.Start(ctx, addr); err != nil {
		log.Printf("Server stopped: %v", err)
	}

	guard.Stop()
	q.Stop()
	feed.Stop()
	limiter.Stop()
	usage.Unsubscribe(usageCh)
}

// buildCache prefers Redis when configured, falling back to the in-process
// cache when the connection fails so a cache outage never blocks boot.
func buildCache(cfg *config.Config, logs *obslog.Ring) cache.ResponseCache {
	if cfg.Backends.RedisAddr != "" {
		rc, err := cache.NewRedisCache(cfg.Backends.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err == nil {
			logs.Info("boot", "response cache on redis", map[string]interface{}{
				"addr": cfg.Backends.RedisAddr})
			return rc
		}
		logs.Warn("boot", "redis unavailable, using memory cache", map[string]interface{}{
			"addr": cfg.Backends.RedisAddr, "error": err.Error()})
	}
	return cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)
}

// persistAgents flushes agent trust counters every minute and once more on
// shutdown.
func persistAgents(ctx context.Context, agents *identity.Registry, store *identity.PostgresStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	flush := func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, p := range agents.Profiles() {
			hash, ok := agents.KeyHash(p.AgentID)
			if !ok {
				continue
			}
			if err := store.Save(saveCtx, p, hash); err != nil {
				log.Printf("Persist agent %s: %v", p.AgentID, err)
			}
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// confidentialWrapHandler is the reference confidential capability: it wraps
// the payload under the proof envelope without ever exposing it in outputs.
func confidentialWrapHandler(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, float64, error) {
	size := 0
	if payload, ok := inputs["payload"].(string); ok {
		size = len(payload)
	}
	return map[string]interface{}{
		"wrapped":      true,
		"payload_size": size,
	}, 0.0002, nil
}

// registerBuiltinCapabilities installs the descriptors for the reference
// handlers the executors ship with.
func registerBuiltinCapabilities(reg *registry.Registry) {
	builtins := []*core.CapabilityDescriptor{
		{
			ID:          "cap.price.lookup.v1",
			Name:        "Token price lookup",
			Description: "Deterministic demo price quote for a token pair.",
			Version:     "1.0.0",
			Execution:   core.Execution{Mode: core.ModePublic},
			Economics:   core.Economics{CostHint: 0.0001},
			Performance: core.Performance{
				LatencyHint:     core.LatencyLow,
				ReliabilityHint: 0.99,
			},
			Composable: true,
			Metadata:   core.DescriptorMetadata{Tags: []string{"finance", "demo"}},
		},
		{
			ID:          "cap.text.hash.v1",
			Name:        "Text hashing",
			Description: "SHA-256 digest of the supplied text.",
			Version:     "1.0.0",
			Execution:   core.Execution{Mode: core.ModePublic},
			Performance: core.Performance{
				LatencyHint:     core.LatencyLow,
				ReliabilityHint: 0.999,
			},
			Composable: true,
			Metadata:   core.DescriptorMetadata{Tags: []string{"util", "demo"}},
		},
		{
			ID:          "cap.cspl.wrap.v1",
			Name:        "Confidential payload wrap",
			Description: "Wraps a payload inside the confidential executor with an attestation proof.",
			Version:     "1.0.0",
			Execution: core.Execution{
				Mode:      core.ModeConfidential,
				ProofType: "hmac-attestation",
			},
			Economics: core.Economics{CostHint: 0.0002},
			Performance: core.Performance{
				LatencyHint:     core.LatencyMedium,
				ReliabilityHint: 0.97,
			},
			Metadata: core.DescriptorMetadata{Tags: []string{"privacy", "demo"}},
		},
	}
	for _, d := range builtins {
		if err := reg.Register(d); err != nil {
			log.Fatalf("Builtin capability %s: %v", d.ID, err)
		}
	}
}
