// Package router is the invocation pipeline: identify, rate gates, circuit
// gate, policy gate, cache probe, queue admission with dedup, execution with
// a latency-hint deadline, then artefact emission.
package router

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/capgrid/gateway/internal/activity"
	"github.com/capgrid/gateway/internal/cache"
	"github.com/capgrid/gateway/internal/canonical"
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
)

// Services are the subsystems the router drives. Constructed once in the
// composition root and passed in explicitly; Store may be nil.
type Services struct {
	Registry *registry.Registry
	Metrics  *metrics.Collector
	Cache    cache.ResponseCache
	Limiter  *ratelimit.Limiter
	Breaker  *circuitbreaker.Breaker
	Queue    *queue.Queue
	Pool     *executor.Pool
	Receipts *receipt.Builder
	Store    receipt.Store
	Usage    *receipt.UsageEmitter
	Feed     *activity.Feed
	Agents   *identity.Registry
	Gate     *gate.Gate
	Logs     *obslog.Ring
}

// Config holds router tunables.
type Config struct {
	// CacheHitsConsumeQuota charges the rate limiter for cache-served
	// invocations. Default on; turning it off probes the cache before the
	// rate gates.
	CacheHitsConsumeQuota bool

	// CacheTTL is the TTL for entries the router writes. Zero uses the
	// cache's default.
	CacheTTL time.Duration

	// MaxBatch bounds one batch invocation. Default 10.
	MaxBatch int
}

// Router executes the pipeline.
type Router struct {
	s      Services
	cfg    Config
	logger *log.Logger
}

// New creates a router over the given services.
func New(s Services, cfg Config) *Router {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 10
	}
	return &Router{
		s:      s,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Invoke runs one request through the full pipeline. The returned result is
// always non-nil; rejections and failures carry a classified error.
func (r *Router) Invoke(ctx context.Context, req *core.InvocationRequest) *core.InvocationResult {
	if req.Identity.AgentID == "" {
		req.Identity = core.Anonymous
	}
	req.Priority = core.ParsePriority(string(req.Priority))

	if !core.IDPattern.MatchString(req.CapabilityID) {
		return r.reject(req, core.NewError(core.KindValidation,
			"capability id %q does not match required pattern", req.CapabilityID))
	}

	desc := r.s.Registry.Get(req.CapabilityID)
	if desc == nil {
		return r.reject(req, core.NewError(core.KindNotFound, "unknown capability").
			WithDetail("capability_id", req.CapabilityID))
	}

	cacheKey := canonical.CacheKey(req.CapabilityID, req.Inputs)

	// Free cache probe only when hits are configured not to consume quota.
	if !r.cfg.CacheHitsConsumeQuota && !req.NoCache {
		if res := r.serveFromCache(req, desc, cacheKey); res != nil {
			return res
		}
	}

	if gerr := r.rateGates(req); gerr != nil {
		return r.reject(req, gerr)
	}

	probeClaimed := false
	if err := r.s.Breaker.Allow(req.CapabilityID); err != nil {
		r.s.Metrics.SetBreakerOpen(req.CapabilityID, true)
		return r.reject(req, core.NewError(core.KindServiceUnavailable, "circuit_open").
			WithDetail("capability_id", req.CapabilityID))
	}
	probeClaimed = r.s.Breaker.State(req.CapabilityID) == circuitbreaker.StateHalfOpen

	if desc.Execution.Mode == core.ModeConfidential && !r.s.Gate.Allows(req.Identity, desc.ID) {
		if probeClaimed {
			r.s.Breaker.ReleaseProbe(desc.ID)
		}
		return r.reject(req, core.NewError(core.KindForbidden,
			"confidential capability requires a handshake session or capability token").
			WithDetail("capability_id", desc.ID))
	}

	if !req.NoCache {
		if res := r.serveFromCache(req, desc, cacheKey); res != nil {
			// Cache hits charge the breaker as a success.
			r.s.Breaker.RecordSuccess(desc.ID)
			return res
		}
	}

	key := canonical.InflightKey(req.CapabilityID, req.Inputs)
	if req.DedupKey != "" {
		key = "dk:" + req.Identity.AgentID + ":" + req.DedupKey
	}

	work := func(wctx context.Context) (interface{}, error) {
		return r.execute(wctx, req, desc, cacheKey), nil
	}

	future, attached, err := r.s.Queue.Submit(ctx, req.Priority, key, work)
	if err != nil {
		if probeClaimed {
			r.s.Breaker.ReleaseProbe(desc.ID)
		}
		return r.reject(req, r.queueError(req.Priority, err))
	}
	if attached && probeClaimed {
		// Another entry already holds the probe's execution.
		r.s.Breaker.ReleaseProbe(desc.ID)
	}

	r.exportQueueDepths()

	value, werr := future.Wait(ctx)
	if werr != nil {
		if errors.Is(werr, queue.ErrStopped) {
			return r.reject(req, core.NewError(core.KindServiceUnavailable, "gateway shutting down").
				WithDetail("capability_id", desc.ID))
		}
		return r.reject(req, core.NewError(core.KindTimeout, "request cancelled or deadline elapsed").
			WithDetail("capability_id", desc.ID))
	}

	shared := value.(*core.InvocationResult)
	out := *shared
	out.QueueWaitMs = future.QueueWaitMs()
	return &out
}

// Batch runs up to MaxBatch requests concurrently and returns per-item
// results in order.
func (r *Router) Batch(ctx context.Context, reqs []*core.InvocationRequest) ([]*core.InvocationResult, *core.Error) {
	if len(reqs) == 0 {
		return nil, core.NewError(core.KindValidation, "batch requires at least one request")
	}
	if len(reqs) > r.cfg.MaxBatch {
		return nil, core.NewError(core.KindValidation, "batch exceeds maximum of %d requests", r.cfg.MaxBatch)
	}
	for _, rq := range reqs {
		if rq == nil {
			return nil, core.NewError(core.KindValidation, "batch must not contain null requests")
		}
	}

	results := make([]*core.InvocationResult, len(reqs))
	var wg sync.WaitGroup
	for i, rq := range reqs {
		wg.Add(1)
		go func(i int, rq *core.InvocationRequest) {
			defer wg.Done()
			results[i] = r.Invoke(ctx, rq)
		}(i, rq)
	}
	wg.Wait()
	return results, nil
}

// ComposeStep is one step of a sequential composition.
type ComposeStep struct {
	CapabilityID string                 `json:"capability_id"`
	Inputs       map[string]interface{} `json:"inputs"`
	Priority     string                 `json:"priority,omitempty"`
}

// ComposeResult carries per-step outcomes.
type ComposeResult struct {
	Steps     []*core.InvocationResult `json:"steps"`
	Completed int                      `json:"completed"`
	Success   bool                     `json:"success"`
}

// Compose runs steps in order. With stopOnError the first failed step halts
// the composition; later steps are not attempted.
func (r *Router) Compose(ctx context.Context, identity core.Identity, remoteIP string, steps []ComposeStep, stopOnError bool) (*ComposeResult, *core.Error) {
	if len(steps) == 0 {
		return nil, core.NewError(core.KindValidation, "compose requires at least one step")
	}

	out := &ComposeResult{Success: true}
	for _, step := range steps {
		req := &core.InvocationRequest{
			CapabilityID: step.CapabilityID,
			Inputs:       step.Inputs,
			Priority:     core.ParsePriority(step.Priority),
			Identity:     identity,
			RemoteIP:     remoteIP,
		}
		res := r.Invoke(ctx, req)
		out.Steps = append(out.Steps, res)
		if res.Success {
			out.Completed++
			continue
		}
		out.Success = false
		if stopOnError {
			break
		}
	}
	return out, nil
}

// rateGates checks the global window, then the identity window.
func (r *Router) rateGates(req *core.InvocationRequest) *core.Error {
	if req.RemoteIP != "" {
		d := r.s.Limiter.CheckAndConsume(ratelimit.ScopeGlobal, req.RemoteIP, req.Identity.TrustLevel)
		if !d.Allowed {
			r.s.Metrics.RecordRateDenied("global")
			return rateLimitedError("global", d)
		}
	}

	d := r.s.Limiter.CheckAndConsume(ratelimit.ScopeIdentity, req.Identity.AgentID, req.Identity.TrustLevel)
	if !d.Allowed {
		r.s.Metrics.RecordRateDenied("identity")
		return rateLimitedError("identity", d)
	}
	return nil
}

func rateLimitedError(scope string, d ratelimit.Decision) *core.Error {
	return core.NewError(core.KindRateLimited, "%s rate limit exhausted", scope).
		WithDetail("scope", scope).
		WithDetail("retry_after_ms", d.RetryAfter.Milliseconds()).
		WithDetail("reset_at", d.ResetAt.UTC())
}

// serveFromCache returns a cache-hit result or nil on miss. Hits emit their
// own receipt reusing the original proof.
func (r *Router) serveFromCache(req *core.InvocationRequest, desc *core.CapabilityDescriptor, cacheKey string) *core.InvocationResult {
	entry, ok := r.s.Cache.Get(cacheKey)
	if !ok {
		return nil
	}

	r.s.Metrics.RecordCacheHit(desc.ID)

	rec := r.s.Receipts.Build(receipt.Draft{
		CapabilityID: desc.ID,
		Inputs:       req.Inputs,
		Outputs:      entry.Outputs,
		ExecutorID:   entry.ExecutorID,
		PrivacyLevel: string(desc.Execution.Mode),
		DurationMs:   0,
		Success:      true,
		CacheHit:     true,
		Proof:        entry.Proof,
		CostActual:   entry.CostActual,
		AgentID:      req.Identity.AgentID,
	})
	r.emitArtefacts(req, desc, rec, receipt.UsageMeta{
		CapabilityID: desc.ID,
		Success:      true,
		LatencyMs:    0,
		ExecutorID:   entry.ExecutorID,
		PrivacyLevel: string(desc.Execution.Mode),
		Cost:         entry.CostActual,
		AgentID:      req.Identity.AgentID,
	}, true)

	res := &core.InvocationResult{
		Success:    true,
		Outputs:    entry.Outputs,
		CacheHit:   true,
		CostActual: entry.CostActual,
	}
	attachReceipt(res, rec)
	if desc.Deprecated {
		res.Warning = deprecationWarning(desc.ID)
	}
	return res
}

// execute runs inside the queue worker: select an executor, run it under the
// deadline, then emit every artefact before the future resolves so all
// attached callers observe receipt-before-reply ordering.
func (r *Router) execute(ctx context.Context, req *core.InvocationRequest, desc *core.CapabilityDescriptor, cacheKey string) *core.InvocationResult {
	started := time.Now()

	timeout := desc.Performance.LatencyHint.Timeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ex, selErr := r.s.Pool.Select(desc)
	if selErr != nil {
		r.s.Breaker.ReleaseProbe(desc.ID)
		gerr := core.NewError(core.KindServiceUnavailable, "no eligible executor").
			WithDetail("capability_id", desc.ID)
		return r.finishFailure(req, desc, started, gerr, nil, "")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	res, execErr := ex.Execute(execCtx, desc, req.Inputs)
	cancel()
	executorID := ex.ID()

	if execErr != nil && req.WithFailover {
		if alt, altErr := r.s.Pool.Alternate(desc, ex.ID()); altErr == nil {
			retryCtx, retryCancel := context.WithTimeout(ctx, timeout)
			altRes, altExecErr := alt.Execute(retryCtx, desc, req.Inputs)
			retryCancel()
			if altExecErr == nil {
				res, execErr, executorID = altRes, nil, alt.ID()
			} else if res == nil {
				res = altRes
			}
		}
	}

	durationMs := time.Since(started).Milliseconds()

	if execErr != nil {
		gerr := classifyExecution(execErr, timeout)
		if gerr.Kind.ChargesBreaker() {
			r.s.Breaker.RecordFailure(desc.ID)
			r.s.Metrics.SetBreakerOpen(desc.ID, r.s.Breaker.State(desc.ID) == circuitbreaker.StateOpen)
		} else {
			r.s.Breaker.ReleaseProbe(desc.ID)
		}
		return r.finishFailure(req, desc, started, gerr, res, executorID)
	}

	r.s.Breaker.RecordSuccess(desc.ID)
	r.s.Metrics.SetBreakerOpen(desc.ID, false)
	r.s.Metrics.Record(desc.ID, true, float64(durationMs), res.CostActual)

	if !req.NoCache {
		r.s.Cache.Set(cacheKey, &cache.Entry{
			Outputs:     res.Outputs,
			ExecutorID:  executorID,
			Proof:       res.Proof,
			CostActual:  res.CostActual,
			OutputsHash: canonical.HashHex(res.Outputs),
		}, r.cfg.CacheTTL)
	}

	rec := r.s.Receipts.Build(receipt.Draft{
		CapabilityID: desc.ID,
		Inputs:       req.Inputs,
		Outputs:      res.Outputs,
		ExecutorID:   executorID,
		PrivacyLevel: res.PrivacyLevel,
		DurationMs:   durationMs,
		Success:      true,
		Proof:        res.Proof,
		CostActual:   res.CostActual,
		AgentID:      req.Identity.AgentID,
	})
	r.emitArtefacts(req, desc, rec, receipt.UsageMeta{
		CapabilityID: desc.ID,
		Success:      true,
		LatencyMs:    durationMs,
		ExecutorID:   executorID,
		PrivacyLevel: res.PrivacyLevel,
		ProofType:    desc.Execution.ProofType,
		Cost:         res.CostActual,
		AgentID:      req.Identity.AgentID,
	}, true)

	out := &core.InvocationResult{
		Success:     true,
		Outputs:     res.Outputs,
		CostActual:  res.CostActual,
		ExecutionMs: durationMs,
	}
	attachReceipt(out, rec)
	if desc.Deprecated {
		out.Warning = deprecationWarning(desc.ID)
	}
	return out
}

// finishFailure emits failure artefacts. Partial outputs stay in the receipt
// only; the caller sees the error.
func (r *Router) finishFailure(req *core.InvocationRequest, desc *core.CapabilityDescriptor, started time.Time, gerr *core.Error, partial *executor.Result, executorID string) *core.InvocationResult {
	durationMs := time.Since(started).Milliseconds()
	r.s.Metrics.Record(desc.ID, false, float64(durationMs), 0)

	var partialOut map[string]interface{}
	privacy := string(desc.Execution.Mode)
	if partial != nil {
		partialOut = partial.Outputs
		if partial.PrivacyLevel != "" {
			privacy = partial.PrivacyLevel
		}
	}

	rec := r.s.Receipts.Build(receipt.Draft{
		CapabilityID: desc.ID,
		Inputs:       req.Inputs,
		ExecutorID:   executorID,
		PrivacyLevel: privacy,
		DurationMs:   durationMs,
		Success:      false,
		AgentID:      req.Identity.AgentID,
		PartialOut:   partialOut,
	})
	r.emitArtefacts(req, desc, rec, receipt.UsageMeta{
		CapabilityID: desc.ID,
		Success:      false,
		LatencyMs:    durationMs,
		ExecutorID:   executorID,
		PrivacyLevel: privacy,
		AgentID:      req.Identity.AgentID,
	}, false)

	out := &core.InvocationResult{
		Success:     false,
		Error:       gerr,
		ExecutionMs: durationMs,
	}
	attachReceipt(out, rec)
	return out
}

// emitArtefacts persists the receipt, then publishes usage, activity and the
// log entry, in that order.
func (r *Router) emitArtefacts(req *core.InvocationRequest, desc *core.CapabilityDescriptor, rec *receipt.Receipt, usage receipt.UsageMeta, success bool) {
	if r.s.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.s.Store.Save(ctx, rec); err != nil {
			r.logger.Printf("Receipt %s not persisted: %v", rec.ReceiptID, err)
		}
		cancel()
	}

	r.s.Usage.Emit(usage)

	eventType := activity.TypeCapabilityInvoked
	if !success {
		eventType = activity.TypeCapabilityFailed
	}
	r.s.Feed.Record(eventType, req.Identity.AgentID, map[string]interface{}{
		"capability": desc.ID,
		"receipt_id": rec.ReceiptID,
		"cache_hit":  rec.CacheHit,
	}, activity.VisibilityPublic)

	r.s.Agents.RecordActivity(req.Identity.AgentID, desc.ID, success)

	fields := map[string]interface{}{
		"capability": desc.ID,
		"agent":      req.Identity.AgentID,
		"receipt_id": rec.ReceiptID,
	}
	if success {
		r.s.Logs.Info("router", "invocation complete", fields)
	} else {
		r.s.Logs.Error("router", "invocation failed", fields)
	}
}

// reject produces a classified rejection: an observability record, never a
// receipt.
func (r *Router) reject(req *core.InvocationRequest, gerr *core.Error) *core.InvocationResult {
	r.s.Logs.Warn("router", "request rejected", map[string]interface{}{
		"capability": req.CapabilityID,
		"agent":      req.Identity.AgentID,
		"kind":       string(gerr.Kind),
		"message":    gerr.Message,
	})
	return &core.InvocationResult{Success: false, Error: gerr}
}

func (r *Router) queueError(priority core.Priority, err error) *core.Error {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return core.NewError(core.KindServiceUnavailable, "queue saturated").
			WithDetail("retry_after_ms", r.s.Queue.RetryAfterHint(priority).Milliseconds())
	case errors.Is(err, queue.ErrShedding):
		return core.NewError(core.KindServiceUnavailable, "shedding non-critical work under memory pressure")
	default:
		return core.NewError(core.KindServiceUnavailable, "queue unavailable")
	}
}

func (r *Router) exportQueueDepths() {
	for p, depth := range r.s.Queue.Depths() {
		r.s.Metrics.SetQueueDepth(string(p), depth)
	}
}

// classifyExecution maps an executor error to the canonical taxonomy.
// Cancellation-caused exits become Timeout, transport failures become
// ServiceUnavailable; everything else is the executor's fault.
func classifyExecution(err error, timeout time.Duration) *core.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.NewError(core.KindTimeout, "execution exceeded deadline").
			WithDetail("timeout_ms", timeout.Milliseconds())
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return core.NewError(core.KindServiceUnavailable, "executor transport failure: %s", err.Error())
	}
	var gerr *core.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return core.NewError(core.KindExecutorError, "%s", err.Error())
}

func attachReceipt(res *core.InvocationResult, rec *receipt.Receipt) {
	res.Receipt = rec
	if blob, err := receipt.Encode(rec); err == nil {
		res.ReceiptBlob = blob
	}
}

func deprecationWarning(id string) string {
	return "capability " + id + " is deprecated and may be removed in a future version"
}
