// Package ratelimit enforces fixed-window request quotas in two independent
// scopes: a global per-IP window and a per-identity window whose limit and
// cost multiplier derive from the caller's trust level. An adaptive load
// factor scales every limit down under memory or latency pressure.
package ratelimit

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/capgrid/gateway/internal/core"
)

// Scope selects which window family a check runs against.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeIdentity Scope = "identity"
)

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed        bool          `json:"allowed"`
	Remaining      int           `json:"remaining"`
	ResetAt        time.Time     `json:"reset_at"`
	RetryAfter     time.Duration `json:"-"`
	CostMultiplier float64       `json:"cost_multiplier"`
}

// levelPolicy is the per-trust-level quota shape.
type levelPolicy struct {
	limit          int
	costMultiplier float64
}

// window is one rate-limit cell. Recycled in place once now > windowEnd.
type window struct {
	count     int
	windowEnd time.Time
	lastSeen  time.Time
}

// Config holds limiter tunables.
type Config struct {
	GlobalLimit   int           // requests per window per IP
	Window        time.Duration // window width for both scopes
	MaxEntries    int           // bound on tracked cells across both scopes
	SweepInterval time.Duration // background cleanup period
}

// Limiter implements the two-scope fixed-window limiter.
type Limiter struct {
	mu       sync.Mutex
	global   map[string]*window
	identity map[string]*window

	cfg      Config
	levels   map[core.TrustLevel]levelPolicy
	loadFct  float64
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

// New creates a limiter and starts its background sweep.
func New(cfg Config) *Limiter {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}

	l := &Limiter{
		global:   make(map[string]*window),
		identity: make(map[string]*window),
		cfg:      cfg,
		loadFct:  1.0,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		levels: map[core.TrustLevel]levelPolicy{
			core.TrustAnonymous: {limit: 30, costMultiplier: 1.5},
			core.TrustVerified:  {limit: 100, costMultiplier: 1.0},
			core.TrustTrusted:   {limit: 300, costMultiplier: 0.8},
			core.TrustPremium:   {limit: 1000, costMultiplier: 0.5},
		},
	}

	go l.sweepLoop()
	return l
}

// Stop halts the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// LoadFactor returns the multiplier currently applied to all limits.
func (l *Limiter) LoadFactor() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadFct
}

// UpdateLoad recomputes the adaptive load factor from heap usage and the
// rolling average latency: 0.5 under heavy pressure, 0.75 under moderate,
// else 1.0.
func (l *Limiter) UpdateLoad(heapPct float64, avgLatencyMs float64) float64 {
	factor := 1.0
	switch {
	case heapPct > 85 || avgLatencyMs > 1000:
		factor = 0.5
	case heapPct > 70 || avgLatencyMs > 500:
		factor = 0.75
	}

	l.mu.Lock()
	if factor != l.loadFct {
		l.logger.Printf("Load factor %.2f -> %.2f (heap=%.1f%%, latency=%.0fms)",
			l.loadFct, factor, heapPct, avgLatencyMs)
	}
	l.loadFct = factor
	l.mu.Unlock()
	return factor
}

// CheckAndConsume consumes one slot in the scope's window for the identifier
// (an IP for the global scope, an agent id for the identity scope). The
// trust level only affects the identity scope.
func (l *Limiter) CheckAndConsume(scope Scope, identifier string, level core.TrustLevel) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	windows := l.global
	limit := l.cfg.GlobalLimit
	costMult := 1.0
	if scope == ScopeIdentity {
		windows = l.identity
		policy, ok := l.levels[level]
		if !ok {
			policy = l.levels[core.TrustAnonymous]
		}
		limit = policy.limit
		costMult = policy.costMultiplier
	}

	effective := int(float64(limit) * l.loadFct)
	if effective < 1 {
		effective = 1
	}

	w, ok := windows[identifier]
	if !ok || now.After(w.windowEnd) {
		if !ok && len(l.global)+len(l.identity) >= l.cfg.MaxEntries {
			l.evictLocked(now)
		}
		w = &window{windowEnd: now.Add(l.cfg.Window)}
		windows[identifier] = w
	}
	w.lastSeen = now

	if w.count >= effective {
		return Decision{
			Allowed:        false,
			Remaining:      0,
			ResetAt:        w.windowEnd,
			RetryAfter:     time.Until(w.windowEnd),
			CostMultiplier: costMult,
		}
	}

	w.count++
	return Decision{
		Allowed:        true,
		Remaining:      effective - w.count,
		ResetAt:        w.windowEnd,
		CostMultiplier: costMult,
	}
}

// SetLevelLimit overrides the per-window limit for one trust level.
func (l *Limiter) SetLevelLimit(level core.TrustLevel, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.levels[level]
	p.limit = limit
	if p.costMultiplier == 0 {
		p.costMultiplier = 1.0
	}
	l.levels[level] = p
}

// Stats reports the number of live cells per scope.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"global_windows":   len(l.global),
		"identity_windows": len(l.identity),
		"global_limit":     l.cfg.GlobalLimit,
		"load_factor":      l.loadFct,
	}
}

// evictLocked drops expired cells first, then the coldest, to stay under
// MaxEntries. Caller holds l.mu.
func (l *Limiter) evictLocked(now time.Time) {
	for _, windows := range []map[string]*window{l.global, l.identity} {
		for key, w := range windows {
			if now.After(w.windowEnd) {
				delete(windows, key)
			}
		}
	}

	total := len(l.global) + len(l.identity)
	if total < l.cfg.MaxEntries {
		return
	}

	// Still over: drop the coldest tenth by last access.
	type cold struct {
		scope map[string]*window
		key   string
		seen  time.Time
	}
	all := make([]cold, 0, total)
	for key, w := range l.global {
		all = append(all, cold{l.global, key, w.lastSeen})
	}
	for key, w := range l.identity {
		all = append(all, cold{l.identity, key, w.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })
	drop := len(all) / 10
	if drop < 1 {
		drop = 1
	}
	for _, c := range all[:drop] {
		delete(c.scope, c.key)
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for _, windows := range []map[string]*window{l.global, l.identity} {
				for key, w := range windows {
					if now.After(w.windowEnd) {
						delete(windows, key)
					}
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
