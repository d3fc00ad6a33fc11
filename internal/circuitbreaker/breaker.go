// Package circuitbreaker isolates unhealthy capabilities behind per-id
// three-state breakers: closed until a run of consecutive failures, open for
// a cooldown, then half-open admitting a single probe.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Cooldown elapsed, probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("half-open probe already in flight")
)

// Config holds breaker tunables shared by all cells.
type Config struct {
	// FailureThreshold is the run of consecutive failures that opens a
	// closed breaker.
	FailureThreshold int

	// Cooldown is how long an open breaker blocks before probing.
	Cooldown time.Duration

	// OnStateChange is called whenever a cell changes state.
	OnStateChange func(capabilityID string, from, to State)
}

// DefaultConfig returns the production defaults: 5 failures, 30s cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// cell is the per-capability breaker state.
type cell struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	nextProbeAt         time.Time
	probeInFlight       bool
}

// CellStatus is the observable snapshot of one cell.
type CellStatus struct {
	CapabilityID        string    `json:"capability_id"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Breaker manages one cell per capability id.
type Breaker struct {
	mu     sync.RWMutex
	cells  map[string]*cell
	cfg    Config
	logger *log.Logger
}

// New creates a breaker registry.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cells:  make(map[string]*cell),
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

func (b *Breaker) cellFor(id string) *cell {
	b.mu.RLock()
	c, ok := b.cells[id]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Double-check after acquiring write lock
	if c, ok = b.cells[id]; ok {
		return c
	}
	c = &cell{state: StateClosed}
	b.cells[id] = c
	return c
}

// Allow reports whether a request for the capability may proceed. In the
// half-open state exactly one probe is admitted; callers that receive a nil
// error in half-open MUST report the outcome via RecordSuccess or
// RecordFailure to release the probe slot.
func (b *Breaker) Allow(id string) error {
	c := b.cellFor(id)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(c.nextProbeAt) {
			return ErrCircuitOpen
		}
		b.transition(id, c, StateHalfOpen, now)
		c.probeInFlight = true
		return nil
	case StateHalfOpen:
		if c.probeInFlight {
			return ErrProbeInFlight
		}
		c.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess registers a successful execution. It closes a half-open
// breaker and resets the failure run of a closed one.
func (b *Breaker) RecordSuccess(id string) {
	c := b.cellFor(id)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.probeInFlight = false
	if c.state == StateHalfOpen {
		b.transition(id, c, StateClosed, now)
	}
}

// RecordFailure registers a breaker-chargeable failure. It reopens a
// half-open breaker and opens a closed one at the threshold.
func (b *Breaker) RecordFailure(id string) {
	c := b.cellFor(id)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.probeInFlight = false
	switch c.state {
	case StateHalfOpen:
		b.open(id, c, now)
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open(id, c, now)
		}
	}
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
// Used when an admitted request bails out before reaching the executor.
func (b *Breaker) ReleaseProbe(id string) {
	c := b.cellFor(id)
	c.mu.Lock()
	c.probeInFlight = false
	c.mu.Unlock()
}

// Reset forces a cell back to closed. Admin surface.
func (b *Breaker) Reset(id string) {
	c := b.cellFor(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.probeInFlight = false
	if c.state != StateClosed {
		b.transition(id, c, StateClosed, time.Now())
	}
}

// State returns the current state of a capability's cell.
func (b *Breaker) State(id string) State {
	c := b.cellFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns snapshots of every cell.
func (b *Breaker) Status() []CellStatus {
	b.mu.RLock()
	ids := make([]string, 0, len(b.cells))
	for id := range b.cells {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make([]CellStatus, 0, len(ids))
	for _, id := range ids {
		c := b.cellFor(id)
		c.mu.Lock()
		out = append(out, CellStatus{
			CapabilityID:        id,
			State:               c.state.String(),
			ConsecutiveFailures: c.consecutiveFailures,
			OpenedAt:            c.openedAt,
			NextProbeAt:         c.nextProbeAt,
		})
		c.mu.Unlock()
	}
	return out
}

// open moves a cell to open and schedules the next probe. Caller holds c.mu.
func (b *Breaker) open(id string, c *cell, now time.Time) {
	c.openedAt = now
	c.nextProbeAt = now.Add(b.cfg.Cooldown)
	b.transition(id, c, StateOpen, now)
}

// transition changes state and fires the hook. Caller holds c.mu.
func (b *Breaker) transition(id string, c *cell, to State, now time.Time) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	b.logger.Printf("Circuit %s: %s -> %s", id, from, to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(id, from, to)
	}
}
