package receipt

import (
	"sync"
	"time"
)

// UsageMeta is the detached, lighter-weight record emitted alongside every
// receipt for consumers that only need utilisation signals.
type UsageMeta struct {
	CapabilityID string    `json:"capability_id"`
	Success      bool      `json:"success"`
	LatencyMs    int64     `json:"latency_ms"`
	ExecutorID   string    `json:"executor_id"`
	PrivacyLevel string    `json:"privacy_level"`
	ProofType    string    `json:"proof_type,omitempty"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
	AgentID      string    `json:"agent_id,omitempty"`
}

// UsageEmitter fans usage metadata out to subscribers. Slow subscribers drop
// messages rather than block the emit path.
type UsageEmitter struct {
	mu         sync.RWMutex
	subs       []chan UsageMeta
	bufferSize int
}

// NewUsageEmitter creates an emitter.
func NewUsageEmitter() *UsageEmitter {
	return &UsageEmitter{bufferSize: 256}
}

// Subscribe returns a channel receiving every emitted usage record.
func (u *UsageEmitter) Subscribe() chan UsageMeta {
	ch := make(chan UsageMeta, u.bufferSize)
	u.mu.Lock()
	u.subs = append(u.subs, ch)
	u.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (u *UsageEmitter) Unsubscribe(ch chan UsageMeta) {
	u.mu.Lock()
	defer u.mu.Unlock()

	filtered := u.subs[:0]
	for _, s := range u.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	u.subs = filtered
	close(ch)
}

// Emit delivers one record to all subscribers.
func (u *UsageEmitter) Emit(meta UsageMeta) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, ch := range u.subs {
		select {
		case ch <- meta:
		default:
			// Subscriber backlogged, skip
		}
	}
}
