// Package activity keeps the append-only ring of gateway events and fans
// them out to live subscribers.
package activity

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Visibility scopes who may read an event.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityNetwork Visibility = "network"
)

// Event types emitted by the gateway core.
const (
	TypeCapabilityInvoked = "capability_invoked"
	TypeCapabilityFailed  = "capability_failed"
	TypeCircuitOpened     = "circuit_opened"
	TypeCircuitClosed     = "circuit_closed"
	TypeAgentEndorsed     = "agent_endorsed"
	TypeAgentViolation    = "agent_violation"
)

// Event is one feed entry.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Visibility Visibility             `json:"visibility"`
}

// Filter narrows queries and subscriptions.
type Filter struct {
	AgentID    string
	Types      []string
	Since      time.Time
	Visibility Visibility // empty means public
	Limit      int
}

func (f Filter) matches(e *Event) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
		return false
	}
	vis := f.Visibility
	if vis == "" {
		vis = VisibilityPublic
	}
	return e.Visibility == vis
}

// subscription is one live listener.
type subscription struct {
	filter Filter
	ch     chan Event
}

// Feed is the bounded event ring with live fan-out. Subscribers receive
// copies, never references into the ring.
type Feed struct {
	mu        sync.RWMutex
	events    []*Event // oldest first
	maxEvents int
	ttl       time.Duration
	subs      map[*subscription]struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	logger    *log.Logger
}

// Config holds feed tunables.
type Config struct {
	MaxEvents     int           // default 10000
	TTL           time.Duration // default 24h
	SweepInterval time.Duration // default 1m
}

// New creates a feed and starts its TTL sweep.
func New(cfg Config) *Feed {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	f := &Feed{
		maxEvents: cfg.MaxEvents,
		ttl:       cfg.TTL,
		subs:      make(map[*subscription]struct{}),
		stopCh:    make(chan struct{}),
		logger:    log.New(log.Writer(), "[ACTIVITY] ", log.LstdFlags),
	}

	go f.sweepLoop(cfg.SweepInterval)
	return f
}

// Stop halts the TTL sweep and closes all subscriptions.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		close(sub.ch)
	}
	f.subs = make(map[*subscription]struct{})
}

// Record stamps and appends an event, then fans it out to matching
// subscribers. Returns the stored event's id.
func (f *Feed) Record(eventType, agentID string, data map[string]interface{}, visibility Visibility) string {
	if visibility == "" {
		visibility = VisibilityPublic
	}
	e := &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Visibility: visibility,
	}

	f.mu.Lock()
	f.events = append(f.events, e)
	if len(f.events) > f.maxEvents {
		f.events = f.events[len(f.events)-f.maxEvents:]
	}
	for sub := range f.subs {
		if sub.filter.matches(e) {
			select {
			case sub.ch <- *e: // copy, not reference
			default:
				// Subscriber backlogged, skip
			}
		}
	}
	f.mu.Unlock()

	return e.ID
}

// Query returns matching events, newest first, bounded by the filter limit.
func (f *Feed) Query(filter Filter) []Event {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(f.events[i]) {
			out = append(out, *f.events[i])
		}
	}
	return out
}

// Subscribe registers a live listener. The returned channel receives copies
// of matching events until Unsubscribe or Stop.
func (f *Feed) Subscribe(filter Filter) chan Event {
	sub := &subscription{filter: filter, ch: make(chan Event, 64)}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes a listener and closes its channel.
func (f *Feed) Unsubscribe(ch chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.ch == ch {
			delete(f.subs, sub)
			close(sub.ch)
			return
		}
	}
}

// Stats reports ring occupancy and subscriber count.
func (f *Feed) Stats() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[string]interface{}{
		"events":      len(f.events),
		"max_events":  f.maxEvents,
		"subscribers": len(f.subs),
		"ttl_ms":      f.ttl.Milliseconds(),
	}
}

// SweepExpired drops events older than the TTL. Also invoked by the memory
// supervisor under pressure.
func (f *Feed) SweepExpired() int {
	cutoff := time.Now().Add(-f.ttl)

	f.mu.Lock()
	defer f.mu.Unlock()

	idx := 0
	for idx < len(f.events) && f.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		f.events = f.events[idx:]
	}
	return idx
}

func (f *Feed) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.SweepExpired()
		case <-f.stopCh:
			return
		}
	}
}
