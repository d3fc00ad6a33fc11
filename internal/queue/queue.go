// Package queue admits invocations through a four-level priority scheduler
// with bounded per-level concurrency, collapses duplicate in-flight work onto
// shared futures, and applies backpressure when a level is saturated.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/capgrid/gateway/internal/core"
)

// Common errors
var (
	ErrQueueFull = errors.New("queue is at capacity")
	ErrShedding  = errors.New("rejecting non-critical work under memory pressure")
	ErrStopped   = errors.New("queue is stopped")
)

// WorkFunc is the unit of work admitted to the queue. It must honour ctx
// cancellation at its next suspension point.
type WorkFunc func(ctx context.Context) (interface{}, error)

// Future is the shared result of one in-flight execution. All callers
// deduplicated onto the same inflight key wait on the same future.
type Future struct {
	done        chan struct{}
	value       interface{}
	err         error
	queueWaitMs int64
	waiters     int64
}

// Wait blocks until the execution resolves or the caller's own context
// expires. A caller-side expiry does not cancel the shared execution.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueWaitMs reports how long the winning entry waited before dispatch.
// Valid after the future resolves.
func (f *Future) QueueWaitMs() int64 { return f.queueWaitMs }

// Waiters reports how many callers were attached to this future.
func (f *Future) Waiters() int64 { return f.waiters }

func (f *Future) resolve(value interface{}, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// entry is one queued unit of work.
type entry struct {
	ctx        context.Context
	work       WorkFunc
	future     *Future
	key        string
	enqueuedAt time.Time
}

// levelState holds one priority level's deque and concurrency bound.
type levelState struct {
	entries  []*entry
	maxDepth int
	slots    int // free worker slots
	maxSlots int

	// running average task duration, for retry-after hints
	avgRunMs float64
	runCount int64
}

// Config holds queue tunables.
type Config struct {
	// Concurrency per level. Zero means the default (16/8/32/4).
	Concurrency map[core.Priority]int
	// MaxDepth per level. Zero means 1000.
	MaxDepth map[core.Priority]int
	// StarvationGuard is the longest a level may be starved by higher
	// priorities before one of its entries is force-dequeued.
	StarvationGuard time.Duration
}

var levelOrder = []core.Priority{
	core.PriorityCritical,
	core.PriorityHigh,
	core.PriorityNormal,
	core.PriorityLow,
}

var defaultConcurrency = map[core.Priority]int{
	core.PriorityCritical: 16,
	core.PriorityHigh:     8,
	core.PriorityNormal:   32,
	core.PriorityLow:      4,
}

// Queue is the priority scheduler.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	levels   map[core.Priority]*levelState
	inflight map[string]*Future
	guard    time.Duration
	shedding bool
	stopped  bool
	logger   *log.Logger
	wg       sync.WaitGroup
}

// New creates the queue and starts its dispatcher.
func New(cfg Config) *Queue {
	if cfg.StarvationGuard <= 0 {
		cfg.StarvationGuard = 5 * time.Second
	}

	q := &Queue{
		levels:   make(map[core.Priority]*levelState),
		inflight: make(map[string]*Future),
		guard:    cfg.StarvationGuard,
		logger:   log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
	q.cond = sync.NewCond(&q.mu)

	for _, p := range levelOrder {
		conc := cfg.Concurrency[p]
		if conc <= 0 {
			conc = defaultConcurrency[p]
		}
		depth := cfg.MaxDepth[p]
		if depth <= 0 {
			depth = 1000
		}
		q.levels[p] = &levelState{maxDepth: depth, slots: conc, maxSlots: conc}
	}

	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Stop drains nothing: queued entries are rejected, running work finishes.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, lvl := range q.levels {
		for _, e := range lvl.entries {
			e.future.resolve(nil, ErrStopped)
			delete(q.inflight, e.key)
		}
		lvl.entries = nil
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

// SetShedMode toggles rejection of non-critical priorities. Driven by the
// memory supervisor above 95% heap.
func (q *Queue) SetShedMode(on bool) {
	q.mu.Lock()
	if on != q.shedding {
		q.logger.Printf("Shed mode: %v", on)
	}
	q.shedding = on
	q.mu.Unlock()
}

// Submit admits work at a priority under a dedup key. When another entry
// with the same key is in flight, the caller is attached to its future and
// attached=true is returned; otherwise a new entry is enqueued.
func (q *Queue) Submit(ctx context.Context, priority core.Priority, key string, work WorkFunc) (f *Future, attached bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, false, ErrStopped
	}
	if q.shedding && priority != core.PriorityCritical {
		return nil, false, ErrShedding
	}

	if existing, ok := q.inflight[key]; ok {
		existing.waiters++
		return existing, true, nil
	}

	lvl := q.levels[priority]
	if lvl == nil {
		lvl = q.levels[core.PriorityNormal]
	}
	if len(lvl.entries) >= lvl.maxDepth {
		return nil, false, ErrQueueFull
	}

	future := &Future{done: make(chan struct{}), waiters: 1}
	e := &entry{
		ctx:        ctx,
		work:       work,
		future:     future,
		key:        key,
		enqueuedAt: time.Now(),
	}
	q.inflight[key] = future
	lvl.entries = append(lvl.entries, e)
	q.cond.Signal()
	return future, false, nil
}

// RetryAfterHint estimates when a slot in the level should free up, based on
// the level's running average task duration.
func (q *Queue) RetryAfterHint(priority core.Priority) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	lvl := q.levels[priority]
	if lvl == nil || lvl.avgRunMs == 0 {
		return time.Second
	}
	return time.Duration(lvl.avgRunMs) * time.Millisecond
}

// Depths reports the queued entry count per level.
func (q *Queue) Depths() map[core.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[core.Priority]int, len(q.levels))
	for p, lvl := range q.levels {
		out[p] = len(lvl.entries)
	}
	return out
}

// dispatch is the scheduler loop: strict priority order, except that a level
// whose head has waited past the starvation guard goes first.
func (q *Queue) dispatch() {
	defer q.wg.Done()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return
		}

		e, lvl := q.pickLocked(time.Now())
		if e == nil {
			q.cond.Wait()
			continue
		}

		// Cancelled before dequeue: drop without consuming a slot.
		if e.ctx.Err() != nil {
			delete(q.inflight, e.key)
			e.future.resolve(nil, e.ctx.Err())
			continue
		}

		lvl.slots--
		e.future.queueWaitMs = time.Since(e.enqueuedAt).Milliseconds()
		go q.run(e, lvl)
	}
}

// pickLocked chooses the next dispatchable entry. Caller holds q.mu.
func (q *Queue) pickLocked(now time.Time) (*entry, *levelState) {
	// Starvation guard first: oldest starving head wins.
	var starving *levelState
	var starvingAge time.Duration
	for _, p := range levelOrder {
		lvl := q.levels[p]
		if len(lvl.entries) == 0 || lvl.slots == 0 {
			continue
		}
		age := now.Sub(lvl.entries[0].enqueuedAt)
		if age >= q.guard && age > starvingAge {
			starving = lvl
			starvingAge = age
		}
	}
	if starving != nil {
		return q.popLocked(starving), starving
	}

	for _, p := range levelOrder {
		lvl := q.levels[p]
		if len(lvl.entries) > 0 && lvl.slots > 0 {
			return q.popLocked(lvl), lvl
		}
	}
	return nil, nil
}

func (q *Queue) popLocked(lvl *levelState) *entry {
	e := lvl.entries[0]
	lvl.entries = lvl.entries[1:]
	return e
}

// run executes one entry on its own goroutine and resolves its future.
func (q *Queue) run(e *entry, lvl *levelState) {
	started := time.Now()
	value, err := e.work(e.ctx)

	q.mu.Lock()
	lvl.slots++
	lvl.runCount++
	lvl.avgRunMs += (float64(time.Since(started).Milliseconds()) - lvl.avgRunMs) / float64(lvl.runCount)
	delete(q.inflight, e.key)
	q.mu.Unlock()
	q.cond.Signal()

	e.future.resolve(value, err)
}
