// Package memguard watches process heap usage and sheds load before the
// gateway falls over: sweeps caches under pressure, tightens the rate
// limiter, and switches the queue to shed mode when close to the limit.
package memguard

import (
	"log"
	"runtime"
	"sync"
	"time"
)

// Pressure thresholds as a fraction of the heap limit.
const (
	sweepThreshold = 0.85
	shedThreshold  = 0.95
)

// Sweeper is anything that can free memory on demand.
type Sweeper interface {
	Sweep() int
}

// SweeperFunc adapts a plain sweep function.
type SweeperFunc func() int

func (f SweeperFunc) Sweep() int { return f() }

// LoadSink receives heap pressure readings, typically the rate limiter.
type LoadSink interface {
	UpdateLoad(heapPct float64, avgLatencyMs float64)
}

// Shedder toggles non-critical rejection, typically the queue.
type Shedder interface {
	SetShedMode(on bool)
}

// Config holds supervisor tunables.
type Config struct {
	HeapLimitBytes uint64        // default 512 MiB
	Interval       time.Duration // default 5s
}

// Supervisor runs the sampling loop.
type Supervisor struct {
	limit    uint64
	interval time.Duration

	mu       sync.Mutex
	sweepers []Sweeper
	sinks    []LoadSink
	shedders []Shedder
	shedding bool

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *log.Logger

	// Test seam, defaults to runtime.ReadMemStats heap usage.
	readHeap func() uint64
}

func New(cfg Config) *Supervisor {
	if cfg.HeapLimitBytes == 0 {
		cfg.HeapLimitBytes = 512 << 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Supervisor{
		limit:    cfg.HeapLimitBytes,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[MEMGUARD] ", log.LstdFlags),
		readHeap: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		},
	}
}

// AddSweeper registers something to free under pressure.
func (s *Supervisor) AddSweeper(sw Sweeper) {
	s.mu.Lock()
	s.sweepers = append(s.sweepers, sw)
	s.mu.Unlock()
}

// AddLoadSink registers a pressure consumer.
func (s *Supervisor) AddLoadSink(sink LoadSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// AddShedder registers a shed-mode switch.
func (s *Supervisor) AddShedder(sh Shedder) {
	s.mu.Lock()
	s.shedders = append(s.shedders, sh)
	s.mu.Unlock()
}

// Start launches the sampling loop on its own goroutine.
func (s *Supervisor) Start() {
	go s.loop()
}

// Stop halts the sampling loop.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-s.stopCh:
			return
		}
	}
}

// Sample takes one heap reading and reacts to it. Exposed for tests and for
// forced checks after large admissions.
func (s *Supervisor) Sample() float64 {
	heapPct := float64(s.readHeap()) / float64(s.limit) * 100

	s.mu.Lock()
	sweepers := append([]Sweeper(nil), s.sweepers...)
	sinks := append([]LoadSink(nil), s.sinks...)
	shedders := append([]Shedder(nil), s.shedders...)
	wasShedding := s.shedding
	s.shedding = heapPct >= shedThreshold*100
	nowShedding := s.shedding
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.UpdateLoad(heapPct, 0)
	}

	if heapPct >= sweepThreshold*100 {
		freed := 0
		for _, sw := range sweepers {
			freed += sw.Sweep()
		}
		s.logger.Printf("Heap at %.1f%%, swept %d entries", heapPct, freed)
	}

	if nowShedding != wasShedding {
		for _, sh := range shedders {
			sh.SetShedMode(nowShedding)
		}
		if nowShedding {
			s.logger.Printf("Heap at %.1f%%, shedding non-critical work", heapPct)
		} else {
			s.logger.Printf("Heap at %.1f%%, shed mode cleared", heapPct)
		}
	}
	return heapPct
}
