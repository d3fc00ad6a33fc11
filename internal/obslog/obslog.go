// Package obslog keeps a bounded in-memory ring of structured log entries
// alongside the process log, so operators can pull recent history over the
// API without shipping logs anywhere.
package obslog

import (
	"log"
	"sync"
	"time"
)

// Level classifies an entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one structured log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Ring holds the most recent entries and echoes each one to the process
// logger.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
	counts  map[Level]int64
	logger  *log.Logger
}

// NewRing creates a ring; max <= 0 uses the default 1000.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 1000
	}
	return &Ring{
		max:    max,
		counts: make(map[Level]int64),
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// Info records an informational entry.
func (r *Ring) Info(component, message string, fields map[string]interface{}) {
	r.record(LevelInfo, component, message, fields)
}

// Warn records a warning entry.
func (r *Ring) Warn(component, message string, fields map[string]interface{}) {
	r.record(LevelWarn, component, message, fields)
}

// Error records an error entry.
func (r *Ring) Error(component, message string, fields map[string]interface{}) {
	r.record(LevelError, component, message, fields)
}

func (r *Ring) record(level Level, component, message string, fields map[string]interface{}) {
	e := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	r.counts[level]++
	r.mu.Unlock()

	if len(fields) > 0 {
		r.logger.Printf("%s [%s] %s %v", level, component, message, fields)
	} else {
		r.logger.Printf("%s [%s] %s", level, component, message)
	}
}

// Recent returns the last n entries, newest first. An empty level matches
// every level.
func (r *Ring) Recent(n int, level Level) []Entry {
	if n <= 0 {
		n = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		if level != "" && r.entries[i].Level != level {
			continue
		}
		out = append(out, r.entries[i])
	}
	return out
}

// Stats reports lifetime counts per level and current ring occupancy.
func (r *Ring) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"buffered": len(r.entries),
		"max":      r.max,
		"info":     r.counts[LevelInfo],
		"warn":     r.counts[LevelWarn],
		"error":    r.counts[LevelError],
	}
}
