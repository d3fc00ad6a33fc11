package receipt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Scorer consumes usage metadata and maintains a reputation signal per
// capability. Implementations may be exported and merged so agents can
// exchange reputations peer-to-peer.
type Scorer interface {
	Ingest(meta UsageMeta)
	Export() (string, error)
	Merge(blob string, weight float64) error
}

// ewmaScore is one capability's exponentially weighted success rate.
type ewmaScore struct {
	Score   float64   `json:"score"`
	Samples int64     `json:"samples"`
	Updated time.Time `json:"updated"`
}

// EWMAScorer scores capabilities with score' = alpha*signal + (1-alpha)*score
// where signal is 1 for a success and 0 for a failure.
type EWMAScorer struct {
	mu     sync.RWMutex
	alpha  float64
	scores map[string]*ewmaScore
}

// NewEWMAScorer creates a scorer; alpha <= 0 uses the default 0.1.
func NewEWMAScorer(alpha float64) *EWMAScorer {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &EWMAScorer{alpha: alpha, scores: make(map[string]*ewmaScore)}
}

// Ingest folds one usage record into the capability's score. The first
// sample seeds the score directly.
func (s *EWMAScorer) Ingest(meta UsageMeta) {
	signal := 0.0
	if meta.Success {
		signal = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[meta.CapabilityID]
	if !ok {
		s.scores[meta.CapabilityID] = &ewmaScore{Score: signal, Samples: 1, Updated: meta.Timestamp}
		return
	}
	sc.Score = s.alpha*signal + (1-s.alpha)*sc.Score
	sc.Samples++
	sc.Updated = meta.Timestamp
}

// Score returns the current score for a capability and whether any samples
// exist.
func (s *EWMAScorer) Score(capabilityID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[capabilityID]
	if !ok {
		return 0, false
	}
	return sc.Score, true
}

// Export serializes all scores as a base64 blob for peer exchange.
func (s *EWMAScorer) Export() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s.scores)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Merge folds a peer's exported scores into this scorer with a weighted
// average: local*(1-weight) + peer*weight. Unknown capabilities adopt the
// peer score at the given weight.
func (s *EWMAScorer) Merge(blob string, weight float64) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("merge weight %v out of [0,1]", weight)
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("decode reputation blob: %w", err)
	}
	var peer map[string]*ewmaScore
	if err := json.Unmarshal(data, &peer); err != nil {
		return fmt.Errorf("parse reputation blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for capID, p := range peer {
		local, ok := s.scores[capID]
		if !ok {
			s.scores[capID] = &ewmaScore{Score: p.Score * weight, Samples: p.Samples, Updated: p.Updated}
			continue
		}
		local.Score = local.Score*(1-weight) + p.Score*weight
		local.Samples += p.Samples
		if p.Updated.After(local.Updated) {
			local.Updated = p.Updated
		}
	}
	return nil
}

// Consume runs a subscription loop feeding the scorer until the channel
// closes. Intended to run on its own goroutine.
func Consume(scorer Scorer, ch <-chan UsageMeta) {
	for meta := range ch {
		scorer.Ingest(meta)
	}
}
