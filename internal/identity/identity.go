// Package identity resolves caller API keys to agent identities and keeps
// each agent's trust score.
package identity

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/capgrid/gateway/internal/core"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrBadKey       = errors.New("invalid api key")
	ErrDuplicate    = errors.New("agent already registered")
)

// Trust score weights. Score lives in [0, 100]; the discrete level follows
// from the thresholds below.
const (
	baselineScore     = 10.0
	endorsementWeight = 5.0
	successWeight     = 0.1 // per successful invocation, capped
	successCap        = 30.0
	diversityWeight   = 2.0 // per distinct capability used, capped
	diversityCap      = 20.0
	violationPenalty  = 15.0

	verifiedThreshold = 20.0
	trustedThreshold  = 60.0
	premiumThreshold  = 85.0
)

// agent is one registered caller.
type agent struct {
	id           string
	keyHash      []byte
	registeredAt time.Time

	endorsements int
	violations   int
	successes    int64
	failures     int64
	capsUsed     map[string]struct{}
}

func (a *agent) score() float64 {
	score := baselineScore
	score += endorsementWeight * float64(a.endorsements)

	success := successWeight * float64(a.successes)
	if success > successCap {
		success = successCap
	}
	score += success

	diversity := diversityWeight * float64(len(a.capsUsed))
	if diversity > diversityCap {
		diversity = diversityCap
	}
	score += diversity

	score -= violationPenalty * float64(a.violations)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func levelFor(score float64) core.TrustLevel {
	switch {
	case score >= premiumThreshold:
		return core.TrustPremium
	case score >= trustedThreshold:
		return core.TrustTrusted
	case score >= verifiedThreshold:
		return core.TrustVerified
	default:
		return core.TrustAnonymous
	}
}

// Profile is the externally visible view of an agent.
type Profile struct {
	AgentID      string          `json:"agent_id"`
	TrustLevel   core.TrustLevel `json:"trust_level"`
	TrustScore   float64         `json:"trust_score"`
	Endorsements int             `json:"endorsements"`
	Violations   int             `json:"violations"`
	Successes    int64           `json:"successes"`
	Failures     int64           `json:"failures"`
	Capabilities int             `json:"capabilities_used"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// Registry holds registered agents and resolves API keys.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agent
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*agent),
		logger: log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// Register creates an agent and returns its API key. The key is shown once;
// only its bcrypt hash is retained. Key format: "<agent_id>.<secret>".
func (r *Registry) Register(agentID string) (string, error) {
	if agentID == "" || strings.Contains(agentID, ".") {
		return "", fmt.Errorf("agent id %q must be non-empty without dots", agentID)
	}

	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key for %s: %w", agentID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agentID]; exists {
		return "", ErrDuplicate
	}
	r.agents[agentID] = &agent{
		id:           agentID,
		keyHash:      hash,
		registeredAt: time.Now().UTC(),
		capsUsed:     make(map[string]struct{}),
	}
	r.logger.Printf("Registered agent %s", agentID)
	return agentID + "." + secret, nil
}

// Resolve maps an API key to an identity. Empty or unknown keys resolve to
// the anonymous identity without error; a malformed or mismatched key for a
// known agent is rejected.
func (r *Registry) Resolve(apiKey string) (core.Identity, error) {
	if apiKey == "" {
		return core.Anonymous, nil
	}
	idx := strings.IndexByte(apiKey, '.')
	if idx <= 0 || idx == len(apiKey)-1 {
		return core.Anonymous, ErrBadKey
	}
	agentID, secret := apiKey[:idx], apiKey[idx+1:]

	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return core.Anonymous, ErrUnknownAgent
	}
	if bcrypt.CompareHashAndPassword(a.keyHash, []byte(secret)) != nil {
		return core.Anonymous, ErrBadKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return core.Identity{AgentID: agentID, TrustLevel: levelFor(a.score())}, nil
}

// RecordActivity folds one invocation outcome into the agent's history.
// Unknown agents (anonymous callers) are ignored.
func (r *Registry) RecordActivity(agentID, capabilityID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	if success {
		a.successes++
		a.capsUsed[capabilityID] = struct{}{}
	} else {
		a.failures++
	}
}

// Endorse adds one endorsement.
func (r *Registry) Endorse(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	a.endorsements++
	return nil
}

// RecordViolation adds one violation.
func (r *Registry) RecordViolation(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	a.violations++
	return nil
}

// HasAccess reports whether an identity's tier clears the minimum required
// level.
func HasAccess(id core.Identity, minimum core.TrustLevel) bool {
	return rank(id.TrustLevel) >= rank(minimum)
}

func rank(l core.TrustLevel) int {
	switch l {
	case core.TrustPremium:
		return 3
	case core.TrustTrusted:
		return 2
	case core.TrustVerified:
		return 1
	default:
		return 0
	}
}

// Profile returns the current view of an agent.
func (r *Registry) Profile(agentID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return Profile{}, ErrUnknownAgent
	}
	score := a.score()
	return Profile{
		AgentID:      a.id,
		TrustLevel:   levelFor(score),
		TrustScore:   score,
		Endorsements: a.endorsements,
		Violations:   a.violations,
		Successes:    a.successes,
		Failures:     a.failures,
		Capabilities: len(a.capsUsed),
		RegisteredAt: a.registeredAt,
	}, nil
}

// Profiles snapshots every registered agent, used by the persistence loop.
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Profile, 0, len(r.agents))
	for _, a := range r.agents {
		score := a.score()
		out = append(out, Profile{
			AgentID:      a.id,
			TrustLevel:   levelFor(score),
			TrustScore:   score,
			Endorsements: a.endorsements,
			Violations:   a.violations,
			Successes:    a.successes,
			Failures:     a.failures,
			Capabilities: len(a.capsUsed),
			RegisteredAt: a.registeredAt,
		})
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
