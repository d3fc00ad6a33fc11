// Package gate decides whether a caller may invoke confidential
// capabilities. Access is granted through either a live handshake session
// or an HMAC-signed capability token.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capgrid/gateway/internal/core"
)

var (
	ErrTokenFormat    = errors.New("invalid token format")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrLowTrust       = errors.New("trust level too low for confidential access")
)

// TokenClaims are the claims embedded in a capability token.
type TokenClaims struct {
	TokenID      string `json:"tid"`
	AgentID      string `json:"aid"`
	CapabilityID string `json:"cap"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// CapabilityToken is the signed artefact handed to a caller.
type CapabilityToken struct {
	Token     string `json:"token"`
	TokenID   string `json:"token_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// session is one live handshake grant covering all confidential
// capabilities for its agent until expiry.
type session struct {
	agentID   string
	expiresAt time.Time
}

// Config holds gate tunables.
type Config struct {
	HMACSecret string
	TokenTTL   time.Duration // default 5m
	SessionTTL time.Duration // default 15m
	MinLevel   core.TrustLevel
}

// Gate issues sessions and tokens and answers the router's access checks.
type Gate struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	sessionTTL time.Duration
	minLevel   core.TrustLevel

	sessions map[string]*session        // session id -> grant
	active   map[string]*TokenClaims    // token id -> claims
	revoked  map[string]time.Time       // token id -> revocation time
	byAgent  map[string]map[string]bool // agent -> capability -> granted via token
}

func New(cfg Config) *Gate {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = core.TrustVerified
	}
	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = []byte("capgrid-dev-gate-secret-change-in-production")
	}

	return &Gate{
		secret:     secret,
		tokenTTL:   cfg.TokenTTL,
		sessionTTL: cfg.SessionTTL,
		minLevel:   cfg.MinLevel,
		sessions:   make(map[string]*session),
		active:     make(map[string]*TokenClaims),
		revoked:    make(map[string]time.Time),
		byAgent:    make(map[string]map[string]bool),
	}
}

func atLeast(have, want core.TrustLevel) bool {
	order := map[core.TrustLevel]int{
		core.TrustAnonymous: 0,
		core.TrustVerified:  1,
		core.TrustTrusted:   2,
		core.TrustPremium:   3,
	}
	return order[have] >= order[want]
}

// OpenSession performs the handshake for an identity, returning a session id
// the caller presents on later confidential invocations.
func (g *Gate) OpenSession(id core.Identity) (string, time.Time, error) {
	if !atLeast(id.TrustLevel, g.minLevel) {
		return "", time.Time{}, ErrLowTrust
	}

	sid := "sess_" + uuid.NewString()
	expires := time.Now().Add(g.sessionTTL)

	g.mu.Lock()
	g.sessions[sid] = &session{agentID: id.AgentID, expiresAt: expires}
	g.mu.Unlock()
	return sid, expires, nil
}

// SessionValid reports whether a session id is live for the given agent.
func (g *Gate) SessionValid(sessionID, agentID string) bool {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	return ok && s.agentID == agentID && time.Now().Before(s.expiresAt)
}

// IssueToken mints a capability-scoped token for an identity.
func (g *Gate) IssueToken(id core.Identity, capabilityID string) (*CapabilityToken, error) {
	if !atLeast(id.TrustLevel, g.minLevel) {
		return nil, ErrLowTrust
	}

	now := time.Now()
	claims := &TokenClaims{
		TokenID:      "ctok_" + uuid.NewString(),
		AgentID:      id.AgentID,
		CapabilityID: capabilityID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(g.tokenTTL).Unix(),
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("serialize token claims: %w", err)
	}
	tokenStr := base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(g.sign(claimsJSON))

	g.mu.Lock()
	g.active[claims.TokenID] = claims
	caps, ok := g.byAgent[id.AgentID]
	if !ok {
		caps = make(map[string]bool)
		g.byAgent[id.AgentID] = caps
	}
	caps[capabilityID] = true
	g.mu.Unlock()

	return &CapabilityToken{Token: tokenStr, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// ValidateToken checks signature, expiry and revocation.
func (g *Gate) ValidateToken(tokenStr string) (*TokenClaims, error) {
	idx := strings.LastIndexByte(tokenStr, '.')
	if idx <= 0 || idx == len(tokenStr)-1 {
		return nil, ErrTokenFormat
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(tokenStr[:idx])
	if err != nil {
		return nil, ErrTokenFormat
	}
	sig, err := base64.RawURLEncoding.DecodeString(tokenStr[idx+1:])
	if err != nil {
		return nil, ErrTokenFormat
	}
	if !hmac.Equal(sig, g.sign(claimsJSON)) {
		return nil, ErrTokenSignature
	}

	var claims TokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrTokenFormat
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	g.mu.RLock()
	_, revoked := g.revoked[claims.TokenID]
	g.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return &claims, nil
}

// RevokeToken adds a token to the revocation set. Idempotent.
func (g *Gate) RevokeToken(tokenID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if claims, ok := g.active[tokenID]; ok {
		delete(g.active, tokenID)
		if caps := g.byAgent[claims.AgentID]; caps != nil {
			delete(caps, claims.CapabilityID)
		}
	}
	g.revoked[tokenID] = time.Now()
}

// Allows is the router's single question: may this identity invoke this
// confidential capability right now. True when the agent holds a live
// session or an unrevoked token scoped to the capability.
func (g *Gate) Allows(id core.Identity, capabilityID string) bool {
	now := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, s := range g.sessions {
		if s.agentID == id.AgentID && now.Before(s.expiresAt) {
			return true
		}
	}
	if caps := g.byAgent[id.AgentID]; caps != nil && caps[capabilityID] {
		// Confirm a live token still backs the grant
		for _, claims := range g.active {
			if claims.AgentID == id.AgentID && claims.CapabilityID == capabilityID && now.Unix() <= claims.ExpiresAt {
				return true
			}
		}
	}
	return false
}

// SweepExpired drops dead sessions, expired tokens and stale revocation
// entries. Revocations are kept for an hour to reject late replays.
func (g *Gate) SweepExpired() int {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	swept := 0
	for sid, s := range g.sessions {
		if now.After(s.expiresAt) {
			delete(g.sessions, sid)
			swept++
		}
	}
	for tid, claims := range g.active {
		if now.Unix() > claims.ExpiresAt {
			delete(g.active, tid)
			if caps := g.byAgent[claims.AgentID]; caps != nil {
				delete(caps, claims.CapabilityID)
			}
			swept++
		}
	}
	cutoff := now.Add(-time.Hour)
	for tid, at := range g.revoked {
		if at.Before(cutoff) {
			delete(g.revoked, tid)
		}
	}
	return swept
}

// Stats reports live grant counts.
func (g *Gate) Stats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]interface{}{
		"sessions":       len(g.sessions),
		"active_tokens":  len(g.active),
		"revoked_tokens": len(g.revoked),
	}
}

func (g *Gate) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(data)
	return mac.Sum(nil)
}
