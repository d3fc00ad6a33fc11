package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgrid/gateway/internal/core"
)

var verified = core.Identity{AgentID: "agent-a", TrustLevel: core.TrustVerified}

func TestSessionGrantsAccess(t *testing.T) {
	g := New(Config{HMACSecret: "test-secret"})

	assert.False(t, g.Allows(verified, "cap.secret.v1"))

	sid, expires, err := g.OpenSession(verified)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))
	assert.True(t, g.SessionValid(sid, "agent-a"))
	assert.False(t, g.SessionValid(sid, "agent-b"))

	assert.True(t, g.Allows(verified, "cap.secret.v1"))
	assert.True(t, g.Allows(verified, "cap.other.v1")) // session covers all
}

func TestSessionRejectsLowTrust(t *testing.T) {
	g := New(Config{HMACSecret: "test-secret"})
	_, _, err := g.OpenSession(core.Anonymous)
	assert.ErrorIs(t, err, ErrLowTrust)
}

func TestTokenScopedToCapability(t *testing.T) {
	g := New(Config{HMACSecret: "test-secret"})

	tok, err := g.IssueToken(verified, "cap.secret.v1")
	require.NoError(t, err)

	claims, err := g.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", claims.AgentID)
	assert.Equal(t, "cap.secret.v1", claims.CapabilityID)

	assert.True(t, g.Allows(verified, "cap.secret.v1"))
	assert.False(t, g.Allows(verified, "cap.other.v1"))
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	g := New(Config{HMACSecret: "test-secret"})
	tok, err := g.IssueToken(verified, "cap.secret.v1")
	require.NoError(t, err)

	_, err = g.ValidateToken(tok.Token + "x")
	assert.Error(t, err)

	_, err = g.ValidateToken("no-dot-at-all")
	assert.ErrorIs(t, err, ErrTokenFormat)

	other := New(Config{HMACSecret: "different-secret"})
	_, err = other.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestRevocation(t *testing.T) {
	g := New(Config{HMACSecret: "test-secret"})
	tok, err := g.IssueToken(verified, "cap.secret.v1")
	require.NoError(t, err)

	g.RevokeToken(tok.TokenID)

	_, err = g.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.False(t, g.Allows(verified, "cap.secret.v1"))

	// Revoking again is a no-op
	g.RevokeToken(tok.TokenID)
}

func TestSweepExpired(t *testing.T) {
	g := New(Config{
		HMACSecret: "test-secret",
		TokenTTL:   time.Second,
		SessionTTL: 10 * time.Millisecond,
	})

	_, _, err := g.OpenSession(verified)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, g.Allows(verified, "cap.secret.v1"))
	assert.Equal(t, 1, g.SweepExpired())
	assert.Equal(t, 0, g.Stats()["sessions"])
}
