package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgrid/gateway/internal/core"
)

func newTestLimiter(globalLimit int, window time.Duration) *Limiter {
	l := New(Config{GlobalLimit: globalLimit, Window: window, SweepInterval: time.Hour})
	return l
}

func TestGlobalWindowExhaustion(t *testing.T) {
	l := newTestLimiter(10, time.Second)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		d := l.CheckAndConsume(ScopeGlobal, "1.2.3.4", core.TrustAnonymous)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d := l.CheckAndConsume(ScopeGlobal, "1.2.3.4", core.TrustAnonymous)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Second)
}

func TestIndependentIdentifiers(t *testing.T) {
	l := newTestLimiter(1, time.Minute)
	defer l.Stop()

	assert.True(t, l.CheckAndConsume(ScopeGlobal, "1.1.1.1", core.TrustAnonymous).Allowed)
	assert.True(t, l.CheckAndConsume(ScopeGlobal, "2.2.2.2", core.TrustAnonymous).Allowed)
	assert.False(t, l.CheckAndConsume(ScopeGlobal, "1.1.1.1", core.TrustAnonymous).Allowed)
}

func TestWindowRecycling(t *testing.T) {
	l := newTestLimiter(1, 30*time.Millisecond)
	defer l.Stop()

	require.True(t, l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous).Allowed)
	require.False(t, l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous).Allowed)

	time.Sleep(40 * time.Millisecond)
	assert.True(t, l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous).Allowed,
		"window should recycle after window_end")
}

func TestTrustLevelPolicies(t *testing.T) {
	l := newTestLimiter(100, time.Minute)
	defer l.Stop()
	l.SetLevelLimit(core.TrustAnonymous, 2)

	d := l.CheckAndConsume(ScopeIdentity, "agent-a", core.TrustAnonymous)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.5, d.CostMultiplier)

	d = l.CheckAndConsume(ScopeIdentity, "agent-premium", core.TrustPremium)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0.5, d.CostMultiplier)

	l.CheckAndConsume(ScopeIdentity, "agent-a", core.TrustAnonymous)
	assert.False(t, l.CheckAndConsume(ScopeIdentity, "agent-a", core.TrustAnonymous).Allowed)
}

func TestAdaptiveLoadFactor(t *testing.T) {
	l := newTestLimiter(10, time.Minute)
	defer l.Stop()

	assert.Equal(t, 1.0, l.UpdateLoad(50, 100))
	assert.Equal(t, 0.75, l.UpdateLoad(75, 100))
	assert.Equal(t, 0.75, l.UpdateLoad(50, 600))
	assert.Equal(t, 0.5, l.UpdateLoad(90, 200))
	assert.Equal(t, 0.5, l.UpdateLoad(50, 1500))
}

func TestLoadFactorShrinksEffectiveLimit(t *testing.T) {
	l := newTestLimiter(10, time.Minute)
	defer l.Stop()

	l.UpdateLoad(90, 200) // loadFactor = 0.5 -> effective limit 5

	admitted := 0
	for i := 0; i < 10; i++ {
		if l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous).Allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestDeniedDoesNotConsume(t *testing.T) {
	l := newTestLimiter(1, time.Minute)
	defer l.Stop()

	require.True(t, l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous).Allowed)
	first := l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous)
	second := l.CheckAndConsume(ScopeGlobal, "ip", core.TrustAnonymous)
	assert.False(t, first.Allowed)
	assert.False(t, second.Allowed)
	assert.Equal(t, first.ResetAt, second.ResetAt)
}
