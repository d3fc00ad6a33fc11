package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New(Config{FailureThreshold: threshold, Cooldown: cooldown})
}

func TestClosedUntilThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow("cap.a.v1"))
		b.RecordFailure("cap.a.v1")
	}
	assert.Equal(t, StateClosed, b.State("cap.a.v1"))

	require.NoError(t, b.Allow("cap.a.v1"))
	b.RecordFailure("cap.a.v1")
	assert.Equal(t, StateOpen, b.State("cap.a.v1"))
	assert.ErrorIs(t, b.Allow("cap.a.v1"), ErrCircuitOpen)
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure("cap.a.v1")
	b.RecordFailure("cap.a.v1")
	b.RecordSuccess("cap.a.v1")
	b.RecordFailure("cap.a.v1")
	b.RecordFailure("cap.a.v1")

	assert.Equal(t, StateClosed, b.State("cap.a.v1"))
}

func TestHalfOpenAfterCooldownThenClose(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	b.RecordFailure("cap.a.v1")
	require.Equal(t, StateOpen, b.State("cap.a.v1"))

	time.Sleep(30 * time.Millisecond)

	// First request after cooldown is the probe.
	require.NoError(t, b.Allow("cap.a.v1"))
	assert.Equal(t, StateHalfOpen, b.State("cap.a.v1"))

	b.RecordSuccess("cap.a.v1")
	assert.Equal(t, StateClosed, b.State("cap.a.v1"))
	assert.NoError(t, b.Allow("cap.a.v1"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	b.RecordFailure("cap.a.v1")
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Allow("cap.a.v1"))
	b.RecordFailure("cap.a.v1")

	assert.Equal(t, StateOpen, b.State("cap.a.v1"))
	// Cooldown restarted: immediately blocked again.
	assert.ErrorIs(t, b.Allow("cap.a.v1"), ErrCircuitOpen)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure("cap.a.v1")
	time.Sleep(20 * time.Millisecond)

	var admitted, rejected int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Allow("cap.a.v1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted, "exactly one probe may pass in half-open")
	assert.Equal(t, 7, rejected)
}

func TestReset(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	b.RecordFailure("cap.a.v1")
	require.Equal(t, StateOpen, b.State("cap.a.v1"))

	b.Reset("cap.a.v1")
	assert.Equal(t, StateClosed, b.State("cap.a.v1"))
	assert.NoError(t, b.Allow("cap.a.v1"))
}

func TestCellsAreIndependent(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	b.RecordFailure("cap.bad.v1")
	assert.Equal(t, StateOpen, b.State("cap.bad.v1"))
	assert.NoError(t, b.Allow("cap.good.v1"))
}

func TestOnStateChangeHook(t *testing.T) {
	var transitions []string
	var mu sync.Mutex
	b := New(Config{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		OnStateChange: func(id string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	b.RecordFailure("cap.a.v1")
	b.Reset("cap.a.v1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}
