package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(max int) *Feed {
	return New(Config{MaxEvents: max, TTL: time.Hour, SweepInterval: time.Hour})
}

func TestRecordAndQueryNewestFirst(t *testing.T) {
	f := newTestFeed(100)
	defer f.Stop()

	f.Record(TypeCapabilityInvoked, "agent-a", map[string]interface{}{"capability": "cap.a.v1"}, VisibilityPublic)
	f.Record(TypeCapabilityFailed, "agent-a", nil, VisibilityPublic)

	events := f.Query(Filter{})
	require.Len(t, events, 2)
	assert.Equal(t, TypeCapabilityFailed, events[0].Type)
	assert.Equal(t, TypeCapabilityInvoked, events[1].Type)
}

func TestQueryFilters(t *testing.T) {
	f := newTestFeed(100)
	defer f.Stop()

	f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic)
	f.Record(TypeCapabilityInvoked, "agent-b", nil, VisibilityPublic)
	f.Record(TypeCircuitOpened, "", nil, VisibilityPublic)
	f.Record(TypeAgentViolation, "agent-a", nil, VisibilityPrivate)

	byAgent := f.Query(Filter{AgentID: "agent-a"})
	require.Len(t, byAgent, 1)
	assert.Equal(t, TypeCapabilityInvoked, byAgent[0].Type)

	byType := f.Query(Filter{Types: []string{TypeCircuitOpened, TypeCircuitClosed}})
	require.Len(t, byType, 1)

	// Default visibility is public, private events stay hidden
	all := f.Query(Filter{})
	assert.Len(t, all, 3)

	private := f.Query(Filter{Visibility: VisibilityPrivate})
	require.Len(t, private, 1)
	assert.Equal(t, TypeAgentViolation, private[0].Type)
}

func TestQueryLimit(t *testing.T) {
	f := newTestFeed(100)
	defer f.Stop()

	for i := 0; i < 10; i++ {
		f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic)
	}
	assert.Len(t, f.Query(Filter{Limit: 3}), 3)
}

func TestRingDropsOldestPastCapacity(t *testing.T) {
	f := newTestFeed(3)
	defer f.Stop()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic))
	}

	events := f.Query(Filter{})
	require.Len(t, events, 3)
	// Newest first, so the two oldest ids are gone
	assert.Equal(t, ids[4], events[0].ID)
	assert.Equal(t, ids[2], events[2].ID)
}

func TestSweepExpired(t *testing.T) {
	f := New(Config{MaxEvents: 10, TTL: 10 * time.Millisecond, SweepInterval: time.Hour})
	defer f.Stop()

	f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic)
	time.Sleep(20 * time.Millisecond)
	f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic)

	removed := f.SweepExpired()
	assert.Equal(t, 1, removed)
	assert.Len(t, f.Query(Filter{}), 1)
}

func TestSubscribeReceivesMatching(t *testing.T) {
	f := newTestFeed(100)
	defer f.Stop()

	ch := f.Subscribe(Filter{Types: []string{TypeCircuitOpened}})
	f.Record(TypeCapabilityInvoked, "agent-a", nil, VisibilityPublic)
	f.Record(TypeCircuitOpened, "", map[string]interface{}{"capability": "cap.a.v1"}, VisibilityPublic)

	select {
	case e := <-ch:
		assert.Equal(t, TypeCircuitOpened, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a circuit_opened event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %s", e.Type)
	default:
	}

	f.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestStopClosesSubscribers(t *testing.T) {
	f := newTestFeed(100)
	ch := f.Subscribe(Filter{})
	f.Stop()

	_, open := <-ch
	assert.False(t, open)
}
