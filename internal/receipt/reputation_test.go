package receipt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usage(capID string, success bool) UsageMeta {
	return UsageMeta{CapabilityID: capID, Success: success, Timestamp: time.Now()}
}

func TestEWMAFirstSampleSeeds(t *testing.T) {
	s := NewEWMAScorer(0.1)
	s.Ingest(usage("cap.a.v1", true))

	score, ok := s.Score("cap.a.v1")
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
}

func TestEWMADecay(t *testing.T) {
	s := NewEWMAScorer(0.1)
	s.Ingest(usage("cap.a.v1", true))
	s.Ingest(usage("cap.a.v1", false))

	score, _ := s.Score("cap.a.v1")
	assert.InDelta(t, 0.9, score, 1e-9) // 0.1*0 + 0.9*1.0

	s.Ingest(usage("cap.a.v1", false))
	score, _ = s.Score("cap.a.v1")
	assert.InDelta(t, 0.81, score, 1e-9)
}

func TestScoreUnknownCapability(t *testing.T) {
	s := NewEWMAScorer(0.1)
	_, ok := s.Score("cap.never.v1")
	assert.False(t, ok)
}

func TestExportMergeWeightedAverage(t *testing.T) {
	local := NewEWMAScorer(0.1)
	local.Ingest(usage("cap.a.v1", true)) // local score 1.0

	peer := NewEWMAScorer(0.1)
	peer.Ingest(usage("cap.a.v1", false)) // peer score 0.0
	peer.Ingest(usage("cap.b.v1", true))  // unknown locally

	blob, err := peer.Export()
	require.NoError(t, err)
	require.NoError(t, local.Merge(blob, 0.5))

	score, _ := local.Score("cap.a.v1")
	assert.InDelta(t, 0.5, score, 1e-9)

	score, ok := local.Score("cap.b.v1")
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9) // adopted at weight
}

func TestMergeRejectsBadBlobAndWeight(t *testing.T) {
	s := NewEWMAScorer(0.1)
	assert.Error(t, s.Merge("not-base64!!", 0.5))
	assert.Error(t, s.Merge("", 1.5))
}

func TestUsageEmitterFanout(t *testing.T) {
	e := NewUsageEmitter()
	ch1 := e.Subscribe()
	ch2 := e.Subscribe()

	e.Emit(usage("cap.a.v1", true))

	m1 := <-ch1
	m2 := <-ch2
	assert.Equal(t, "cap.a.v1", m1.CapabilityID)
	assert.Equal(t, "cap.a.v1", m2.CapabilityID)

	e.Unsubscribe(ch1)
	_, open := <-ch1
	assert.False(t, open)
}

func TestScorerConsumesEmitterStream(t *testing.T) {
	e := NewUsageEmitter()
	s := NewEWMAScorer(0.1)
	ch := e.Subscribe()

	done := make(chan struct{})
	go func() {
		Consume(s, ch)
		close(done)
	}()

	e.Emit(usage("cap.a.v1", true))
	e.Unsubscribe(ch)
	<-done

	score, ok := s.Score("cap.a.v1")
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
}
