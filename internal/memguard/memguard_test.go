package memguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSink struct{ heapPct float64 }

func (f *fakeSink) UpdateLoad(heapPct, _ float64) { f.heapPct = heapPct }

type fakeShedder struct{ on bool }

func (f *fakeShedder) SetShedMode(on bool) { f.on = on }

func supervisorAt(pct float64) *Supervisor {
	s := New(Config{HeapLimitBytes: 1000, Interval: time.Hour})
	s.readHeap = func() uint64 { return uint64(pct * 10) } // pct of 1000
	return s
}

func TestSampleReportsLoad(t *testing.T) {
	s := supervisorAt(50)
	sink := &fakeSink{}
	s.AddLoadSink(sink)

	got := s.Sample()
	assert.InDelta(t, 50.0, got, 1e-9)
	assert.InDelta(t, 50.0, sink.heapPct, 1e-9)
}

func TestSweepsAboveEightyFive(t *testing.T) {
	s := supervisorAt(90)
	swept := 0
	s.AddSweeper(SweeperFunc(func() int { swept = 7; return 7 }))
	s.Sample()
	assert.Equal(t, 7, swept)

	s2 := supervisorAt(50)
	called := false
	s2.AddSweeper(SweeperFunc(func() int { called = true; return 0 }))
	s2.Sample()
	assert.False(t, called)
}

func TestShedModeToggles(t *testing.T) {
	s := supervisorAt(96)
	sh := &fakeShedder{}
	s.AddShedder(sh)

	s.Sample()
	assert.True(t, sh.on)

	s.readHeap = func() uint64 { return 400 }
	s.Sample()
	assert.False(t, sh.on)
}
