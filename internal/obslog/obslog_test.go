package obslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentNewestFirst(t *testing.T) {
	r := NewRing(10)
	r.Info("router", "first", nil)
	r.Warn("router", "second", map[string]interface{}{"capability": "cap.a.v1"})

	entries := r.Recent(5, "")
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "first", entries[1].Message)

	warns := r.Recent(5, LevelWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, "second", warns[0].Message)
}

func TestRingBounded(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 10; i++ {
		r.Info("queue", "entry", nil)
	}

	stats := r.Stats()
	assert.Equal(t, 3, stats["buffered"])
	assert.Equal(t, int64(10), stats["info"])
}

func TestStatsPerLevel(t *testing.T) {
	r := NewRing(10)
	r.Info("a", "m", nil)
	r.Warn("a", "m", nil)
	r.Error("a", "m", nil)
	r.Error("a", "m", nil)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats["info"])
	assert.Equal(t, int64(1), stats["warn"])
	assert.Equal(t, int64(2), stats["error"])
}
