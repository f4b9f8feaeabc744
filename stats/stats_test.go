package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshotReflectsIncrements(t *testing.T) {
	c := New()
	c.Accepted.Inc(3)
	c.Dropped.Inc(1)

	snap := c.Snapshot()
	require.Equal(t, int64(3), snap["accepted"])
	require.Equal(t, int64(1), snap["dropped"])
	require.Equal(t, int64(0), snap["blackholed"])
}

func TestCollectorEmitsOneLinePerCounter(t *testing.T) {
	c := New()
	c.Accepted.Inc(5)
	c.Blackholed.Inc(2)

	out := make(chan []byte, 16)
	col := NewCollector(Config{Interval: time.Millisecond, Prefix: "stats."}, c, out)
	col.submitOnce()

	require.Len(t, out, 6)
	seenPrefixed := false
	for i := 0; i < 6; i++ {
		line := <-out
		require.Contains(t, string(line), "stats.")
		if len(line) >= len("stats.accepted") && string(line[:len("stats.accepted")]) == "stats.accepted" {
			seenPrefixed = true
		}
	}
	require.True(t, seenPrefixed)
}

func TestCollectorResetAfterIntervalClearsCounters(t *testing.T) {
	c := New()
	c.Accepted.Inc(7)

	out := make(chan []byte, 16)
	col := NewCollector(Config{Interval: time.Millisecond, ResetAfterInterval: true}, c, out)
	col.submitOnce()

	require.Equal(t, int64(0), c.Snapshot()["accepted"])
}

func TestCollectorShutdownStopsRunLoop(t *testing.T) {
	c := New()
	out := make(chan []byte, 64)
	col := NewCollector(Config{Interval: time.Millisecond}, c, out)

	go col.Run()
	time.Sleep(5 * time.Millisecond)
	col.Shutdown()
}
