package destination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDest(queueSize, batchSize, maxStalls int) *Destination {
	return New(Config{
		Descriptor: Descriptor{IPAddr: "127.0.0.1", Port: 2003, Proto: TCP},
		BatchSize:  batchSize,
		QueueSize:  queueSize,
		MaxStalls:  maxStalls,
	})
}

func TestSendAcceptsUntilFull(t *testing.T) {
	d := newTestDest(5, 10, 4)
	for i := 0; i < 5; i++ {
		require.True(t, d.Send([]byte("m"), false))
	}
	require.Equal(t, 5, d.Q.Len())
}

func TestSendStallsThenDropsAfterMaxStalls(t *testing.T) {
	d := newTestDest(2, 10, 3)
	d.SetSecondaries([]*Destination{newTestDest(2, 10, 3)})

	require.True(t, d.Send([]byte("1"), false))
	require.True(t, d.Send([]byte("2"), false))

	// queue now full with a live secondary and no failure: next sends stall
	stalls := 0
	for i := 0; i < 3; i++ {
		if !d.Send([]byte("x"), false) {
			stalls++
		}
	}
	require.Equal(t, 2, stalls)
	// the 3rd attempt reached MaxStalls and converted to a drop; later sends
	// onto the still-full queue keep dropping instead of stalling again
	require.True(t, d.Send([]byte("y"), false))
}

func TestSendForceAlwaysAccepts(t *testing.T) {
	d := newTestDest(1, 10, 4)
	require.True(t, d.Send([]byte("1"), false))
	require.True(t, d.Send([]byte("2"), true))
	require.Equal(t, 1, d.Q.Len())
}

func TestSendDropsWhenNoSecondaries(t *testing.T) {
	d := newTestDest(1, 10, 4)
	require.True(t, d.Send([]byte("1"), false))
	require.True(t, d.Send([]byte("2"), false)) // no secondaries -> drop immediately
	require.Equal(t, uint64(1), d.Q.Dropped())
}

func TestDescriptorEqualityIsDedupKey(t *testing.T) {
	a := Descriptor{IPAddr: "1.2.3.4", Port: 2003, Proto: TCP}
	b := Descriptor{IPAddr: "1.2.3.4", Port: 2003, Proto: TCP}
	c := Descriptor{IPAddr: "1.2.3.4", Port: 2004, Proto: TCP}
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRingNodeAccessors(t *testing.T) {
	d := newTestDest(1, 1, 1)
	require.Equal(t, "127.0.0.1", d.IP())
	require.Equal(t, 2003, d.Port())
	require.Equal(t, "", d.Instance())
}
