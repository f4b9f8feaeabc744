package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(3)
	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))
	require.Equal(t, 3, q.Len())

	p, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "a", string(p))
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	q := New(2)
	q.Enqueue([]byte("1"))
	q.Enqueue([]byte("2"))
	q.Enqueue([]byte("3")) // drops "1"

	require.Equal(t, 2, q.Len())
	require.EqualValues(t, 1, q.Dropped())

	p, _ := q.Dequeue()
	require.Equal(t, "2", string(p))
	p, _ = q.Dequeue()
	require.Equal(t, "3", string(p))
}

func TestDequeueVectorCapsAtAvailable(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		q.Enqueue([]byte{byte('a' + i)})
	}
	out := q.DequeueVector(100)
	require.Len(t, out, 5)
	require.Equal(t, 0, q.Len())
}

func TestPutbackReinsertsAtHead(t *testing.T) {
	q := New(2)
	q.Enqueue([]byte("b"))
	require.True(t, q.Putback([]byte("a")))

	p, _ := q.Dequeue()
	require.Equal(t, "a", string(p))
	p, _ = q.Dequeue()
	require.Equal(t, "b", string(p))
}

func TestPutbackFailsWhenFull(t *testing.T) {
	q := New(1)
	q.Enqueue([]byte("a"))
	require.False(t, q.Putback([]byte("b")))
}

func TestSwapTransplantsContents(t *testing.T) {
	a := New(5)
	b := New(5)
	a.Enqueue([]byte("x"))
	a.Enqueue([]byte("y"))

	a.Swap(b)
	require.Equal(t, 0, a.Len())
	require.Equal(t, 2, b.Len())
	p, _ := b.Dequeue()
	require.Equal(t, "x", string(p))
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := New(4)
	for i := 0; i < 1000; i++ {
		q.Enqueue([]byte{byte(i)})
		require.LessOrEqual(t, q.Len(), q.Cap())
	}
}
