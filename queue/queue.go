// Package queue implements the bounded FIFO queue each destination uses to
// hold metric lines awaiting delivery (spec C1). It is a fixed-capacity ring
// of owned byte slices: enqueue never blocks and never fails, overflow drops
// the oldest entry and counts it, and dequeue is O(1). DequeueVector pops a
// whole batch under one lock acquisition, which is the shape a sender wants
// when it writes in batches rather than one line at a time.
package queue

import "sync"

// Queue is a bounded, thread-safe ring buffer of byte slices.
type Queue struct {
	mu       sync.Mutex
	buf      [][]byte
	r, w     int
	size     int
	capacity int
	dropped  uint64
}

// New returns a queue that holds at most capacity entries.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

// Enqueue inserts p at the tail. If the queue is full, the oldest entry is
// freed and dropped first; Enqueue never fails.
func (q *Queue) Enqueue(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == q.capacity {
		q.buf[q.r] = nil
		q.r = (q.r + 1) % q.capacity
		q.size--
		q.dropped++
	}
	q.buf[q.w] = p
	q.w = (q.w + 1) % q.capacity
	q.size++
}

// Dequeue pops the oldest entry, or returns nil, false if the queue is empty.
func (q *Queue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() ([]byte, bool) {
	if q.size == 0 {
		return nil, false
	}
	p := q.buf[q.r]
	q.buf[q.r] = nil
	q.r = (q.r + 1) % q.capacity
	q.size--
	return p, true
}

// DequeueVector pops up to n entries under a single lock acquisition, to
// reduce contention when a sender dequeues a whole batch at once.
func (q *Queue) DequeueVector(n int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		p, ok := q.dequeueLocked()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

// Putback reinserts p at the head, for entries a sender failed to deliver.
// It fails (returns false) if the queue is full, in which case the caller
// should drop and count p itself.
func (q *Queue) Putback(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == q.capacity {
		return false
	}
	q.r = (q.r - 1 + q.capacity) % q.capacity
	q.buf[q.r] = p
	q.size++
	return true
}

// PutbackVector reinserts entries at the head in original order, dropping
// (and counting) as many leading entries as don't fit.
func (q *Queue) PutbackVector(ps [][]byte) (dropped int) {
	for i := len(ps) - 1; i >= 0; i-- {
		if !q.Putback(ps[i]) {
			q.mu.Lock()
			q.dropped += uint64(i + 1)
			q.mu.Unlock()
			return i + 1
		}
	}
	return 0
}

// Len returns the current (approximate) number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Free returns the current (approximate) free capacity.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity - q.size
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of entries dropped due to overflow since
// creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Swap atomically exchanges the contents of q and other, used by the router
// to transplant a sender's in-flight queue across a config reload (spec
// §4.8). Counters are swapped along with the backing buffer.
func (q *Queue) Swap(other *Queue) {
	if q == other {
		return
	}
	// lock in a stable order to avoid deadlock against a concurrent
	// reverse swap
	first, second := q, other
	if uintptrOf(q) > uintptrOf(other) {
		first, second = other, q
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	q.buf, other.buf = other.buf, q.buf
	q.r, other.r = other.r, q.r
	q.w, other.w = other.w, q.w
	q.size, other.size = other.size, q.size
	q.capacity, other.capacity = other.capacity, q.capacity
	q.dropped, other.dropped = other.dropped, q.dropped
}
