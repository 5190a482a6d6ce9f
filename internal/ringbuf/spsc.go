package ringbuf

import "sync/atomic"

// SPSC is a bounded lock-free queue for exactly one producer goroutine and
// one consumer goroutine.
type SPSC[T any] struct {
	buf     []T
	mask    uint64
	head    atomic.Uint64 // next slot to read, owned by the consumer
	tail    atomic.Uint64 // next slot to write, owned by the producer
	dropped atomic.Uint64
}

// NewSPSC returns a queue whose capacity is size rounded up to a power of
// two.
func NewSPSC[T any](size int) *SPSC[T] {
	n := 2
	for n < size {
		n <<= 1
	}
	return &SPSC[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// TryPush enqueues v. It returns false and counts a drop when the queue is
// full.
func (q *SPSC[T]) TryPush(v T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.buf)) {
		q.dropped.Add(1)
		return false
	}
	q.buf[tail&q.mask] = v
	q.tail.Store(tail + 1)
	return true
}

// TryPop dequeues the oldest value.
func (q *SPSC[T]) TryPop() (T, bool) {
	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	v := q.buf[head&q.mask]
	q.buf[head&q.mask] = zero
	q.head.Store(head + 1)
	return v, true
}

// Len returns the number of queued values.
func (q *SPSC[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Capacity returns the queue size.
func (q *SPSC[T]) Capacity() int { return len(q.buf) }

// Dropped returns how many pushes failed because the queue was full.
func (q *SPSC[T]) Dropped() uint64 { return q.dropped.Load() }
