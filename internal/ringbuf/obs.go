package ringbuf

// DefaultMaxAgeMs is how far behind the fusion horizon a sample may be and
// still be recalled.
const DefaultMaxAgeMs = 500

// Timed is implemented by every sample type stored in a buffer.
type Timed interface {
	SampleTime() uint32
}

// ObsBuffer stores observations in arrival order. Pushing into a full
// buffer overwrites the oldest entry. Recall consumes entries, so every
// sample is fused at most once.
//
// Entries are never re-sorted: a sample that arrives late with an older
// timestamp than its predecessor stays behind it, and Recall stops at the
// first entry newer than the horizon.
type ObsBuffer[T Timed] struct {
	buf      []T
	start    int // index of the oldest stored entry
	count    int
	maxAgeMs uint32
	newData  bool
}

// NewObsBuffer returns an empty buffer holding up to capacity entries.
func NewObsBuffer[T Timed](capacity int) *ObsBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ObsBuffer[T]{
		buf:      make([]T, capacity),
		maxAgeMs: DefaultMaxAgeMs,
	}
}

// SetMaxAge changes the recall window.
func (b *ObsBuffer[T]) SetMaxAge(ms uint32) {
	b.maxAgeMs = ms
}

// Capacity returns the fixed capacity.
func (b *ObsBuffer[T]) Capacity() int { return len(b.buf) }

// Len returns the number of entries not yet recalled.
func (b *ObsBuffer[T]) Len() int { return b.count }

// Push stores s as the newest entry, evicting the oldest when full.
func (b *ObsBuffer[T]) Push(s T) {
	idx := (b.start + b.count) % len(b.buf)
	if b.count == len(b.buf) {
		b.start = (b.start + 1) % len(b.buf)
	} else {
		b.count++
	}
	b.buf[idx] = s
	b.newData = true
}

// At returns the i-th stored entry counting from the oldest.
func (b *ObsBuffer[T]) At(i int) T {
	return b.buf[(b.start+i)%len(b.buf)]
}

// Newest returns the most recently pushed entry.
func (b *ObsBuffer[T]) Newest() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	return b.At(b.count - 1), true
}

// HasNewData reports whether anything was pushed since the last call to
// ClearNewData.
func (b *ObsBuffer[T]) HasNewData() bool { return b.newData }

// ClearNewData resets the new-data flag.
func (b *ObsBuffer[T]) ClearNewData() { b.newData = false }

// Recall returns the newest entry whose timestamp is at or
// before horizonMs and no more than the max age behind it. The scan runs
// oldest first and stops at the first entry newer than the horizon. On
// success the recalled entry and everything older are dropped.
func (b *ObsBuffer[T]) Recall(horizonMs uint32) (T, bool) {
	var zero T
	best := -1
	for i := 0; i < b.count; i++ {
		ts := b.At(i).SampleTime()
		if ts > horizonMs {
			break
		}
		if horizonMs-ts < b.maxAgeMs {
			best = i
		}
	}
	if best < 0 {
		return zero, false
	}
	out := b.At(best)
	for i := 0; i <= best; i++ {
		b.buf[(b.start+i)%len(b.buf)] = zero
	}
	b.start = (b.start + best + 1) % len(b.buf)
	b.count -= best + 1
	return out, true
}

// Reset discards every entry.
func (b *ObsBuffer[T]) Reset() {
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.start, b.count = 0, 0
	b.newData = false
}
