package ringbuf

// IMUBuffer is a ring that is written every filter step. Once full, its
// oldest element is the sample at the fusion horizon.
type IMUBuffer[T any] struct {
	buf      []T
	youngest int
	filled   bool
	count    int
}

// NewIMUBuffer returns a buffer with the given fixed length.
func NewIMUBuffer[T any](length int) *IMUBuffer[T] {
	if length < 2 {
		length = 2
	}
	return &IMUBuffer[T]{buf: make([]T, length), youngest: length - 1}
}

// Push writes s as the youngest element.
func (b *IMUBuffer[T]) Push(s T) {
	b.youngest = (b.youngest + 1) % len(b.buf)
	b.buf[b.youngest] = s
	if !b.filled {
		b.count++
		if b.count == len(b.buf) {
			b.filled = true
		}
	}
}

// Full reports whether every slot has been written since the last reset.
func (b *IMUBuffer[T]) Full() bool { return b.filled }

// Capacity returns the buffer length.
func (b *IMUBuffer[T]) Capacity() int { return len(b.buf) }

// Len returns how many slots hold data.
func (b *IMUBuffer[T]) Len() int { return b.count }

func (b *IMUBuffer[T]) oldestIndex() int {
	if b.filled {
		return (b.youngest + 1) % len(b.buf)
	}
	return 0
}

// Oldest returns the element at the fusion horizon.
func (b *IMUBuffer[T]) Oldest() T {
	return b.buf[b.oldestIndex()]
}

// Newest returns the most recently written element.
func (b *IMUBuffer[T]) Newest() T {
	return b.buf[b.youngest]
}

// At returns the i-th stored element counting from the oldest.
func (b *IMUBuffer[T]) At(i int) T {
	return b.buf[(b.oldestIndex()+i)%len(b.buf)]
}

// Update applies fn to every stored element in place, oldest first.
func (b *IMUBuffer[T]) Update(fn func(*T)) {
	start := b.oldestIndex()
	for i := 0; i < b.count; i++ {
		fn(&b.buf[(start+i)%len(b.buf)])
	}
}

// Fill sets every slot to s and marks the buffer full.
func (b *IMUBuffer[T]) Fill(s T) {
	for i := range b.buf {
		b.buf[i] = s
	}
	b.youngest = len(b.buf) - 1
	b.count = len(b.buf)
	b.filled = true
}

// Reset empties the buffer.
func (b *IMUBuffer[T]) Reset() {
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.youngest = len(b.buf) - 1
	b.count = 0
	b.filled = false
}
