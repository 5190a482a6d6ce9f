package ringbuf

// Sequence is an oldest-first indexed view over a buffer.
type Sequence[T any] interface {
	Len() int
	At(i int) T
}

// Lerper samples can be linearly interpolated toward another sample.
type Lerper[T any] interface {
	Timed
	Lerp(next T, frac float64) T
}

// Interpolate returns a sample at targetMs. When two entries bracket the
// target the result is interpolated between them; otherwise the nearest
// entry is returned if it lies within tolMs. The buffer is not modified.
func Interpolate[T Lerper[T]](s Sequence[T], targetMs, tolMs uint32) (T, bool) {
	var zero T
	n := s.Len()
	if n == 0 {
		return zero, false
	}
	var (
		best     T
		bestDist uint32
		found    bool
	)
	for i := 0; i < n; i++ {
		cur := s.At(i)
		ct := cur.SampleTime()
		if i+1 < n {
			next := s.At(i + 1)
			nt := next.SampleTime()
			if ct <= targetMs && targetMs <= nt && nt > ct {
				frac := float64(targetMs-ct) / float64(nt-ct)
				return cur.Lerp(next, frac), true
			}
		}
		d := absDiff(ct, targetMs)
		if !found || d < bestDist {
			best, bestDist, found = cur, d, true
		}
	}
	if bestDist <= tolMs {
		return best, true
	}
	return zero, false
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
