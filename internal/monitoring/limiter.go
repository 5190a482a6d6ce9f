package monitoring

// Limiter suppresses repeats of the same message kind within an interval.
// Time is supplied by the caller in milliseconds, so filter code logs on
// sample time and replays produce the same output.
type Limiter struct {
	intervalMs uint32
	last       map[string]uint32
	suppressed map[string]int
	logf       func(format string, v ...interface{})
}

// NewLimiter returns a limiter that lets one message per kind through every
// intervalMs. A nil logf writes through Logf.
func NewLimiter(intervalMs uint32, logf func(format string, v ...interface{})) *Limiter {
	return &Limiter{
		intervalMs: intervalMs,
		last:       make(map[string]uint32),
		suppressed: make(map[string]int),
		logf:       logf,
	}
}

// Logf writes the message unless one of the same kind was written less than
// the interval ago. It reports whether the message was written.
func (l *Limiter) Logf(nowMs uint32, kind, format string, v ...interface{}) bool {
	if last, ok := l.last[kind]; ok && nowMs-last < l.intervalMs {
		l.suppressed[kind]++
		return false
	}
	l.last[kind] = nowMs
	if n := l.suppressed[kind]; n > 0 {
		format += " (%d suppressed)"
		v = append(v, n)
		l.suppressed[kind] = 0
	}
	logf := l.logf
	if logf == nil {
		logf = Logf
	}
	logf(format, v...)
	return true
}

// Reset forgets all history.
func (l *Limiter) Reset() {
	clear(l.last)
	clear(l.suppressed)
}
