// Package timeutil is the wall-clock side of the system: the sensor hub
// pacing, the simulator feed and the compass calibrator's timeouts. The
// filter never reads a clock; it runs on sample timestamps.
package timeutil

import (
	"slices"
	"sync"
	"time"
)

// Clock is the wall clock, replaceable in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks of a Clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} }

type stdTicker struct{ *time.Ticker }

func (t stdTicker) C() <-chan time.Time { return t.Ticker.C }

// BootClock reports milliseconds since it was created, the timestamp
// domain of sensor samples. Like the autopilot's counter it wraps after
// about 49 days.
type BootClock struct {
	clock Clock
	boot  time.Time
}

// NewBootClock starts a counter at zero. A nil clock means RealClock.
func NewBootClock(c Clock) *BootClock {
	if c == nil {
		c = RealClock{}
	}
	return &BootClock{clock: c, boot: c.Now()}
}

func (b *BootClock) Millis() uint32 {
	return uint32(b.clock.Now().Sub(b.boot).Milliseconds())
}

// MockClock only moves when Advance is called. It also counts
// milliseconds since creation, so it can stand in for a BootClock.
type MockClock struct {
	mu      sync.Mutex
	start   time.Time
	now     time.Time
	tickers []*MockTicker
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{start: t, now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.now.Sub(c.start).Milliseconds())
}

// Advance moves time forward and fires every ticker that came due. A
// ticker that missed several periods delivers one tick, as time.Ticker
// does for a slow reader.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := slices.Clone(c.tickers)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{clock: c, ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *MockClock) remove(t *MockTicker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers = slices.DeleteFunc(c.tickers, func(x *MockTicker) bool { return x == t })
}

// MockTicker belongs to a MockClock. Its ticks stay on the phase set at
// creation.
type MockTicker struct {
	clock  *MockClock
	ch     chan time.Time
	period time.Duration

	mu   sync.Mutex
	next time.Time
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() { t.clock.remove(t) }

func (t *MockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
}
