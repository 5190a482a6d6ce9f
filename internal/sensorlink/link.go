package sensorlink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/ringbuf"
)

// DefaultQueueDepth holds a quarter second of 1 kHz IMU data.
const DefaultQueueDepth = 256

// Stats counts what a producer has seen. Safe for concurrent reads.
type Stats struct {
	Lines       atomic.Uint64
	ParseErrors atomic.Uint64
	Queued      atomic.Uint64
}

// Producer is one driver's path into the filter. Each producer owns its
// queue, so it must be fed from a single goroutine.
type Producer struct {
	Name  string
	Stats Stats

	q    *ringbuf.SPSC[navlog.Record]
	link *Link
	logf func(format string, v ...interface{})
}

// Push queues rec and wakes the pump. It returns false when the queue is
// full and the record was dropped.
func (p *Producer) Push(rec navlog.Record) bool {
	if !p.q.TryPush(rec) {
		return false
	}
	p.Stats.Queued.Add(1)
	p.link.wake()
	return true
}

// PushLine parses and queues one line. Blank lines, comments and command
// replies are ignored.
func (p *Producer) PushLine(line string) error {
	if line == "" || line[0] == '#' || line[0] == '$' {
		return nil
	}
	p.Stats.Lines.Add(1)
	rec, err := Parse(line)
	if err != nil {
		p.Stats.ParseErrors.Add(1)
		return err
	}
	p.Push(rec)
	return nil
}

// Dropped returns how many records were lost to a full queue.
func (p *Producer) Dropped() uint64 { return p.q.Dropped() }

// LogStats writes a one-line summary.
func (p *Producer) LogStats() {
	p.logf("%s: %d lines, %d parse errors, %d queued, %d dropped",
		p.Name, p.Stats.Lines.Load(), p.Stats.ParseErrors.Load(), p.Stats.Queued.Load(), p.Dropped())
}

// Link joins producers to the single filter goroutine.
type Link struct {
	mu        sync.Mutex
	producers []*Producer
	notify    chan struct{}

	armed atomic.Bool

	// Calibration, when set, corrects magnetometer records before they
	// reach the target. Raw records are still passed to Tap.
	Calibration func(dal.SensorID) (dal.CompassCal, bool)
	// Tap sees every record in pump order before it is applied.
	Tap func(navlog.Record)
	// AfterIMU runs on the pump goroutine after each IMU record.
	AfterIMU func(navlog.IMURecord)
}

// NewLink returns a link with no producers.
func NewLink() *Link {
	return &Link{notify: make(chan struct{}, 1)}
}

// NewProducer registers a producer with a queue of at least depth records.
func (l *Link) NewProducer(name string, depth int) *Producer {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	p := &Producer{
		Name: name,
		q:    ringbuf.NewSPSC[navlog.Record](depth),
		link: l,
		logf: monitoring.Prefixed("sensorlink"),
	}
	l.mu.Lock()
	l.producers = append(l.producers, p)
	l.mu.Unlock()
	return p
}

// Producers returns the registered producers.
func (l *Link) Producers() []*Producer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Producer(nil), l.producers...)
}

// Armed reports the last arming record seen. Link is a dal.ArmingSource.
func (l *Link) Armed() bool { return l.armed.Load() }

var _ dal.ArmingSource = (*Link)(nil)

func (l *Link) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Drain applies every queued record to t and returns how many it applied.
// Producers are visited in turn so none starves another.
func (l *Link) Drain(t navlog.Target) int {
	n := 0
	for _, p := range l.Producers() {
		for {
			rec, ok := p.q.TryPop()
			if !ok {
				break
			}
			l.apply(t, rec)
			n++
		}
	}
	return n
}

func (l *Link) apply(t navlog.Target, rec navlog.Record) {
	if l.Tap != nil {
		l.Tap(rec)
	}
	switch r := rec.(type) {
	case navlog.ArmingRecord:
		l.armed.Store(r.Armed)
		return
	case navlog.MagRecord:
		if l.Calibration != nil {
			if cal, ok := l.Calibration(r.Sensor); ok {
				r.Field = cal.Apply(r.Field)
				rec = r
			}
		}
	}
	navlog.Apply(t, rec)
	if imu, ok := rec.(navlog.IMURecord); ok && l.AfterIMU != nil {
		l.AfterIMU(imu)
	}
}

// Pump drains queues into t until ctx ends. It is the only goroutine that
// touches t.
func (l *Link) Pump(ctx context.Context, t navlog.Target) error {
	for {
		l.Drain(t)
		select {
		case <-ctx.Done():
			l.Drain(t)
			return ctx.Err()
		case <-l.notify:
		}
	}
}
