package sensorlink

import (
	"bufio"
	"io"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navlog"
)

// LineWriter formats records as hub lines. It implements dal.Sink, so the
// simulator can stand in for a serial hub.
type LineWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	err error
}

// NewLineWriter buffers output to w. Call Flush to push it out.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: bufio.NewWriter(w)}
}

// Write emits one record.
func (lw *LineWriter) Write(rec navlog.Record) error {
	line, err := Format(rec)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err != nil {
		return lw.err
	}
	if _, err := lw.w.WriteString(line); err != nil {
		lw.err = err
		return err
	}
	lw.err = lw.w.WriteByte('\n')
	return lw.err
}

// Flush writes buffered lines.
func (lw *LineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err != nil {
		return lw.err
	}
	lw.err = lw.w.Flush()
	return lw.err
}

// Err returns the first write error.
func (lw *LineWriter) Err() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.err
}

func (lw *LineWriter) WriteIMUDelta(id dal.SensorID, d dal.IMUDelta) {
	lw.Write(navlog.IMURecord{Sensor: id, Delta: d})
}

func (lw *LineWriter) WriteGPSFix(id dal.SensorID, fix dal.GPSFix) {
	lw.Write(navlog.GPSRecord{Sensor: id, Fix: fix})
}

func (lw *LineWriter) WriteBaroAltitude(id dal.SensorID, altM float64, timeMs uint32) {
	lw.Write(navlog.BaroRecord{Sensor: id, AltM: altM, TimeMs: timeMs})
}

func (lw *LineWriter) WriteMagField(id dal.SensorID, field r3.Vec, timeMs uint32) {
	lw.Write(navlog.MagRecord{Sensor: id, Field: field, TimeMs: timeMs})
}

func (lw *LineWriter) WriteAirspeedEAS(id dal.SensorID, eas, eas2tas float64, timeMs uint32) {
	lw.Write(navlog.AirspeedRecord{Sensor: id, EAS: eas, EAS2TAS: eas2tas, TimeMs: timeMs})
}

var _ dal.Sink = (*LineWriter)(nil)
