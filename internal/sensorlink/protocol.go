// Package sensorlink carries sensor readings from drivers into the filter.
//
// Readings travel as one CSV line each, tagged by sensor type:
//
//	IMU,<id>,<ms>,<dax>,<day>,<daz>,<dadt>,<dvx>,<dvy>,<dvz>,<dvdt>
//	GPS,<id>,<ms>,<fix>,<lat>,<lng>,<alt>,<vn>,<ve>,<vd>,<hasvd>,<hacc>,<vacc>,<sacc>,<sats>,<hdop>
//	BARO,<id>,<ms>,<alt>
//	MAG,<id>,<ms>,<x>,<y>,<z>                 field in Gauss, body frame
//	ARSP,<id>,<ms>,<eas>,<eas2tas>
//	RNG,<ms>,<range>,<max>,<ox>,<oy>,<oz>
//	FLOW,<ms>,<quality>,<fx>,<fy>,<gx>,<gy>
//	BCN,<ms>,<beacon>,<range>,<err>,<n>,<e>,<d>
//	EXTNAV,<ms>,<n>,<e>,<d>,<qw>,<qx>,<qy>,<qz>,<poserr>,<angerr>,<reset>
//	EXTVEL,<ms>,<vn>,<ve>,<vd>,<err>
//	ODOM,<ms>,<dpx>,<dpy>,<dpz>,<dax>,<day>,<daz>,<dt>,<quality>,<velerr>
//	ARM,<ms>,<0|1>
//
// Lines arrive from a serial hub, UDP datagrams or a packet capture.
// Producers parse on their own goroutine and hand records to the filter
// goroutine through single-producer queues.
package sensorlink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/navmath"
)

var (
	ErrUnknownTag  = errors.New("sensorlink: unknown sensor tag")
	ErrFieldCount  = errors.New("sensorlink: wrong field count")
	ErrUnencodable = errors.New("sensorlink: record has no line form")
)

var fieldCounts = map[string]int{
	"IMU": 11, "GPS": 16, "BARO": 4, "MAG": 6, "ARSP": 5, "RNG": 7, "FLOW": 7,
	"BCN": 8, "EXTNAV": 12, "EXTVEL": 6, "ODOM": 11, "ARM": 3,
}

// fields walks a split line and keeps the first conversion error.
type fields struct {
	f   []string
	i   int
	err error
}

func (p *fields) next() string {
	s := p.f[p.i]
	p.i++
	return s
}

func (p *fields) float() float64 {
	s := p.next()
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("field %d %q: %w", p.i, s, err)
	}
	return v
}

func (p *fields) uint(bits int) uint64 {
	s := p.next()
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("field %d %q: %w", p.i, s, err)
	}
	return v
}

func (p *fields) ms() uint32         { return uint32(p.uint(32)) }
func (p *fields) id() dal.SensorID   { return dal.SensorID(p.uint(8)) }
func (p *fields) flag() bool         { return p.uint(1) == 1 }
func (p *fields) vec() r3.Vec        { return r3.Vec{X: p.float(), Y: p.float(), Z: p.float()} }
func (p *fields) pair() [2]float64   { return [2]float64{p.float(), p.float()} }
func (p *fields) sample() ekf.Sample { return ekf.Sample{TimeMs: p.ms()} }

// Parse decodes one line into an input record.
func Parse(line string) (navlog.Record, error) {
	f := strings.Split(strings.TrimSpace(line), ",")
	tag := f[0]
	want, ok := fieldCounts[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if len(f) != want {
		return nil, fmt.Errorf("%w: %s has %d, want %d", ErrFieldCount, tag, len(f), want)
	}
	p := &fields{f: f, i: 1}
	var rec navlog.Record
	switch tag {
	case "IMU":
		r := navlog.IMURecord{Sensor: p.id()}
		r.Delta.TimeMs = p.ms()
		r.Delta.DelAng, r.Delta.DelAngDt = p.vec(), p.float()
		r.Delta.DelVel, r.Delta.DelVelDt = p.vec(), p.float()
		rec = r
	case "GPS":
		r := navlog.GPSRecord{Sensor: p.id()}
		fix := &r.Fix
		fix.TimeMs = p.ms()
		fix.FixType = dal.FixType(p.uint(8))
		fix.Lat, fix.Lng, fix.Alt = p.float(), p.float(), p.float()
		fix.VelNED, fix.HaveVertVel = p.vec(), p.flag()
		fix.HAcc, fix.VAcc, fix.SAcc = p.float(), p.float(), p.float()
		fix.NumSats = int(p.uint(8))
		fix.HDOP = p.float()
		rec = r
	case "BARO":
		r := navlog.BaroRecord{Sensor: p.id(), TimeMs: p.ms()}
		r.AltM = p.float()
		rec = r
	case "MAG":
		r := navlog.MagRecord{Sensor: p.id(), TimeMs: p.ms()}
		r.Field = p.vec()
		rec = r
	case "ARSP":
		r := navlog.AirspeedRecord{Sensor: p.id(), TimeMs: p.ms()}
		r.EAS, r.EAS2TAS = p.float(), p.float()
		rec = r
	case "RNG":
		rec = navlog.RangeRecord{RangeSample: ekf.RangeSample{Sample: p.sample(), Range: p.float(), MaxRange: p.float(), PosOffset: p.vec()}}
	case "FLOW":
		rec = navlog.FlowRecord{FlowSample: ekf.FlowSample{Sample: p.sample(), Quality: uint8(p.uint(8)), FlowRate: p.pair(), BodyRate: p.pair()}}
	case "BCN":
		rec = navlog.BeaconRecord{BeaconSample: ekf.BeaconSample{Sample: p.sample(), BeaconID: int(p.uint(8)), Range: p.float(), RangeErr: p.float(), BeaconPos: p.vec()}}
	case "EXTNAV":
		s := ekf.ExtNavSample{Sample: p.sample(), Pos: p.vec()}
		s.Quat = navmath.Quat{p.float(), p.float(), p.float(), p.float()}
		s.PosErr, s.AngErr, s.PosReset = p.float(), p.float(), p.flag()
		rec = navlog.ExtNavRecord{ExtNavSample: s}
	case "EXTVEL":
		rec = navlog.ExtNavVelRecord{ExtNavVelSample: ekf.ExtNavVelSample{Sample: p.sample(), Vel: p.vec(), Err: p.float()}}
	case "ODOM":
		s := ekf.BodyOdomSample{Sample: p.sample(), DelPos: p.vec(), DelAng: p.vec()}
		s.DelTime, s.Quality, s.VelErr = p.float(), p.float(), p.float()
		rec = navlog.BodyOdomRecord{BodyOdomSample: s}
	case "ARM":
		rec = navlog.ArmingRecord{TimeMs: p.ms(), Armed: p.flag()}
	}
	if p.err != nil {
		return nil, fmt.Errorf("sensorlink: %s %w", tag, p.err)
	}
	return rec, nil
}

func g(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func vec(v r3.Vec) string { return g(v.X) + "," + g(v.Y) + "," + g(v.Z) }

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Format encodes an input record as a line without the trailing newline.
// Floats use the shortest exact form, so Parse(Format(r)) returns r.
func Format(rec navlog.Record) (string, error) {
	var b strings.Builder
	switch r := rec.(type) {
	case navlog.IMURecord:
		d := r.Delta
		fmt.Fprintf(&b, "IMU,%d,%d,%s,%s,%s,%s", r.Sensor, d.TimeMs, vec(d.DelAng), g(d.DelAngDt), vec(d.DelVel), g(d.DelVelDt))
	case navlog.GPSRecord:
		f := r.Fix
		fmt.Fprintf(&b, "GPS,%d,%d,%d,%s,%s,%s,%s,%s,%s,%s,%s,%d,%s", r.Sensor, f.TimeMs, f.FixType,
			g(f.Lat), g(f.Lng), g(f.Alt), vec(f.VelNED), bit(f.HaveVertVel), g(f.HAcc), g(f.VAcc), g(f.SAcc), f.NumSats, g(f.HDOP))
	case navlog.BaroRecord:
		fmt.Fprintf(&b, "BARO,%d,%d,%s", r.Sensor, r.TimeMs, g(r.AltM))
	case navlog.MagRecord:
		fmt.Fprintf(&b, "MAG,%d,%d,%s", r.Sensor, r.TimeMs, vec(r.Field))
	case navlog.AirspeedRecord:
		fmt.Fprintf(&b, "ARSP,%d,%d,%s,%s", r.Sensor, r.TimeMs, g(r.EAS), g(r.EAS2TAS))
	case navlog.RangeRecord:
		fmt.Fprintf(&b, "RNG,%d,%s,%s,%s", r.TimeMs, g(r.Range), g(r.MaxRange), vec(r.PosOffset))
	case navlog.FlowRecord:
		fmt.Fprintf(&b, "FLOW,%d,%d,%s,%s,%s,%s", r.TimeMs, r.Quality, g(r.FlowRate[0]), g(r.FlowRate[1]), g(r.BodyRate[0]), g(r.BodyRate[1]))
	case navlog.BeaconRecord:
		fmt.Fprintf(&b, "BCN,%d,%d,%s,%s,%s", r.TimeMs, r.BeaconID, g(r.Range), g(r.RangeErr), vec(r.BeaconPos))
	case navlog.ExtNavRecord:
		q := r.Quat
		fmt.Fprintf(&b, "EXTNAV,%d,%s,%s,%s,%s,%s,%s,%s,%s", r.TimeMs, vec(r.Pos), g(q[0]), g(q[1]), g(q[2]), g(q[3]), g(r.PosErr), g(r.AngErr), bit(r.PosReset))
	case navlog.ExtNavVelRecord:
		fmt.Fprintf(&b, "EXTVEL,%d,%s,%s", r.TimeMs, vec(r.Vel), g(r.Err))
	case navlog.BodyOdomRecord:
		fmt.Fprintf(&b, "ODOM,%d,%s,%s,%s,%s,%s", r.TimeMs, vec(r.DelPos), vec(r.DelAng), g(r.DelTime), g(r.Quality), g(r.VelErr))
	case navlog.ArmingRecord:
		fmt.Fprintf(&b, "ARM,%d,%s", r.TimeMs, bit(r.Armed))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnencodable, rec.Type())
	}
	return b.String(), nil
}
