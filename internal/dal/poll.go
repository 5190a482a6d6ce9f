package dal

import "gonum.org/v1/gonum/spatial/r3"

// Sink receives sensor data pulled from poll-style sources. The filter
// frontend implements it.
type Sink interface {
	WriteIMUDelta(id SensorID, d IMUDelta)
	WriteGPSFix(id SensorID, fix GPSFix)
	WriteBaroAltitude(id SensorID, altM float64, timeMs uint32)
	WriteMagField(id SensorID, field r3.Vec, timeMs uint32)
	WriteAirspeedEAS(id SensorID, eas, eas2tas float64, timeMs uint32)
}

// MultiSink fans every reading out to each sink in order.
type MultiSink []Sink

func (m MultiSink) WriteIMUDelta(id SensorID, d IMUDelta) {
	for _, s := range m {
		s.WriteIMUDelta(id, d)
	}
}

func (m MultiSink) WriteGPSFix(id SensorID, fix GPSFix) {
	for _, s := range m {
		s.WriteGPSFix(id, fix)
	}
}

func (m MultiSink) WriteBaroAltitude(id SensorID, altM float64, timeMs uint32) {
	for _, s := range m {
		s.WriteBaroAltitude(id, altM, timeMs)
	}
}

func (m MultiSink) WriteMagField(id SensorID, field r3.Vec, timeMs uint32) {
	for _, s := range m {
		s.WriteMagField(id, field, timeMs)
	}
}

func (m MultiSink) WriteAirspeedEAS(id SensorID, eas, eas2tas float64, timeMs uint32) {
	for _, s := range m {
		s.WriteAirspeedEAS(id, eas, eas2tas, timeMs)
	}
}

// Poller drains the poll-style sources of a Context into a Sink, passing
// on only readings newer than the last one seen per instance.
type Poller struct {
	ctx      *Context
	lastGPS  [MaxInstances]uint32
	lastBaro [MaxInstances]uint32
	lastMag  [MaxInstances]uint32
	lastTAS  [MaxInstances]uint32
}

// NewPoller binds a poller to ctx.
func NewPoller(ctx *Context) *Poller {
	return &Poller{ctx: ctx}
}

// Poll reads every usable instance once.
func (p *Poller) Poll(sink Sink) {
	c := p.ctx
	reg := c.Sensors
	if c.IMU != nil {
		reg.Each(KindIMU, func(inst Instance) {
			if !inst.Enabled {
				return
			}
			da, dat, okA := c.IMU.DeltaAngle(inst.ID)
			dv, dvt, okV := c.IMU.DeltaVelocity(inst.ID)
			reg.SetHealthy(KindIMU, inst.ID, okA && okV)
			if !okA || !okV {
				return
			}
			var now uint32
			if c.Clock != nil {
				now = c.Clock.Millis()
			}
			sink.WriteIMUDelta(inst.ID, IMUDelta{DelAng: da, DelAngDt: dat, DelVel: dv, DelVelDt: dvt, TimeMs: now})
		})
	}
	if c.GPS != nil {
		reg.Each(KindGPS, func(inst Instance) {
			fix, ok := c.GPS.Fix(inst.ID)
			if !inst.Enabled || !ok || fix.TimeMs == p.lastGPS[inst.ID] {
				return
			}
			p.lastGPS[inst.ID] = fix.TimeMs
			sink.WriteGPSFix(inst.ID, fix)
		})
	}
	if c.Baro != nil {
		reg.Each(KindBaro, func(inst Instance) {
			alt, ts, ok := c.Baro.Altitude(inst.ID)
			reg.SetHealthy(KindBaro, inst.ID, ok)
			if !inst.Enabled || !ok || ts == p.lastBaro[inst.ID] {
				return
			}
			p.lastBaro[inst.ID] = ts
			sink.WriteBaroAltitude(inst.ID, alt, ts)
		})
	}
	if c.Compass != nil {
		reg.Each(KindCompass, func(inst Instance) {
			field, ts, healthy := c.Compass.Field(inst.ID)
			reg.SetHealthy(KindCompass, inst.ID, healthy)
			if !inst.Enabled || !healthy || ts == p.lastMag[inst.ID] {
				return
			}
			p.lastMag[inst.ID] = ts
			if cal, ok := c.Compass.Calibration(inst.ID); ok {
				field = cal.Apply(field)
			}
			sink.WriteMagField(inst.ID, field, ts)
		})
	}
	if c.Airspeed != nil {
		reg.Each(KindAirspeed, func(inst Instance) {
			eas, ratio, ts, ok := c.Airspeed.Airspeed(inst.ID)
			reg.SetHealthy(KindAirspeed, inst.ID, ok)
			if !inst.Enabled || !ok || ts == p.lastTAS[inst.ID] {
				return
			}
			p.lastTAS[inst.ID] = ts
			sink.WriteAirspeedEAS(inst.ID, eas, ratio, ts)
		})
	}
}
