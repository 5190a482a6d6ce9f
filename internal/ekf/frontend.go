package ekf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/geo"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// Lane selection.
const (
	laneErrLimit     = 1.0
	laneBetterThresh = 0.5
	laneSwitchMinMs  = 5000
	minErrThresh     = 0.05
)

// ErrNoIMU is returned when imu_mask selects no registered IMU.
var ErrNoIMU = errors.New("ekf: imu_mask selects no registered IMU")

// LaneSwitch records one change of primary lane.
type LaneSwitch struct {
	From, To int
	TimeMs   uint32
	Reason   string
	YawDelta float64
	PosDelta r3.Vec
}

// LaneSnapshot is the per-lane part of a Snapshot.
type LaneSnapshot struct {
	Index       int
	IMU         dal.SensorID
	Initialised bool
	Healthy     bool
	AidMode     AidMode
	ErrorScore  float64
	RelErr      float64
	NaNCount    uint64
}

// Snapshot is the published filter output, safe to read from other
// goroutines.
type Snapshot struct {
	TimeMs       uint32
	Primary      int
	Healthy      bool
	Status       FilterStatus
	Faults       FaultStatus
	Timeouts     TimeoutStatus
	AidMode      AidMode
	Quat         navmath.Quat
	Euler        r3.Vec // roll, pitch, yaw in rad
	Position     r3.Vec
	Velocity     r3.Vec
	Location     geo.Location
	HaveLocation bool
	GyroBias     r3.Vec
	AccelBias    r3.Vec
	Innovations  Innovations
	Ratios       TestRatios
	Variances    Variances
	Prearm       string
	LaneSwitches int
	Lanes        []LaneSnapshot
}

type paramChange struct {
	name  string
	value float64
}

// Frontend runs one filter lane per IMU and chooses the primary lane
// whose output is reported. All methods except Snapshot and
// RequestParameter must be called from the filter goroutine.
type Frontend struct {
	ctx     *dal.Context
	params  *Params
	cores   []*Core
	primary int
	relErr  []float64
	nanSeen []uint64
	nowMs   uint32
	logf    func(format string, v ...interface{})

	lastSwitchMs   uint32
	switchCount    int
	lastSwitch     LaneSwitch
	switchYawReset YawReset
	switchPosReset PosNEReset

	// OnLaneSwitch, when set, observes every primary change.
	OnLaneSwitch func(LaneSwitch)

	snap    atomic.Pointer[Snapshot]
	pendMu  sync.Mutex
	pending []paramChange
}

// NewFrontend builds a lane for every registered IMU selected by
// params.IMUMask.
func NewFrontend(ctx *dal.Context, params Params) (*Frontend, error) {
	f := &Frontend{
		ctx:    ctx,
		params: &params,
		logf:   monitoring.Prefixed("ekf3"),
	}
	n := ctx.Sensors.Count(dal.KindIMU)
	for i := 0; i < n && i < dal.MaxInstances; i++ {
		if params.IMUMask&(1<<uint(i)) == 0 {
			continue
		}
		c := NewCore(ctx, f.params, dal.SensorID(i), len(f.cores))
		f.cores = append(f.cores, c)
	}
	if len(f.cores) == 0 {
		return nil, ErrNoIMU
	}
	f.relErr = make([]float64, len(f.cores))
	f.nanSeen = make([]uint64, len(f.cores))
	f.assignSensors()
	if params.Primary >= 0 && params.Primary < len(f.cores) {
		f.primary = params.Primary
	}
	f.logf("%d lanes, primary %d", len(f.cores), f.primary)
	f.publish()
	return f, nil
}

// assignSensors applies the affinity mask: with a bit set, lane k uses
// instance k of that sensor kind when it exists.
func (f *Frontend) assignSensors() {
	reg := f.ctx.Sensors
	pick := func(k dal.Kind, bit, lane int) dal.SensorID {
		prefer := dal.SensorID(0)
		if f.params.Affinity&bit != 0 && lane < reg.Count(k) {
			prefer = dal.SensorID(lane)
		}
		if id, ok := reg.FirstUsable(k, prefer); ok {
			return id
		}
		return prefer
	}
	for i, c := range f.cores {
		c.SetSensors(
			pick(dal.KindGPS, AffinityGPS, i),
			pick(dal.KindBaro, AffinityBaro, i),
			pick(dal.KindCompass, AffinityCompass, i),
			pick(dal.KindAirspeed, AffinityAirspeed, i),
		)
	}
}

// NumCores returns the number of lanes.
func (f *Frontend) NumCores() int { return len(f.cores) }

// Core returns lane i.
func (f *Frontend) Core(i int) *Core { return f.cores[i] }

// PrimaryCore returns the index of the primary lane.
func (f *Frontend) PrimaryCore() int { return f.primary }

func (f *Frontend) primaryCore() *Core { return f.cores[f.primary] }

// WriteIMU runs every lane bound to the IMU instance. Lane selection and
// the published snapshot are updated after the primary lane's IMU.
func (f *Frontend) WriteIMU(id dal.SensorID, s IMUSample) {
	f.applyPending()
	s.Instance = id
	f.nowMs = s.TimeMs
	ran := false
	for i, c := range f.cores {
		if c.IMU() != id {
			continue
		}
		c.UpdateFilter(s)
		ran = true
		if n := c.NaNCount(); n != f.nanSeen[i] {
			f.nanSeen[i] = n
			f.laneReset(i)
		}
	}
	if ran && f.primaryCore().IMU() == id {
		f.selectPrimary()
		f.publish()
	}
}

// laneReset handles a lane that reinitialised after a numerical failure.
// It hands the primary role away and seeds the lane with the biases of a
// healthy lane.
func (f *Frontend) laneReset(i int) {
	if i == f.primary {
		if best := f.bestHealthy(i); best >= 0 {
			f.switchTo(best, "lane numerical reset")
		}
	}
	if src := f.bestHealthy(i); src >= 0 {
		f.cores[i].SeedBias(f.cores[src].LearnedBias())
		f.logf("lane %d reseeded with lane %d biases", i, src)
	}
}

// bestHealthy returns the healthy lane other than skip with the lowest
// error score, or -1.
func (f *Frontend) bestHealthy(skip int) int {
	best := -1
	for i, c := range f.cores {
		if i == skip || !c.Healthy() {
			continue
		}
		if best < 0 || c.ErrorScore() < f.cores[best].ErrorScore() {
			best = i
		}
	}
	return best
}

// selectPrimary accumulates each lane's error relative to the primary and
// switches to a lane that has been consistently better. An unhealthy
// primary is replaced at once.
func (f *Frontend) selectPrimary() {
	if len(f.cores) < 2 {
		return
	}
	prim := f.primaryCore()
	if !prim.Healthy() {
		if best := f.bestHealthy(f.primary); best >= 0 {
			f.switchTo(best, "primary unhealthy")
		}
		return
	}
	thresh := f.params.ErrThresh
	if thresh < minErrThresh {
		thresh = minErrThresh
	}
	primScore := prim.ErrorScore()
	candidate := -1
	for i, c := range f.cores {
		if i == f.primary {
			f.relErr[i] = 0
			continue
		}
		if !c.Healthy() {
			continue
		}
		e := c.ErrorScore() - primScore
		if e > 0 || e < -thresh {
			f.relErr[i] = navmath.Constrain(f.relErr[i]+e, -laneErrLimit, laneErrLimit)
		}
		if f.relErr[i] < -laneBetterThresh && (candidate < 0 || f.relErr[i] < f.relErr[candidate]) {
			candidate = i
		}
	}
	if candidate >= 0 && f.nowMs-f.lastSwitchMs > laneSwitchMinMs {
		f.switchTo(candidate, "lower error score")
	}
}

// switchTo makes lane i primary and records the output step it causes.
func (f *Frontend) switchTo(i int, reason string) {
	from := f.primaryCore()
	to := f.cores[i]
	_, _, yawFrom := from.Euler()
	_, _, yawTo := to.Euler()
	ls := LaneSwitch{
		From:     f.primary,
		To:       i,
		TimeMs:   f.nowMs,
		Reason:   reason,
		YawDelta: navmath.WrapPi(yawTo - yawFrom),
		PosDelta: r3.Sub(to.Position(), from.Position()),
	}
	f.logf("primary lane %d -> %d: %s", ls.From, ls.To, reason)
	f.primary = i
	for k := range f.relErr {
		f.relErr[k] = 0
	}
	f.lastSwitchMs = f.nowMs
	f.switchCount++
	f.lastSwitch = ls
	f.switchYawReset = YawReset{Delta: ls.YawDelta, TimeMs: f.nowMs}
	f.switchPosReset = PosNEReset{Delta: [2]float64{ls.PosDelta.X, ls.PosDelta.Y}, TimeMs: f.nowMs}
	if f.OnLaneSwitch != nil {
		f.OnLaneSwitch(ls)
	}
}

// LastLaneSwitch returns the most recent lane switch and the number of
// switches so far.
func (f *Frontend) LastLaneSwitch() (LaneSwitch, int) { return f.lastSwitch, f.switchCount }

// route calls fn for every lane consuming instance id of a sensor kind.
func (f *Frontend) route(id dal.SensorID, sel func(laneSensors) dal.SensorID, fn func(*Core)) {
	for _, c := range f.cores {
		if sel(c.sensors) == id {
			fn(c)
		}
	}
}

// broadcast calls fn for every lane.
func (f *Frontend) broadcast(fn func(*Core)) {
	for _, c := range f.cores {
		fn(c)
	}
}

// WriteGPS passes a fix to the lanes using that receiver.
func (f *Frontend) WriteGPS(id dal.SensorID, s GPSSample) {
	s.Instance = id
	f.route(id, func(l laneSensors) dal.SensorID { return l.gps }, func(c *Core) { c.WriteGPS(s) })
}

// WriteBaro passes a barometric altitude to the lanes using that sensor.
func (f *Frontend) WriteBaro(id dal.SensorID, s BaroSample) {
	s.Instance = id
	f.route(id, func(l laneSensors) dal.SensorID { return l.baro }, func(c *Core) { c.WriteBaro(s) })
}

// WriteMag passes a calibrated field to the lanes using that compass.
func (f *Frontend) WriteMag(id dal.SensorID, s MagSample) {
	s.Instance = id
	f.route(id, func(l laneSensors) dal.SensorID { return l.mag }, func(c *Core) { c.WriteMag(s) })
}

// WriteAirspeed passes a true airspeed to the lanes using that sensor.
func (f *Frontend) WriteAirspeed(id dal.SensorID, s TASSample) {
	s.Instance = id
	f.route(id, func(l laneSensors) dal.SensorID { return l.tas }, func(c *Core) { c.WriteTAS(s) })
}

// WriteRangeFinder passes a range reading to every lane.
func (f *Frontend) WriteRangeFinder(s RangeSample) { f.broadcast(func(c *Core) { c.WriteRange(s) }) }

// WriteOptFlow passes an optical flow reading to every lane.
func (f *Frontend) WriteOptFlow(s FlowSample) { f.broadcast(func(c *Core) { c.WriteFlow(s) }) }

// WriteBeaconRange passes a beacon range to every lane.
func (f *Frontend) WriteBeaconRange(s BeaconSample) { f.broadcast(func(c *Core) { c.WriteBeacon(s) }) }

// WriteExtNav passes an external navigation pose to every lane.
func (f *Frontend) WriteExtNav(s ExtNavSample) { f.broadcast(func(c *Core) { c.WriteExtNav(s) }) }

// WriteExtNavVel passes an external navigation velocity to every lane.
func (f *Frontend) WriteExtNavVel(s ExtNavVelSample) {
	f.broadcast(func(c *Core) { c.WriteExtNavVel(s) })
}

// WriteBodyOdom passes a body odometry reading to every lane.
func (f *Frontend) WriteBodyOdom(s BodyOdomSample) { f.broadcast(func(c *Core) { c.WriteBodyOdom(s) }) }

// WriteIMUDelta implements dal.Sink.
func (f *Frontend) WriteIMUDelta(id dal.SensorID, d dal.IMUDelta) {
	f.WriteIMU(id, IMUSample{
		Sample:   Sample{TimeMs: d.TimeMs, Instance: id},
		DelAng:   d.DelAng,
		DelVel:   d.DelVel,
		DelAngDt: d.DelAngDt,
		DelVelDt: d.DelVelDt,
	})
}

// WriteGPSFix implements dal.Sink.
func (f *Frontend) WriteGPSFix(id dal.SensorID, fix dal.GPSFix) {
	f.WriteGPS(id, GPSSample{
		Sample:      Sample{TimeMs: fix.TimeMs, Instance: id},
		Loc:         geo.Location{Lat: fix.Lat, Lng: fix.Lng, Alt: fix.Alt},
		Vel:         fix.VelNED,
		HavePos:     true,
		HaveVel:     true,
		HaveVertVel: fix.HaveVertVel,
		HAcc:        fix.HAcc,
		VAcc:        fix.VAcc,
		SAcc:        fix.SAcc,
		NumSats:     fix.NumSats,
		HDOP:        fix.HDOP,
		FixType:     fix.FixType,
	})
}

// WriteBaroAltitude implements dal.Sink.
func (f *Frontend) WriteBaroAltitude(id dal.SensorID, altM float64, timeMs uint32) {
	f.WriteBaro(id, BaroSample{Sample: Sample{TimeMs: timeMs}, Alt: altM})
}

// WriteMagField implements dal.Sink. The field is expected calibrated;
// dal.Poller applies the stored calibration on the way in.
func (f *Frontend) WriteMagField(id dal.SensorID, field r3.Vec, timeMs uint32) {
	f.WriteMag(id, MagSample{Sample: Sample{TimeMs: timeMs}, Field: field})
}

// WriteAirspeedEAS implements dal.Sink.
func (f *Frontend) WriteAirspeedEAS(id dal.SensorID, eas, eas2tas float64, timeMs uint32) {
	f.WriteAirspeed(id, TASSample{Sample: Sample{TimeMs: timeMs}, TAS: eas * eas2tas})
}

var _ dal.Sink = (*Frontend)(nil)

// SetParameter changes one tuning value on the filter goroutine. A delay
// change resizes the buffers, so every lane is reset.
func (f *Frontend) SetParameter(name string, v float64) error {
	if !f.params.Set(name, v) {
		return fmt.Errorf("ekf: unknown parameter %q", name)
	}
	f.logf("param %s = %g", name, v)
	if strings.HasSuffix(name, "_delay_ms") {
		for i, c := range f.cores {
			c.SeedBias(c.LearnedBias())
			c.Reset()
			f.nanSeen[i] = c.NaNCount()
		}
	}
	if name == "affinity" {
		f.assignSensors()
	}
	return nil
}

// RequestParameter queues a parameter change from any goroutine. It is
// applied before the next IMU sample.
func (f *Frontend) RequestParameter(name string, v float64) error {
	scratch := DefaultParams()
	if !scratch.Set(name, v) {
		return fmt.Errorf("ekf: unknown parameter %q", name)
	}
	f.pendMu.Lock()
	f.pending = append(f.pending, paramChange{name: name, value: v})
	f.pendMu.Unlock()
	return nil
}

func (f *Frontend) applyPending() {
	f.pendMu.Lock()
	changes := f.pending
	f.pending = nil
	f.pendMu.Unlock()
	for _, ch := range changes {
		if err := f.SetParameter(ch.name, ch.value); err != nil {
			f.logf("%v", err)
		}
	}
}

// Params returns a copy of the current tuning.
func (f *Frontend) Params() Params { return *f.params }

// Location returns the current position as a location.
func (f *Frontend) Location() (geo.Location, bool) { return f.primaryCore().Location() }

// VelocityNED returns the current velocity.
func (f *Frontend) VelocityNED() r3.Vec { return f.primaryCore().Velocity() }

// PositionNED returns the current position relative to the origin.
func (f *Frontend) PositionNED() r3.Vec { return f.primaryCore().Position() }

// Quaternion returns the current attitude.
func (f *Frontend) Quaternion() navmath.Quat { return f.primaryCore().Quaternion() }

// Euler returns roll, pitch and yaw in radians.
func (f *Frontend) Euler() (roll, pitch, yaw float64) { return f.primaryCore().Euler() }

// GyroBias returns the primary lane's gyro bias in rad/s.
func (f *Frontend) GyroBias() r3.Vec { return f.primaryCore().GyroBias() }

// AccelBias returns the primary lane's accelerometer bias in m/s².
func (f *Frontend) AccelBias() r3.Vec { return f.primaryCore().AccelBias() }

// Healthy reports whether the primary lane is healthy.
func (f *Frontend) Healthy() bool { return f.primaryCore().Healthy() }

// FilterStatus returns the primary lane's solution status.
func (f *Frontend) FilterStatus() FilterStatus { return f.primaryCore().FilterStatus() }

// Innovations returns the primary lane's residuals.
func (f *Frontend) Innovations() Innovations { return f.primaryCore().Innovations() }

// Variances returns the primary lane's normalised innovations.
func (f *Frontend) Variances() Variances { return f.primaryCore().Variances() }

// Origin returns the primary lane's origin.
func (f *Frontend) Origin() (geo.Location, bool) { return f.primaryCore().Origin() }

// PrearmFailureReason explains why the filter is not ready, or "".
func (f *Frontend) PrearmFailureReason() string {
	c := f.primaryCore()
	if msg := c.PrearmFailureReason(); msg != "" {
		return msg
	}
	if c.Initialised() && !c.Healthy() {
		return fmt.Sprintf("EKF3 lane %d unhealthy", f.primary)
	}
	return ""
}

// LastYawReset returns the newest yaw step seen by consumers, from either
// the primary lane or a lane switch.
func (f *Frontend) LastYawReset() YawReset {
	r := f.primaryCore().LastYawReset()
	if f.switchYawReset.TimeMs > r.TimeMs {
		return f.switchYawReset
	}
	return r
}

// LastPosNEReset returns the newest horizontal position step, from
// either the primary lane or a lane switch.
func (f *Frontend) LastPosNEReset() PosNEReset {
	r := f.primaryCore().LastPosNEReset()
	if f.switchPosReset.TimeMs > r.TimeMs {
		return f.switchPosReset
	}
	return r
}

// Snapshot returns the latest published output. It is safe to call from
// any goroutine.
func (f *Frontend) Snapshot() Snapshot {
	if s := f.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (f *Frontend) publish() {
	c := f.primaryCore()
	roll, pitch, yaw := c.Euler()
	loc, haveLoc := c.Location()
	bias := c.LearnedBias()
	s := &Snapshot{
		TimeMs:       f.nowMs,
		Primary:      f.primary,
		Healthy:      c.Healthy(),
		Status:       c.FilterStatus(),
		Faults:       c.Faults(),
		Timeouts:     c.Timeouts(),
		AidMode:      c.AidMode(),
		Quat:         c.Quaternion(),
		Euler:        r3.Vec{X: roll, Y: pitch, Z: yaw},
		Position:     c.Position(),
		Velocity:     c.Velocity(),
		Location:     loc,
		HaveLocation: haveLoc,
		GyroBias:     bias.GyroBias,
		AccelBias:    bias.AccelBias,
		Innovations:  c.Innovations(),
		Ratios:       c.TestRatios(),
		Variances:    c.Variances(),
		Prearm:       f.PrearmFailureReason(),
		LaneSwitches: f.switchCount,
		Lanes:        make([]LaneSnapshot, len(f.cores)),
	}
	for i, l := range f.cores {
		s.Lanes[i] = LaneSnapshot{
			Index:       i,
			IMU:         l.IMU(),
			Initialised: l.Initialised(),
			Healthy:     l.Healthy(),
			AidMode:     l.AidMode(),
			ErrorScore:  l.ErrorScore(),
			RelErr:      f.relErr[i],
			NaNCount:    l.NaNCount(),
		}
	}
	f.snap.Store(s)
}
