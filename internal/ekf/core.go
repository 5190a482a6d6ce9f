package ekf

import (
	"fmt"
	"math"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf/gsf"
	"github.com/banshee-data/navekf/internal/geo"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/ringbuf"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	maxIMUDt        = 0.1 // s, longest accepted IMU interval
	alignMinDt      = 0.1 // s of averaged IMU data before bootstrap
	initTiltSigma   = 2 * math.Pi / 180
	initYawSigmaMag = 10 * math.Pi / 180
	initYawSigma    = 0.5
	initGyroBiasDps = 2.5
)

// laneSensors are the sensor instances one lane consumes.
type laneSensors struct {
	gps, baro, mag, tas dal.SensorID
}

// BiasSnapshot carries learned IMU biases between lanes. It is copied by
// value, never shared.
type BiasSnapshot struct {
	GyroBias  r3.Vec // rad/s
	AccelBias r3.Vec // m/s²
	Valid     bool
}

// alignment accumulates IMU data before the filter is bootstrapped.
type alignment struct {
	delVel r3.Vec
	delAng r3.Vec
	dt     float64
}

// imuDownsampler combines full-rate IMU samples into filter steps.
type imuDownsampler struct {
	acc      IMUSample
	quat     navmath.Quat // rotation since the start of accumulation
	frames   int
	dtIMUAvg float64
	dtEkfAvg float64
}

// covWindow accumulates IMU data between covariance predictions.
type covWindow struct {
	dt     float64
	delAng r3.Vec
	delVel r3.Vec
	quat   navmath.Quat
	start  StateVector
}

// Core is one filter lane, bound to one IMU.
type Core struct {
	ctx     *dal.Context
	params  *Params
	profile VehicleProfile
	imuID   dal.SensorID
	index   int
	logf    func(format string, v ...interface{})
	limiter *monitoring.Limiter
	sensors laneSensors

	state  StateVector
	cov    *Covariance
	active [NumStates]bool
	limits [NumStates]varianceLimit

	imuBuf       *ringbuf.IMUBuffer[IMUSample]
	outputBuf    *ringbuf.IMUBuffer[OutputElement]
	gpsBuf       *ringbuf.ObsBuffer[GPSSample]
	baroBuf      *ringbuf.ObsBuffer[BaroSample]
	magBuf       *ringbuf.ObsBuffer[MagSample]
	tasBuf       *ringbuf.ObsBuffer[TASSample]
	rngBuf       *ringbuf.ObsBuffer[RangeSample]
	flowBuf      *ringbuf.ObsBuffer[FlowSample]
	bcnBuf       *ringbuf.ObsBuffer[BeaconSample]
	extNavBuf    *ringbuf.ObsBuffer[ExtNavSample]
	extNavVelBuf *ringbuf.ObsBuffer[ExtNavVelSample]
	odomBuf      *ringbuf.ObsBuffer[BodyOdomSample]
	sched        *Scheduler

	statesInitialised bool
	align             alignment
	down              imuDownsampler
	covWin            covWindow
	imuNew            IMUSample
	imuDelayed        IMUSample
	nowMs             uint32
	lastIMUMs         uint32
	haveIMU           bool
	bias              BiasSnapshot

	out outputPredictor

	// navigation-frame acceleration magnitudes, filtered
	velDotNED     r3.Vec
	accNavMag     float64
	accNavMagHorz float64
	hgtRate       float64

	aidMode          AidMode
	posSource        absSource
	startMs          uint32
	step             stepData
	tiltAligned      bool
	yawAligned       bool
	origin           geo.Location
	validOrigin      bool
	baroAltAtInit    float64
	haveBaroRef      bool
	rngHgtOffset     float64
	haveRngRef       bool
	lastKnownPosNE   [2]float64
	lastConstPosMs   uint32
	lastPosPassMs    uint32
	lastVelPassMs    uint32
	lastHgtPassMs    uint32
	lastTASPassMs    uint32
	lastPosResetMs   uint32
	lastAidedMs      uint32
	lastAbsAidedMs   uint32 // last fusion of an absolute source
	posTimeout       bool
	velTimeout       bool
	hgtTimeout       bool
	magTimeout       bool
	tasTimeout       bool
	deadReckoning    bool
	activeHgtSource  HgtSource
	gpsCheck         gpsCheckState
	gpsGoodToAlign   bool
	gpsGlitching     bool
	flight           flightDetector
	mag              magState
	wind             windState
	terrain          terrainEstimator
	bcn              beaconState
	extNav           extNavState
	flowValid        bool
	lastFlowFuseMs   uint32
	gsf              *gsf.Estimator
	gsfResetCount    int
	gsfFailStartMs   uint32
	yawResets        int
	lastYawReset     YawReset
	lastPosNEReset   PosNEReset
	lastPosDownReset PosDownReset
	lastVelNEReset   VelNEReset

	faults        FaultStatus
	badIMUUntilMs uint32
	badIMUCount   uint64
	nanCount      uint64
	prearm        string
	innov         Innovations
	ratios        TestRatios
}

// NewCore constructs a lane for one IMU. params is owned by the caller and
// may be changed between updates.
func NewCore(ctx *dal.Context, params *Params, imu dal.SensorID, coreIndex int) *Core {
	c := &Core{
		ctx:     ctx,
		params:  params,
		profile: ProfileFor(ctx.Vehicle),
		imuID:   imu,
		index:   coreIndex,
		logf:    monitoring.Prefixed(fmt.Sprintf("ekf3 core%d", coreIndex)),
		cov:     NewCovariance(),
		sched:   newScheduler(),
		gsf:     gsf.New(),
	}
	c.limiter = monitoring.NewLimiter(5000, c.logf)
	c.allocateBuffers()
	c.Reset()
	return c
}

func (c *Core) allocateBuffers() {
	n := c.params.imuBufferLength()
	c.imuBuf = ringbuf.NewIMUBuffer[IMUSample](n)
	c.outputBuf = ringbuf.NewIMUBuffer[OutputElement](n)
	c.gpsBuf = ringbuf.NewObsBuffer[GPSSample](n)
	c.baroBuf = ringbuf.NewObsBuffer[BaroSample](n)
	c.magBuf = ringbuf.NewObsBuffer[MagSample](n)
	c.tasBuf = ringbuf.NewObsBuffer[TASSample](n)
	c.rngBuf = ringbuf.NewObsBuffer[RangeSample](n)
	c.flowBuf = ringbuf.NewObsBuffer[FlowSample](n)
	c.bcnBuf = ringbuf.NewObsBuffer[BeaconSample](2 * n)
	c.extNavBuf = ringbuf.NewObsBuffer[ExtNavSample](n)
	c.extNavVelBuf = ringbuf.NewObsBuffer[ExtNavVelSample](n)
	c.odomBuf = ringbuf.NewObsBuffer[BodyOdomSample](n)
}

// Index returns the lane number.
func (c *Core) Index() int { return c.index }

// IMU returns the IMU instance the lane integrates.
func (c *Core) IMU() dal.SensorID { return c.imuID }

// SetSensors selects the GPS, baro, compass and airspeed instances.
func (c *Core) SetSensors(gps, baro, mag, tas dal.SensorID) {
	c.sensors = laneSensors{gps: gps, baro: baro, mag: mag, tas: tas}
}

// SeedBias sets the biases used at the next bootstrap.
func (c *Core) SeedBias(b BiasSnapshot) {
	c.bias = b
}

// Reset returns the lane to its uninitialised state. Learned biases seeded
// through SeedBias survive.
func (c *Core) Reset() {
	if c.imuBuf.Capacity() != c.params.imuBufferLength() {
		c.allocateBuffers()
	}
	c.imuBuf.Reset()
	c.outputBuf.Reset()
	c.gpsBuf.Reset()
	c.baroBuf.Reset()
	c.magBuf.Reset()
	c.tasBuf.Reset()
	c.rngBuf.Reset()
	c.flowBuf.Reset()
	c.bcnBuf.Reset()
	c.extNavBuf.Reset()
	c.extNavVelBuf.Reset()
	c.odomBuf.Reset()
	c.sched.reset()

	c.state = StateVector{Quat: navmath.Identity()}
	c.cov.Zero()
	c.statesInitialised = false
	c.align = alignment{}
	c.down = imuDownsampler{quat: navmath.Identity(), dtIMUAvg: 0.0025, dtEkfAvg: targetDt}
	c.covWin = covWindow{quat: navmath.Identity()}
	c.out = outputPredictor{}
	c.velDotNED = r3.Vec{}
	c.accNavMag, c.accNavMagHorz, c.hgtRate = 0, 0, 0

	c.aidMode = AidNone
	c.posSource = srcNone
	c.step = stepData{}
	c.tiltAligned, c.yawAligned = false, false
	c.origin, c.validOrigin = geo.Location{}, false
	c.haveBaroRef, c.haveRngRef = false, false
	c.lastKnownPosNE = [2]float64{}
	c.posTimeout, c.velTimeout, c.hgtTimeout, c.magTimeout, c.tasTimeout = true, true, false, false, true
	c.deadReckoning = false
	c.activeHgtSource = c.params.HgtSource
	c.gpsCheck = gpsCheckState{}
	c.gpsGoodToAlign = false
	c.gpsGlitching = false
	c.flight = newFlightDetector()
	c.mag = magState{}
	c.wind = windState{}
	c.terrain = terrainEstimator{}
	c.bcn = newBeaconState()
	c.extNav = extNavState{}
	c.flowValid = false
	c.lastFlowFuseMs = 0
	c.gsf.Reset()
	c.gsfResetCount = 0
	c.gsfFailStartMs = 0
	c.faults &^= FaultBadCovariance
	c.innov = Innovations{}
	c.ratios = TestRatios{}
	c.setActiveStates()
}

// setActiveStates enables the states the current configuration can
// observe. Inactive rows and columns of P stay zero.
func (c *Core) setActiveStates() {
	for i := range c.active {
		c.active[i] = i < IdxEarthMag
	}
	if c.mag.use3D {
		for i := IdxEarthMag; i < IdxWind; i++ {
			c.active[i] = true
		}
	}
	if c.wind.active {
		c.active[IdxWind] = true
		c.active[IdxWind+1] = true
	}
	for i := range c.active {
		if !c.active[i] {
			c.cov.ZeroRowsCols(i, i+1)
		}
	}
}

// collectAlignment averages IMU data for the bootstrap attitude.
func (c *Core) collectAlignment(imu IMUSample) {
	c.align.delVel = r3.Add(c.align.delVel, imu.DelVel)
	c.align.delAng = r3.Add(c.align.delAng, imu.DelAng)
	c.align.dt += imu.DelVelDt
}

// InitialiseFilterBootstrap sets the initial attitude from the averaged
// specific force, and the yaw from the compass when one has reported. The
// origin stays unset. It returns false while there is not yet enough data
// or the tuning is unusable.
func (c *Core) InitialiseFilterBootstrap() bool {
	if msg := c.params.Validate(); msg != "" {
		c.prearm = msg
		return false
	}
	if c.align.dt < alignMinDt {
		c.prearm = "EKF3 waiting for IMU data"
		return false
	}
	f := r3.Scale(1/c.align.dt, c.align.delVel)
	if r3.Norm(f) < 0.5*navmath.Gravity {
		c.prearm = "EKF3 IMU not level enough to align"
		return false
	}
	roll := math.Atan2(-f.Y, -f.Z)
	pitch := math.Atan2(f.X, math.Hypot(f.Y, f.Z))
	q := navmath.FromEuler(roll, pitch, 0)

	magSample, haveMag := c.magBuf.Newest()
	yawSigma := initYawSigma
	if haveMag {
		q = q.WithYaw(c.magYaw(q, magSample.Field))
		c.yawAligned = true
		yawSigma = initYawSigmaMag
	}

	c.state = StateVector{Quat: q}
	if c.bias.Valid {
		c.state.GyroBias = r3.Scale(c.down.dtEkfAvg, c.bias.GyroBias)
		c.state.AccelBias = r3.Scale(c.down.dtEkfAvg, c.bias.AccelBias)
	}
	if haveMag {
		c.state.EarthMag = q.Rotate(magSample.Field)
	}
	c.CovarianceInit(r3.Vec{X: initTiltSigma, Y: initTiltSigma, Z: yawSigma})

	fill := IMUSample{
		Sample:   Sample{TimeMs: c.nowMs, Instance: c.imuID},
		DelVel:   r3.Scale(targetDt, f),
		DelAngDt: targetDt,
		DelVelDt: targetDt,
	}
	c.imuBuf.Fill(fill)
	c.imuDelayed = fill
	c.out.reset(c.state, c.nowMs)
	c.outputBuf.Fill(c.out.new)
	c.covWin = covWindow{quat: navmath.Identity(), start: c.state}
	c.down.acc = IMUSample{}
	c.down.quat = navmath.Identity()
	c.down.frames = 0

	c.startMs = c.nowMs
	c.lastPosPassMs, c.lastVelPassMs, c.lastHgtPassMs = c.nowMs, c.nowMs, c.nowMs
	c.lastAidedMs, c.lastAbsAidedMs, c.lastConstPosMs = c.nowMs, c.nowMs, c.nowMs
	c.statesInitialised = true
	c.faults &^= FaultNaN
	c.prearm = ""
	c.logf("initialised roll %.1f pitch %.1f yaw %.1f deg, yaw aligned %t",
		roll*180/math.Pi, pitch*180/math.Pi, c.state.Quat.Yaw()*180/math.Pi, c.yawAligned)
	return true
}

// magYaw returns the heading implied by a body-frame field at the tilt of q.
func (c *Core) magYaw(q navmath.Quat, field r3.Vec) float64 {
	tilt := q.WithYaw(0)
	h := tilt.Rotate(r3.Sub(field, c.state.BodyMag))
	return navmath.WrapPi(c.declination() - math.Atan2(h.Y, h.X))
}

// UpdateFilter integrates one full-rate IMU sample and runs the filter
// step when a downsampled interval is complete.
func (c *Core) UpdateFilter(imu IMUSample) {
	if !c.acceptIMU(imu) {
		return
	}
	c.imuNew = imu
	c.nowMs = imu.TimeMs
	c.lastIMUMs = imu.TimeMs
	c.haveIMU = true
	if c.faults&FaultBadIMU != 0 && c.nowMs >= c.badIMUUntilMs {
		c.faults &^= FaultBadIMU
	}

	if !c.statesInitialised {
		c.collectAlignment(imu)
		c.InitialiseFilterBootstrap()
		return
	}

	runUpdates := c.downsample(imu)
	if runUpdates {
		c.imuDelayed = c.imuBuf.Oldest()
		if c.covWin.dt == 0 {
			c.covWin.start = c.state
		}
		c.updateStrapdown()
		c.accumulateCovariance()
		c.updateGSF()
		c.controlFilterModes()
		c.predictCovariance(false)
		c.selectFusion()
		c.sched.checkTimeouts(c.horizonMs())
		if !c.checkNumerics() {
			return
		}
	}
	c.calcOutputStates(imu, runUpdates)
}

// acceptIMU rejects samples that would corrupt the integration.
func (c *Core) acceptIMU(imu IMUSample) bool {
	ok := navmath.VecFinite(imu.DelAng) && navmath.VecFinite(imu.DelVel) &&
		navmath.IsFinite(imu.DelAngDt, imu.DelVelDt) &&
		imu.DelAngDt > 0 && imu.DelAngDt <= maxIMUDt &&
		imu.DelVelDt > 0 && imu.DelVelDt <= maxIMUDt &&
		(!c.haveIMU || imu.TimeMs >= c.lastIMUMs)
	if ok {
		return true
	}
	c.badIMUCount++
	c.faults |= FaultBadIMU
	c.badIMUUntilMs = c.nowMs + badIMUHoldMs
	c.limiter.Logf(c.nowMs, "bad_imu", "rejected IMU sample at %dms (%d total)", imu.TimeMs, c.badIMUCount)
	return false
}

// checkNumerics resets the lane when NaN reaches the state or covariance.
// It returns false when a reset happened.
func (c *Core) checkNumerics() bool {
	if c.state.Finite() && c.cov.Finite() {
		return true
	}
	c.nanCount++
	c.logf("NaN in state or covariance, reinitialising (%d)", c.nanCount)
	c.Reset()
	c.faults |= FaultNaN
	return false
}

// horizonMs is the timestamp of the fusion horizon.
func (c *Core) horizonMs() uint32 { return c.imuDelayed.TimeMs }

// dtEkf is the averaged filter step.
func (c *Core) dtEkf() float64 { return c.down.dtEkfAvg }

// Initialised reports whether the filter has bootstrapped.
func (c *Core) Initialised() bool { return c.statesInitialised }

// State returns a copy of the state at the fusion horizon.
func (c *Core) State() StateVector { return c.state }

// Covariance returns a copy of P.
func (c *Core) Covariance() *Covariance { return c.cov.Clone() }

// ActiveStates returns the mask of states being estimated.
func (c *Core) ActiveStates() [NumStates]bool { return c.active }

// Scheduler exposes the stream bookkeeping.
func (c *Core) Scheduler() *Scheduler { return c.sched }

// AidMode returns the current aiding mode.
func (c *Core) AidMode() AidMode { return c.aidMode }

// LearnedBias returns the current biases in sensor units.
func (c *Core) LearnedBias() BiasSnapshot {
	if !c.statesInitialised {
		return c.bias
	}
	dt := c.dtEkf()
	return BiasSnapshot{
		GyroBias:  r3.Scale(1/dt, c.state.GyroBias),
		AccelBias: r3.Scale(1/dt, c.state.AccelBias),
		Valid:     true,
	}
}

// NaNCount returns how often the lane was reset for numerical failure.
func (c *Core) NaNCount() uint64 { return c.nanCount }

// BadIMUCount returns the number of rejected IMU samples.
func (c *Core) BadIMUCount() uint64 { return c.badIMUCount }
