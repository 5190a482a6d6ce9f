package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/geo"
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	healthySettleMs   = 1000
	groundHgtInnovMax = 1.0 // m
	usingGPSRecentMs  = 4000
)

// Innovations are the latest measurement residuals and their variances.
type Innovations struct {
	VelNED    r3.Vec
	VelVar    r3.Vec
	PosNE     [2]float64
	PosVar    [2]float64
	Hgt       float64
	Mag       r3.Vec
	Yaw       float64
	TAS       float64
	Beta      float64
	Drag      [2]float64
	Flow      [2]float64
	Range     float64
	Beacon    float64
	ExtNavPos [2]float64
	ExtNavVel r3.Vec
	BodyVel   r3.Vec
}

// TestRatios are the latest gate ratios, innovation² / (gate² · S).
// Values above one were rejected.
type TestRatios struct {
	Vel    float64
	Pos    float64
	Hgt    float64
	Mag    float64
	Yaw    float64
	TAS    float64
	Beta   float64
	Drag   float64
	Flow   float64
	Range  float64
	Beacon float64
	ExtNav float64
	Odom   float64
}

// Variances are normalised innovation magnitudes, the square roots of the
// test ratios.
type Variances struct {
	Vel float64
	Pos float64
	Hgt float64
	Mag float64
	TAS float64
}

// Healthy reports whether the lane output can be used.
func (c *Core) Healthy() bool {
	if !c.statesInitialised || c.faults&FaultNaN != 0 {
		return false
	}
	if c.haveIMU && c.nowMs < c.badIMUUntilMs {
		return false
	}
	if c.nowMs-c.startMs < healthySettleMs {
		return false
	}
	r := c.ratios
	if r.Vel > 1 && r.Pos > 1 && r.Hgt > 1 {
		return false
	}
	if c.flight.onGround && !c.ctx.Armed() && math.Abs(c.innov.Hgt) > groundHgtInnovMax {
		return false
	}
	return true
}

// ErrorScore summarises innovation consistency for lane selection. Lower
// is better.
func (c *Core) ErrorScore() float64 {
	r := c.ratios
	score := math.Max(0.5*(r.Vel+r.Pos), r.Hgt)
	if c.mag.haveSample {
		score = math.Max(score, r.Mag)
	}
	if c.wind.active && c.flight.inFlight {
		score = math.Max(score, r.TAS)
	}
	return score
}

// FilterStatus reports which parts of the solution are usable.
func (c *Core) FilterStatus() FilterStatus {
	if !c.statesInitialised {
		return 0
	}
	healthy := c.Healthy()
	var s FilterStatus
	set := func(cond bool, flag FilterStatus) {
		if cond {
			s |= flag
		}
	}
	aiding := c.aidMode != AidNone
	set(true, StatusInitialized)
	set(c.tiltAligned && c.faults&FaultBadQuaternion == 0 && healthy, StatusAttitude)
	set(aiding && !c.deadReckoning && healthy, StatusHorizVel)
	set(!c.hgtTimeout && healthy, StatusVertVel)
	set(aiding && !c.deadReckoning && healthy, StatusHorizPosRel)
	set(c.aidMode == AidAbsolute && !c.posTimeout && healthy, StatusHorizPosAbs)
	set(!c.hgtTimeout && healthy, StatusVertPos)
	set(c.terrainValid() && healthy, StatusTerrainAlt)
	set(c.aidMode == AidNone && healthy, StatusConstPosMode)
	gpsPossible := c.validOrigin && c.gpsGoodToAlign
	set((gpsPossible || c.readyToUseFlow() || c.readyToUseOdom()) && healthy, StatusPredHorizPosRel)
	set(gpsPossible && healthy, StatusPredHorizPosAbs)
	set(c.flight.takeoffDetected, StatusTakeoffDetected)
	set(c.usingGPS() && c.sched.sinceFused(StreamGPS, c.horizonMs()) < usingGPSRecentMs, StatusUsingGPS)
	set(c.gpsGlitching, StatusGPSGlitching)
	set(c.deadReckoning, StatusDeadReckoning)
	set(c.gpsGoodToAlign, StatusGPSQualityGood)
	set(c.faults&FaultBadAirspeed != 0, StatusRejectingAirspeed)
	return s
}

// Faults returns the fault bitmask.
func (c *Core) Faults() FaultStatus { return c.faults }

// Timeouts returns the sensor timeout bitmask.
func (c *Core) Timeouts() TimeoutStatus {
	var t TimeoutStatus
	if c.posTimeout {
		t |= TimeoutPos
	}
	if c.velTimeout {
		t |= TimeoutVel
	}
	if c.hgtTimeout {
		t |= TimeoutHgt
	}
	if c.magTimeout {
		t |= TimeoutMag
	}
	if c.tasTimeout {
		t |= TimeoutTAS
	}
	return t
}

// Innovations returns the latest residuals.
func (c *Core) Innovations() Innovations { return c.innov }

// TestRatios returns the latest gate ratios.
func (c *Core) TestRatios() TestRatios { return c.ratios }

// Variances returns the normalised innovation magnitudes.
func (c *Core) Variances() Variances {
	r := c.ratios
	return Variances{
		Vel: math.Sqrt(r.Vel),
		Pos: math.Sqrt(r.Pos),
		Hgt: math.Sqrt(r.Hgt),
		Mag: math.Sqrt(r.Mag),
		TAS: math.Sqrt(r.TAS),
	}
}

// Position returns the current-time NED position relative to the origin.
func (c *Core) Position() r3.Vec { return c.out.new.Pos }

// Velocity returns the current-time NED velocity.
func (c *Core) Velocity() r3.Vec { return c.out.new.Vel }

// Quaternion returns the current-time attitude.
func (c *Core) Quaternion() navmath.Quat { return c.out.new.Quat }

// Euler returns the current-time roll, pitch and yaw in radians.
func (c *Core) Euler() (roll, pitch, yaw float64) { return c.out.new.Quat.Euler() }

// Origin returns the local frame origin once one is set.
func (c *Core) Origin() (geo.Location, bool) { return c.origin, c.validOrigin }

// Location returns the current-time position as a location. ok is false
// without an origin.
func (c *Core) Location() (geo.Location, bool) {
	if !c.validOrigin {
		return geo.Location{}, false
	}
	return geo.FromNED(c.origin, c.out.new.Pos), true
}

// GyroBias returns the learned gyro bias in rad/s.
func (c *Core) GyroBias() r3.Vec { return c.LearnedBias().GyroBias }

// AccelBias returns the learned accelerometer bias in m/s².
func (c *Core) AccelBias() r3.Vec { return c.LearnedBias().AccelBias }

// InFlight reports the flight detector state.
func (c *Core) InFlight() bool { return c.flight.inFlight }

// Wind returns the NE wind estimate, valid while wind is estimated.
func (c *Core) Wind() ([2]float64, bool) { return c.state.Wind, c.wind.active }

// MagFieldState reports whether the three-axis field states are being
// estimated and whether the field has been learned.
func (c *Core) MagFieldState() (threeAxis, learned bool) { return c.mag.use3D, c.mag.fieldLearned }

// Terrain returns the height above ground, valid while the terrain
// estimate is usable.
func (c *Core) Terrain() (float64, bool) {
	return c.terrain.hagl(c.out.new.Pos.Z), c.terrainValid()
}

// LastPosNEReset returns the most recent horizontal position step.
func (c *Core) LastPosNEReset() PosNEReset { return c.lastPosNEReset }

// LastPosDownReset returns the most recent vertical position step.
func (c *Core) LastPosDownReset() PosDownReset { return c.lastPosDownReset }

// LastVelNEReset returns the most recent horizontal velocity step.
func (c *Core) LastVelNEReset() VelNEReset { return c.lastVelNEReset }
