package ekf

import "github.com/banshee-data/navekf/internal/dal"

// VehicleProfile captures the vehicle-class behaviour of the filter. One
// profile is chosen when a lane is constructed.
type VehicleProfile interface {
	Class() dal.VehicleClass
	// AssumeZeroSideslip enables synthetic sideslip fusion.
	AssumeZeroSideslip() bool
	// DragFusion reports whether body drag is fused for wind estimation.
	DragFusion(p *Params) bool
	// updateFlight advances the on-ground/in-flight detector.
	updateFlight(in flightInputs, fd *flightDetector)
}

// ProfileFor returns the profile for a vehicle class.
func ProfileFor(v dal.VehicleClass) VehicleProfile {
	switch v {
	case dal.VehicleFixedWing:
		return fixedWingProfile{}
	case dal.VehicleRover:
		return roverProfile{}
	default:
		return copterProfile{}
	}
}

type flightInputs struct {
	nowMs       uint32
	armed       bool
	gndSpd      float64 // m/s
	airspeed    float64 // m/s, valid when haveAirspeed
	haveAirspd  bool
	hgt         float64 // m above origin
	rng         float64 // range finder m, valid when haveRng
	haveRng     bool
	vertSpdDown float64
}

// flightDetector tracks on-ground/in-flight state with hysteresis.
type flightDetector struct {
	onGround          bool
	inFlight          bool
	takeoffDetected   bool
	prevInFlight      bool
	lastAirborneMs    uint32
	hgtAtLastOnGround float64
	rngAtLastOnGround float64
	takeoffExpected   bool
	touchdownExpected bool
}

func newFlightDetector() flightDetector {
	return flightDetector{onGround: true}
}

func (fd *flightDetector) setGround(in flightInputs) {
	fd.onGround = true
	fd.inFlight = false
	fd.hgtAtLastOnGround = in.hgt
	if in.haveRng {
		fd.rngAtLastOnGround = in.rng
	}
}

func (fd *flightDetector) setAirborne(in flightInputs) {
	fd.onGround = false
	fd.inFlight = true
	fd.takeoffDetected = true
	fd.lastAirborneMs = in.nowMs
}

type fixedWingProfile struct{}

func (fixedWingProfile) Class() dal.VehicleClass  { return dal.VehicleFixedWing }
func (fixedWingProfile) AssumeZeroSideslip() bool { return true }
func (fixedWingProfile) DragFusion(*Params) bool  { return false }

// Fixed wing: needs speed or a large height change to declare flight, and
// lingers 5 s in flight after the evidence goes away so taxi bumps do not
// toggle the state.
func (fixedWingProfile) updateFlight(in flightInputs, fd *flightDetector) {
	if !in.armed {
		fd.setGround(in)
		return
	}
	highGndSpd := in.gndSpd > 10
	highAirSpd := in.haveAirspd && in.airspeed > 8
	largeHgtChange := in.hgt-fd.hgtAtLastOnGround > 10 || fd.hgtAtLastOnGround-in.hgt > 10

	evidence := largeHgtChange || highAirSpd && in.gndSpd > 5 || !in.haveAirspd && highGndSpd
	if fd.onGround {
		if evidence {
			fd.setAirborne(in)
		} else {
			fd.hgtAtLastOnGround = in.hgt
		}
		return
	}
	if highAirSpd || highGndSpd || largeHgtChange {
		fd.lastAirborneMs = in.nowMs
		return
	}
	if in.nowMs-fd.lastAirborneMs > flightLingerMs {
		fd.setGround(in)
	}
}

type copterProfile struct{}

func (copterProfile) Class() dal.VehicleClass  { return dal.VehicleCopter }
func (copterProfile) AssumeZeroSideslip() bool { return false }
func (copterProfile) DragFusion(p *Params) bool {
	return p.DragBCoefX > 0 && p.DragBCoefY > 0 || p.DragMCoef > 0
}

// Copter: armed plus a climb above the take-off height or range.
func (copterProfile) updateFlight(in flightInputs, fd *flightDetector) {
	if !in.armed {
		fd.setGround(in)
		return
	}
	if !fd.onGround {
		fd.lastAirborneMs = in.nowMs
		return
	}
	climbed := in.hgt-fd.hgtAtLastOnGround > 1.5
	rngClimbed := in.haveRng && in.rng-fd.rngAtLastOnGround > 0.5
	if climbed || rngClimbed || in.vertSpdDown < -1 && fd.takeoffExpected {
		fd.setAirborne(in)
	}
}

type roverProfile struct{}

func (roverProfile) Class() dal.VehicleClass  { return dal.VehicleRover }
func (roverProfile) AssumeZeroSideslip() bool { return false }
func (roverProfile) DragFusion(*Params) bool  { return false }

// Rover: moving whenever armed.
func (roverProfile) updateFlight(in flightInputs, fd *flightDetector) {
	if !in.armed {
		fd.setGround(in)
		return
	}
	if fd.onGround {
		fd.setAirborne(in)
	}
	fd.lastAirborneMs = in.nowMs
}
