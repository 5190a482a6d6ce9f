package dal

import "fmt"

// VehicleClass selects the vehicle-specific behaviour of the filter.
type VehicleClass uint8

const (
	VehicleCopter VehicleClass = iota
	VehicleFixedWing
	VehicleRover
)

func (v VehicleClass) String() string {
	switch v {
	case VehicleCopter:
		return "copter"
	case VehicleFixedWing:
		return "fixedwing"
	case VehicleRover:
		return "rover"
	}
	return fmt.Sprintf("vehicle(%d)", v)
}

// ParseVehicleClass maps a config name to a VehicleClass.
func ParseVehicleClass(s string) (VehicleClass, error) {
	switch s {
	case "copter", "multirotor", "":
		return VehicleCopter, nil
	case "fixedwing", "plane":
		return VehicleFixedWing, nil
	case "rover", "boat":
		return VehicleRover, nil
	}
	return 0, fmt.Errorf("unknown vehicle class %q", s)
}

// Context is the explicitly constructed replacement for process-wide
// sensor and parameter state. One Context is shared by every filter lane
// of a vehicle.
type Context struct {
	Vehicle VehicleClass
	Sensors *Registry
	Params  ParamSource
	Clock   MillisClock

	IMU      IMUSource
	GPS      GPSSource
	Baro     BaroSource
	Compass  CompassSource
	Airspeed AirspeedSource
	Arming   ArmingSource
}

// NewContext returns a context with an empty registry.
func NewContext(vehicle VehicleClass, params ParamSource) *Context {
	return &Context{Vehicle: vehicle, Sensors: NewRegistry(), Params: params}
}

// Armed reports the arming state, false when no source is attached.
func (c *Context) Armed() bool {
	return c.Arming != nil && c.Arming.Armed()
}

// Param reads a parameter, falling back to def.
func (c *Context) Param(name string, def float64) float64 {
	if c.Params == nil {
		return def
	}
	if v, ok := c.Params.Param(name); ok {
		return v
	}
	return def
}
