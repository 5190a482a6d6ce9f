// Package dal is the data access layer between the navigation filter and
// the rest of the vehicle. It carries the sensor-instance registry and the
// narrow read interfaces the filter consumes, bundled in an explicitly
// constructed Context.
package dal

import "fmt"

// SensorID identifies one instance of a sensor kind.
type SensorID uint8

// Kind is a sensor category.
type Kind uint8

const (
	KindIMU Kind = iota
	KindGPS
	KindCompass
	KindBaro
	KindAirspeed
	KindRangeFinder
	KindFlow
	KindBeacon
	KindExtNav
	numKinds
)

// MaxInstances bounds the number of instances per kind.
const MaxInstances = 4

var kindNames = [...]string{"imu", "gps", "compass", "baro", "airspeed", "rangefinder", "flow", "beacon", "extnav"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// AllKinds lists every sensor kind in order.
func AllKinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sensor kind %q", s)
}

// Instance describes one physical sensor.
type Instance struct {
	Kind    Kind
	ID      SensorID
	Name    string
	Healthy bool
	Enabled bool
}

// Registry is the arena of sensor instances, indexed by kind and SensorID.
type Registry struct {
	instances [numKinds][]Instance
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a new healthy, enabled instance and returns its ID.
func (r *Registry) Add(k Kind, name string) (SensorID, error) {
	if k >= numKinds {
		return 0, fmt.Errorf("unknown sensor kind %d", k)
	}
	if len(r.instances[k]) >= MaxInstances {
		return 0, fmt.Errorf("too many %s instances (max %d)", k, MaxInstances)
	}
	id := SensorID(len(r.instances[k]))
	r.instances[k] = append(r.instances[k], Instance{Kind: k, ID: id, Name: name, Healthy: true, Enabled: true})
	return id, nil
}

// MustAdd is Add for static setups where a failure is a programming error.
func (r *Registry) MustAdd(k Kind, name string) SensorID {
	id, err := r.Add(k, name)
	if err != nil {
		panic(err)
	}
	return id
}

// Count returns the number of instances of kind k.
func (r *Registry) Count(k Kind) int {
	if k >= numKinds {
		return 0
	}
	return len(r.instances[k])
}

// Get returns a copy of the instance record.
func (r *Registry) Get(k Kind, id SensorID) (Instance, bool) {
	if k >= numKinds || int(id) >= len(r.instances[k]) {
		return Instance{}, false
	}
	return r.instances[k][id], true
}

// Usable reports whether the instance exists, is enabled and healthy.
func (r *Registry) Usable(k Kind, id SensorID) bool {
	inst, ok := r.Get(k, id)
	return ok && inst.Enabled && inst.Healthy
}

// SetHealthy updates the health flag of an instance.
func (r *Registry) SetHealthy(k Kind, id SensorID, healthy bool) {
	if k < numKinds && int(id) < len(r.instances[k]) {
		r.instances[k][id].Healthy = healthy
	}
}

// SetEnabled updates the enabled flag of an instance.
func (r *Registry) SetEnabled(k Kind, id SensorID, enabled bool) {
	if k < numKinds && int(id) < len(r.instances[k]) {
		r.instances[k][id].Enabled = enabled
	}
}

// Each calls fn for every instance of kind k in ID order.
func (r *Registry) Each(k Kind, fn func(Instance)) {
	if k >= numKinds {
		return
	}
	for _, inst := range r.instances[k] {
		fn(inst)
	}
}

// FirstUsable returns the lowest-numbered usable instance of kind k,
// preferring the given instance when it is usable.
func (r *Registry) FirstUsable(k Kind, prefer SensorID) (SensorID, bool) {
	if r.Usable(k, prefer) {
		return prefer, true
	}
	if k >= numKinds {
		return 0, false
	}
	for _, inst := range r.instances[k] {
		if inst.Enabled && inst.Healthy {
			return inst.ID, true
		}
	}
	return 0, false
}
