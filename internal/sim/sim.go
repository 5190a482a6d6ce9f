package sim

import (
	"math"
	"math/rand/v2"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/geo"
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// Window is a half-open interval [StartMs, EndMs) in which a sensor kind
// produces no data.
type Window struct {
	Kind    dal.Kind
	StartMs uint32
	EndMs   uint32
}

// Config describes the simulated vehicle and its sensors. Zero rates
// disable a sensor.
type Config struct {
	Trajectory Trajectory
	Origin     geo.Location

	IMURateHz  int
	GPSRateHz  int
	BaroRateHz int
	MagRateHz  int
	TASRateHz  int

	GPSDelayMs  uint32
	BaroDelayMs uint32
	MagDelayMs  uint32

	GyroBias    r3.Vec // rad/s
	AccelBias   r3.Vec // m/s²
	GyroNoise   float64
	AccelNoise  float64
	GPSPosNoise float64 // m
	GPSVelNoise float64 // m/s
	BaroNoise   float64 // m
	MagNoise    float64 // Gauss

	// EarthField is the NED magnetic field in Gauss.
	EarthField r3.Vec
	Wind       r3.Vec

	Dropouts []Window
	// NaNAtMs, when non-zero, corrupts the IMU sample at that time.
	NaNAtMs uint32

	Seed uint64
}

// DefaultConfig is a stationary vehicle with perfect sensors.
func DefaultConfig() Config {
	return Config{
		Trajectory: Stationary{},
		Origin:     geo.Location{Lat: -35.3632621, Lng: 149.1652374, Alt: 584},
		IMURateHz:  1000,
		GPSRateHz:  5,
		BaroRateHz: 50,
		MagRateHz:  50,
		GPSDelayMs: 220,
		EarthField: r3.Vec{X: 0.23, Z: -0.52},
	}
}

// Instances are the sensor ids the generator writes with.
type Instances struct {
	IMU, GPS, Baro, Mag, TAS dal.SensorID
}

// Generator produces sensor data at 1 ms resolution.
type Generator struct {
	cfg   Config
	ids   Instances
	rng   *rand.Rand
	nowMs uint32
}

// New returns a generator starting at time 0.
func New(cfg Config, ids Instances) *Generator {
	return &Generator{
		cfg: cfg,
		ids: ids,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// NowMs returns the time of the last generated step.
func (g *Generator) NowMs() uint32 { return g.nowMs }

// Truth returns the true state at ms.
func (g *Generator) Truth(ms uint32) Truth {
	return g.cfg.Trajectory.At(1e-3 * float64(ms))
}

func (g *Generator) noise(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return sigma * g.rng.NormFloat64()
}

func (g *Generator) noiseVec(sigma float64) r3.Vec {
	return r3.Vec{X: g.noise(sigma), Y: g.noise(sigma), Z: g.noise(sigma)}
}

func (g *Generator) droppedOut(k dal.Kind, ms uint32) bool {
	for _, w := range g.cfg.Dropouts {
		if w.Kind == k && ms >= w.StartMs && ms < w.EndMs {
			return true
		}
	}
	return false
}

func due(ms uint32, rateHz int) bool {
	if rateHz <= 0 {
		return false
	}
	period := uint32(1000 / rateHz)
	return period > 0 && ms%period == 0
}

// Step advances one millisecond and writes every sensor that is due.
func (g *Generator) Step(sink dal.Sink) {
	g.nowMs++
	t := g.nowMs
	if due(t, g.cfg.IMURateHz) {
		sink.WriteIMUDelta(g.ids.IMU, g.imu(t))
	}
	if due(t, g.cfg.GPSRateHz) && !g.droppedOut(dal.KindGPS, t) {
		sink.WriteGPSFix(g.ids.GPS, g.gps(t))
	}
	if due(t, g.cfg.BaroRateHz) && !g.droppedOut(dal.KindBaro, t) {
		tr := g.Truth(t - min(t, g.cfg.BaroDelayMs))
		sink.WriteBaroAltitude(g.ids.Baro, g.cfg.Origin.Alt-tr.Pos.Z+g.noise(g.cfg.BaroNoise), t)
	}
	if due(t, g.cfg.MagRateHz) && !g.droppedOut(dal.KindCompass, t) {
		tr := g.Truth(t - min(t, g.cfg.MagDelayMs))
		field := r3.Add(tr.Att.RotateInverse(g.cfg.EarthField), g.noiseVec(g.cfg.MagNoise))
		sink.WriteMagField(g.ids.Mag, field, t)
	}
	if due(t, g.cfg.TASRateHz) && !g.droppedOut(dal.KindAirspeed, t) {
		tr := g.Truth(t)
		sink.WriteAirspeedEAS(g.ids.TAS, r3.Norm(r3.Sub(tr.Vel, g.cfg.Wind)), 1, t)
	}
}

// Run advances durationMs milliseconds.
func (g *Generator) Run(sink dal.Sink, durationMs uint32) {
	for i := uint32(0); i < durationMs; i++ {
		g.Step(sink)
	}
}

// imu integrates the truth over one IMU interval ending at ms.
func (g *Generator) imu(ms uint32) dal.IMUDelta {
	dtMs := uint32(1000 / g.cfg.IMURateHz)
	dt := 1e-3 * float64(dtMs)
	prev := g.Truth(ms - min(ms, dtMs))
	cur := g.Truth(ms)
	mid := g.cfg.Trajectory.At(1e-3*float64(ms) - 0.5*dt)

	delAng := prev.Att.Conj().Mul(cur.Att).ToAxisAngle()
	delAng = r3.Add(delAng, r3.Scale(dt, r3.Add(g.cfg.GyroBias, g.noiseVec(g.cfg.GyroNoise))))

	specific := r3.Sub(mid.Acc, r3.Vec{Z: navmath.Gravity})
	delVel := r3.Scale(dt, mid.Att.RotateInverse(specific))
	delVel = r3.Add(delVel, r3.Scale(dt, r3.Add(g.cfg.AccelBias, g.noiseVec(g.cfg.AccelNoise))))

	if g.cfg.NaNAtMs != 0 && ms == g.cfg.NaNAtMs {
		delVel.X = math.NaN()
	}
	return dal.IMUDelta{DelAng: delAng, DelAngDt: dt, DelVel: delVel, DelVelDt: dt, TimeMs: ms}
}

// gps reports the truth from GPSDelayMs ago, stamped now.
func (g *Generator) gps(ms uint32) dal.GPSFix {
	tr := g.Truth(ms - min(ms, g.cfg.GPSDelayMs))
	pos := r3.Add(tr.Pos, g.noiseVec(g.cfg.GPSPosNoise))
	loc := geo.FromNED(g.cfg.Origin, pos)
	acc := math.Max(g.cfg.GPSPosNoise, 0.3)
	return dal.GPSFix{
		Lat:         loc.Lat,
		Lng:         loc.Lng,
		Alt:         loc.Alt,
		VelNED:      r3.Add(tr.Vel, g.noiseVec(g.cfg.GPSVelNoise)),
		HaveVertVel: true,
		HAcc:        acc,
		VAcc:        1.5 * acc,
		SAcc:        math.Max(g.cfg.GPSVelNoise, 0.2),
		NumSats:     14,
		HDOP:        0.8,
		TimeMs:      ms,
		FixType:     dal.Fix3DDGPS,
	}
}
