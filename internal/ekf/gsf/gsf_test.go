package gsf

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// circle feeds a level constant-rate turn with GPS velocity at 5 Hz.
func circle(e *Estimator, yaw0 float64, seconds float64) {
	const (
		dt    = 0.01
		speed = 10.0
		rate  = 0.2
	)
	steps := int(seconds / dt)
	for i := 0; i < steps; i++ {
		yaw := yaw0 + rate*float64(i+1)*dt
		delAng := r3.Vec{Z: rate * dt}
		delVel := r3.Vec{Y: speed * rate * dt, Z: -navmath.Gravity * dt}
		e.Predict(delAng, delVel, dt, dt, speed, true)
		if i%20 == 19 {
			e.FuseVelocity([2]float64{speed * math.Cos(yaw), speed * math.Sin(yaw)}, 0.3)
		}
	}
}

func TestConvergesInTurn(t *testing.T) {
	t.Parallel()
	for _, yaw0 := range []float64{0.3, -2.0, 2.9} {
		yaw0 := yaw0
		t.Run("", func(t *testing.T) {
			t.Parallel()
			e := New()
			circle(e, yaw0, 60)
			yaw, v, ok := e.Yaw()
			require.True(t, ok, "variance %.3f", v)
			truth := yaw0 + 0.2*60
			assert.InDelta(t, 0, navmath.WrapPi(yaw-truth), 0.2)

			sum := 0.0
			for _, w := range e.Weights() {
				assert.GreaterOrEqual(t, w, 0.0)
				sum += w
			}
			assert.InDelta(t, 1, sum, 1e-9)
		})
	}
}

func TestNotValidBeforeVelocity(t *testing.T) {
	t.Parallel()
	e := New()
	for i := 0; i < 100; i++ {
		e.Predict(r3.Vec{}, r3.Vec{Z: -navmath.Gravity * 0.01}, 0.01, 0.01, 0, false)
	}
	_, _, ok := e.Yaw()
	assert.False(t, ok)

	e.Reset()
	e.FuseVelocity([2]float64{1, 0}, 0.5)
	_, _, ok = e.Yaw()
	assert.False(t, ok, "fusion before tilt alignment is ignored")
}

// surge feeds straight level flight along yaw0 that alternates between
// accelerating and braking at accel m/s² every five seconds, with GPS
// velocity at 5 Hz and no airspeed. check sees every velocity update.
func surge(e *Estimator, yaw0, accel, seconds float64, check func(t float64)) {
	const dt = 0.01
	speed := 10.0
	steps := int(seconds / dt)
	for i := 0; i < steps; i++ {
		t := float64(i+1) * dt
		a := accel
		if int(t/5)%2 == 1 {
			a = -accel
		}
		speed += a * dt
		e.Predict(r3.Vec{}, r3.Vec{X: a * dt, Z: -navmath.Gravity * dt}, dt, dt, 0, true)
		if i%20 == 19 {
			e.FuseVelocity([2]float64{speed * math.Cos(yaw0), speed * math.Sin(yaw0)}, 0.3)
			check(t)
		}
	}
}

func TestStraightLineAccelerationStaysConsistent(t *testing.T) {
	t.Parallel()
	for _, accel := range []float64{0.5, 2} {
		for _, yaw0 := range []float64{0.3, -2.0, 2.9} {
			accel, yaw0 := accel, yaw0
			t.Run("", func(t *testing.T) {
				t.Parallel()
				e := New()
				surge(e, yaw0, accel, 60, func(at float64) {
					yaw, v, ok := e.Yaw()
					if !ok {
						return
					}
					err := math.Abs(navmath.WrapPi(yaw - yaw0))
					if err > 15*math.Pi/180 {
						t.Fatalf("accel %.1f: valid yaw %.1f deg off at %.1fs with sigma %.1f deg, ratio %.2f",
							accel, err*180/math.Pi, at, math.Sqrt(v)*180/math.Pi, e.InnovationRatio())
					}
				})
			})
		}
	}
}

func TestTiltGainFallsWithUnmodelledAcceleration(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, tiltGain, tiltGainFor(0), 1e-12)
	assert.Less(t, tiltGainFor(1), tiltGainFor(0.5))
	assert.Zero(t, tiltGainFor(0.25*navmath.Gravity))
	assert.Zero(t, tiltGainFor(navmath.Gravity))
}

func TestInconsistentBankIsNotValid(t *testing.T) {
	t.Parallel()
	e := New()
	circle(e, 0.3, 60)
	_, _, ok := e.Yaw()
	require.True(t, ok)
	assert.Less(t, e.InnovationRatio(), maxInnovRatio)

	e.innovRatio = 2 * maxInnovRatio
	_, _, ok = e.Yaw()
	assert.False(t, ok)

	// consistent updates bring it back
	circle(e, 0.3+0.2*60, 20)
	_, _, ok = e.Yaw()
	assert.True(t, ok, "ratio %.2f", e.InnovationRatio())
}
