// Package compasscal fits a hard and soft iron magnetometer model to a
// cloud of raw readings. Samples are collected while the vehicle is
// rotated through all orientations, then a Levenberg-Marquardt sphere fit
// and an ellipsoid fit refine the offsets and the soft iron matrix.
//
// Fields are in milligauss throughout. Result converts the fit into the
// Gauss-based dal.CompassCal used by the filter.
package compasscal

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/timeutil"
)

// Status is the calibrator state.
type Status int

const (
	NotStarted Status = iota
	WaitingToStart
	RunningStepOne
	RunningStepTwo
	Success
	Failed
	BadOrientation
	BadRadius
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case WaitingToStart:
		return "waiting_to_start"
	case RunningStepOne:
		return "running_step_one"
	case RunningStepTwo:
		return "running_step_two"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case BadOrientation:
		return "bad_orientation"
	case BadRadius:
		return "bad_radius"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

const (
	// NumSamples is the size of the sample cloud fitted in each step.
	NumSamples = 300
	// MaxAttempts bounds the number of tries when retry is enabled.
	MaxAttempts = 3

	stepOneFits     = 10
	stepTwoSphere   = 15
	stepTwoFits     = 35
	minRadius       = 150
	maxRadius       = 950
	minDiag         = 0.2
	maxDiag         = 5.0
	maxOffDiag      = 1.0
	maxScaleFactor  = 1.5
	completionBands = 10
)

// ErrRunning is returned by Start while a calibration is in progress.
var ErrRunning = errors.New("compasscal: calibration already running")

// sampleTheta is the angular spacing that lets NumSamples points tile the
// sphere, used for the minimum-distance acceptance test.
var sampleTheta = func() float64 {
	faces := float64(2*NumSamples - 4)
	a := 4*math.Pi/(3*faces) + math.Pi/3
	return 0.5 * math.Acos(math.Cos(a)/(1-math.Cos(a)))
}()

type sample struct {
	field  r3.Vec
	att    navmath.Quat
	hasAtt bool
}

// CompletionMask marks which of the 100 equal-area sectors of the sphere
// contain a corrected sample.
type CompletionMask [2]uint64

func (m *CompletionMask) set(i int) { m[i/64] |= 1 << (i % 64) }

// Has reports whether sector i is covered.
func (m CompletionMask) Has(i int) bool { return m[i/64]&(1<<(i%64)) != 0 }

// Count returns the number of covered sectors.
func (m CompletionMask) Count() int { return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1]) }

// sector maps a direction onto one of completionBands² equal-area cells:
// bands of equal height in z, each split into equal longitude slices.
func sector(v r3.Vec) int {
	n := r3.Norm(v)
	if n == 0 {
		return 0
	}
	z := v.Z / n
	band := int((z + 1) / 2 * completionBands)
	band = min(max(band, 0), completionBands-1)
	lon := math.Atan2(v.Y, v.X) + math.Pi
	slice := int(lon / (2 * math.Pi) * completionBands)
	slice = min(max(slice, 0), completionBands-1)
	return band*completionBands + slice
}

// Report is a snapshot of calibrator progress.
type Report struct {
	Status         Status
	LastFailure    Status
	Attempt        int
	Completion     float64 // percent
	Mask           CompletionMask
	Params         Params
	Fitness        float64
	SamplesThinned int
	// Orientation is the suggested index into the 24 axis rotations when
	// Status or LastFailure is BadOrientation.
	Orientation int
	Autosave    bool
}

// Calibrator runs one calibration at a time. It is not safe for
// concurrent use.
type Calibrator struct {
	clock timeutil.Clock
	rng   *rand.Rand
	logf  func(format string, v ...interface{})

	// ExpectedField is the local field strength in milligauss. When
	// positive, a fitted radius more than 50% away from it fails with
	// BadRadius; otherwise the radius is rescaled to it.
	ExpectedField float64
	// OnSave receives the report of a successful autosaved calibration.
	OnSave func(Report)

	status      Status
	lastFailure Status
	retry       bool
	autosave    bool
	delay       time.Duration
	offsetMax   float64
	tolerance   float64
	startTime   time.Time
	attempt     int

	samples     []sample
	thinned     int
	fitStep     int
	params      Params
	fitness     float64
	initFitness float64
	sphereLam   float64
	ellipLam    float64
	mask        CompletionMask
	orientation int
}

// New returns an idle calibrator. The seed fixes the thinning shuffle so
// runs over the same samples are repeatable.
func New(clock timeutil.Clock, seed uint64) *Calibrator {
	return &Calibrator{
		clock:  clock,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logf:   monitoring.Prefixed("compasscal"),
		params: initialParams(),
	}
}

// Start begins a calibration. Sampling starts after delay on the first
// attempt. offsetMax bounds each fitted offset component and tolerance is
// the acceptable RMS residual, both in milligauss.
func (c *Calibrator) Start(retry, autosave bool, delay time.Duration, offsetMax, tolerance float64) error {
	if c.running() || c.status == WaitingToStart {
		return ErrRunning
	}
	if !(offsetMax > 0) || !(tolerance > 0) {
		return fmt.Errorf("compasscal: offset max %.0f and tolerance %.1f must be positive", offsetMax, tolerance)
	}
	c.retry, c.autosave, c.delay = retry, autosave, delay
	c.offsetMax, c.tolerance = offsetMax, tolerance
	c.attempt = 1
	c.lastFailure = NotStarted
	c.setStatus(WaitingToStart)
	return nil
}

// Cancel abandons any calibration in progress.
func (c *Calibrator) Cancel() {
	c.setStatus(NotStarted)
}

// Status returns the current state.
func (c *Calibrator) Status() Status { return c.status }

// NewSample offers a raw reading.
func (c *Calibrator) NewSample(field r3.Vec) bool {
	return c.addSample(sample{field: field})
}

// NewSampleWithAttitude offers a raw reading together with the vehicle
// attitude, which enables the mounting orientation check.
func (c *Calibrator) NewSampleWithAttitude(field r3.Vec, att navmath.Quat) bool {
	return c.addSample(sample{field: field, att: att, hasAtt: true})
}

func (c *Calibrator) addSample(s sample) bool {
	if c.status == WaitingToStart {
		c.setStatus(RunningStepOne)
	}
	if !c.running() || len(c.samples) >= NumSamples {
		return false
	}
	if !finiteVec(s.field) || !c.acceptSample(s.field, -1) {
		return false
	}
	c.samples = append(c.samples, s)
	return true
}

// Update advances the fit by one iteration once the sample cloud is
// full. Call it regularly while calibrating.
func (c *Calibrator) Update() {
	switch c.status {
	case WaitingToStart:
		c.setStatus(RunningStepOne)
	case RunningStepOne:
		if !c.fitting() {
			return
		}
		if c.fitStep >= stepOneFits {
			if c.fitness == c.initFitness || math.IsNaN(c.fitness) {
				c.logf("sphere fit diverged, fitness %.3g", c.fitness)
				c.setStatus(Failed)
			} else {
				c.setStatus(RunningStepTwo)
			}
			return
		}
		if c.fitStep == 0 {
			c.initialOffset()
			c.initFit()
		}
		c.runFit(sphereFit, &c.sphereLam)
		c.fitStep++
	case RunningStepTwo:
		if !c.fitting() {
			return
		}
		if c.fitStep >= stepTwoFits {
			c.finish()
			return
		}
		if c.fitStep == 0 {
			// the cloud was refilled after thinning
			c.initFit()
		}
		if c.fitStep < stepTwoSphere {
			c.runFit(sphereFit, &c.sphereLam)
		} else {
			c.runFit(ellipsoidFit, &c.ellipLam)
		}
		c.fitStep++
	}
}

func (c *Calibrator) finish() {
	switch {
	case !c.fitAcceptable():
		c.logf("fit rejected: radius %.0f offsets %.0f,%.0f,%.0f fitness %.3g",
			c.params.Radius, c.params.Offset.X, c.params.Offset.Y, c.params.Offset.Z, c.fitness)
		c.setStatus(Failed)
	case !c.fixRadius():
		c.logf("bad radius %.0f expected %.0f", c.params.Radius, c.ExpectedField)
		c.setStatus(BadRadius)
	default:
		best, ok := checkOrientation(c.params, c.samples)
		c.orientation = best
		if !ok {
			c.logf("compass orientation looks wrong, best match rotation %d", best)
			c.setStatus(BadOrientation)
			return
		}
		c.setStatus(Success)
	}
}

// Report returns a snapshot of progress and the current fit.
func (c *Calibrator) Report() Report {
	return Report{
		Status:         c.status,
		LastFailure:    c.lastFailure,
		Attempt:        c.attempt,
		Completion:     c.completion(),
		Mask:           c.mask,
		Params:         c.params,
		Fitness:        c.fitness,
		SamplesThinned: c.thinned,
		Orientation:    c.orientation,
		Autosave:       c.autosave,
	}
}

// Result converts a successful fit into the filter's Gauss-based
// calibration. It reports false unless the calibration succeeded.
func (c *Calibrator) Result() (dal.CompassCal, bool) {
	if c.status != Success {
		return dal.CompassCal{}, false
	}
	return CalFromParams(c.params), true
}

// CalFromParams converts fitted milligauss parameters to a dal.CompassCal,
// folding the scale factor into the soft iron matrix.
func CalFromParams(p Params) dal.CompassCal {
	s := p.ScaleFactor
	if s == 0 {
		s = 1
	}
	return dal.CompassCal{
		Offset:  r3.Scale(1e-3, p.Offset),
		Diag:    r3.Scale(s, p.Diag),
		OffDiag: r3.Scale(s, p.OffDiag),
	}
}

func (c *Calibrator) running() bool {
	return c.status == RunningStepOne || c.status == RunningStepTwo
}

func (c *Calibrator) fitting() bool {
	return c.running() && len(c.samples) == NumSamples
}

func (c *Calibrator) completion() float64 {
	switch c.status {
	case RunningStepOne:
		return 33.3 * float64(len(c.samples)) / NumSamples
	case RunningStepTwo:
		if c.thinned >= NumSamples {
			return 33.3
		}
		return 33.3 + 65.7*float64(len(c.samples)-c.thinned)/float64(NumSamples-c.thinned)
	case Success:
		return 100
	}
	return 0
}

func (c *Calibrator) setStatus(s Status) {
	switch s {
	case NotStarted:
		c.resetFit()
		c.status = NotStarted
	case WaitingToStart:
		c.resetFit()
		c.startTime = c.clock.Now()
		c.status = WaitingToStart
	case RunningStepOne:
		if c.status != WaitingToStart {
			return
		}
		if c.attempt == 1 && c.clock.Now().Sub(c.startTime) < c.delay {
			return
		}
		c.samples = make([]sample, 0, NumSamples)
		c.initFit()
		c.status = RunningStepOne
		c.logf("attempt %d collecting samples", c.attempt)
	case RunningStepTwo:
		if c.status != RunningStepOne {
			return
		}
		c.thinSamples()
		c.initFit()
		c.status = RunningStepTwo
	case Success:
		c.status = Success
		c.logf("success: radius %.0f offsets %.1f,%.1f,%.1f fitness %.3g",
			c.params.Radius, c.params.Offset.X, c.params.Offset.Y, c.params.Offset.Z, c.fitness)
		if c.autosave && c.OnSave != nil {
			c.OnSave(c.Report())
		}
	case Failed, BadOrientation, BadRadius:
		c.lastFailure = s
		if c.retry && c.attempt < MaxAttempts {
			c.attempt++
			c.logf("%s, retrying (attempt %d of %d)", s, c.attempt, MaxAttempts)
			c.setStatus(WaitingToStart)
			return
		}
		c.status = s
	}
}

func (c *Calibrator) resetFit() {
	c.samples = nil
	c.thinned = 0
	c.fitStep = 0
	c.params = initialParams()
	c.fitness = 1e30
	c.initFitness = c.fitness
	c.mask = CompletionMask{}
	c.orientation = 0
}

func (c *Calibrator) initFit() {
	if len(c.samples) > 0 {
		c.fitness = meanSquaredResiduals(c.params, c.samples)
	} else {
		c.fitness = 1e30
	}
	c.initFitness = c.fitness
	c.sphereLam, c.ellipLam = 1, 1
	c.fitStep = 0
}

// initialOffset centres the cloud before the first sphere fit.
func (c *Calibrator) initialOffset() {
	var sum r3.Vec
	for _, s := range c.samples {
		sum = r3.Add(sum, s.field)
	}
	c.params.Offset = r3.Scale(-1/float64(len(c.samples)), sum)
}

func (c *Calibrator) runFit(lp lmProblem, lambda *float64) {
	p, fit, lam := lp.step(c.params, c.fitness, *lambda, c.samples)
	*lambda = lam
	if fit < c.fitness {
		c.params, c.fitness = p, fit
		c.updateMask()
	}
}

func (c *Calibrator) updateMask() {
	c.mask = CompletionMask{}
	for _, s := range c.samples {
		c.mask.set(sector(c.params.correct(s.field)))
	}
}

// acceptSample rejects readings closer than the tiling spacing to any
// collected sample other than skip.
func (c *Calibrator) acceptSample(field r3.Vec, skip int) bool {
	minDist := c.params.Radius * 2 * math.Sin(sampleTheta/2)
	for i, s := range c.samples {
		if i == skip {
			continue
		}
		if r3.Norm(r3.Sub(field, s.field)) < minDist {
			return false
		}
	}
	return true
}

// thinSamples shuffles the cloud and drops samples that crowd a neighbour
// at the fitted radius, making room for fresh ones in step two.
func (c *Calibrator) thinSamples() {
	c.thinned = 0
	c.rng.Shuffle(len(c.samples), func(i, j int) {
		c.samples[i], c.samples[j] = c.samples[j], c.samples[i]
	})
	for i := 0; i < len(c.samples); {
		if c.acceptSample(c.samples[i].field, i) {
			i++
			continue
		}
		last := len(c.samples) - 1
		c.samples[i] = c.samples[last]
		c.samples = c.samples[:last]
		c.thinned++
	}
}

func (c *Calibrator) fitAcceptable() bool {
	p := c.params
	if math.IsNaN(c.fitness) || p.Radius <= minRadius || p.Radius >= maxRadius {
		return false
	}
	for _, o := range []float64{p.Offset.X, p.Offset.Y, p.Offset.Z} {
		if math.Abs(o) >= c.offsetMax {
			return false
		}
	}
	for _, d := range []float64{p.Diag.X, p.Diag.Y, p.Diag.Z} {
		if d <= minDiag || d >= maxDiag {
			return false
		}
	}
	for _, o := range []float64{p.OffDiag.X, p.OffDiag.Y, p.OffDiag.Z} {
		if math.Abs(o) >= maxOffDiag {
			return false
		}
	}
	return c.fitness <= c.tolerance*c.tolerance
}

func (c *Calibrator) fixRadius() bool {
	if c.ExpectedField <= 0 {
		c.params.ScaleFactor = 1
		return true
	}
	correction := c.ExpectedField / c.params.Radius
	if correction > maxScaleFactor || correction < 1/maxScaleFactor {
		return false
	}
	c.params.ScaleFactor = correction
	return true
}

func finiteVec(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}
