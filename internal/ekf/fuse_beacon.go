package ekf

import (
	"math"
	"sort"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	bcnMinForLS     = 4
	bcnAlignVar     = 1.0 // m², horizontal variance sum to declare alignment
	bcnVertOffVar   = 25.0
	bcnVertOffLimit = 50.0
)

// beaconRange is the latest range seen from one beacon.
type beaconRange struct {
	pos    r3.Vec
	rng    float64
	timeMs uint32
}

// beaconState holds the range beacon alignment. Before alignment a
// three-state filter estimates the receiver position in the beacon frame
// from ranges alone. Once converged the beacon frame is tied to the
// filter frame and ranges are fused by the main filter. A single-state
// filter tracks the vertical offset between the frames, which the
// typically coplanar beacon layout leaves poorly observed.
type beaconState struct {
	latest     map[int]beaconRange
	rx         r3.Vec
	rxCov      *mat.SymDense
	rxInit     bool
	aligned    bool
	offsetNE   [2]float64 // beacon frame origin in the filter frame
	vertOffset float64
	vertOffVar float64
	lastFuseMs uint32
	lastDataMs uint32
}

func newBeaconState() beaconState {
	return beaconState{latest: map[int]beaconRange{}, rxCov: mat.NewSymDense(3, nil), vertOffVar: bcnVertOffVar}
}

// noteBeacon records the newest range per beacon for the least-squares
// bootstrap.
func (b *beaconState) noteBeacon(s BeaconSample) {
	b.latest[s.BeaconID] = beaconRange{pos: s.BeaconPos, rng: s.Range, timeMs: s.TimeMs}
}

// solveBeaconLS solves for the receiver position from the latest range to
// each beacon by differencing the range equations against the first
// beacon, which leaves a linear least-squares problem. Coplanar beacons
// leave the vertical unobserved; the horizontal solution is then used
// with the receiver assumed below the beacon plane.
func solveBeaconLS(ranges []beaconRange) (r3.Vec, bool) {
	if len(ranges) < bcnMinForLS {
		return r3.Vec{}, false
	}
	b0 := ranges[0]
	minZ, maxZ := b0.pos.Z, b0.pos.Z
	for _, br := range ranges[1:] {
		minZ = math.Min(minZ, br.pos.Z)
		maxZ = math.Max(maxZ, br.pos.Z)
	}
	cols := 3
	if maxZ-minZ < 0.5 {
		cols = 2
	}
	n := len(ranges) - 1
	A := mat.NewDense(n, cols, nil)
	y := mat.NewVecDense(n, nil)
	n0 := r3.Dot(b0.pos, b0.pos)
	for i, br := range ranges[1:] {
		d := r3.Sub(br.pos, b0.pos)
		row := []float64{2 * d.X, 2 * d.Y, 2 * d.Z}
		A.SetRow(i, row[:cols])
		y.SetVec(i, r3.Dot(br.pos, br.pos)-n0-br.rng*br.rng+b0.rng*b0.rng)
	}
	var x mat.VecDense
	if err := x.SolveVec(A, y); err != nil {
		return r3.Vec{}, false
	}
	out := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1)}
	if cols == 3 {
		out.Z = x.AtVec(2)
	} else {
		horiz2 := navmath.Sq(out.X-b0.pos.X) + navmath.Sq(out.Y-b0.pos.Y)
		out.Z = b0.pos.Z + math.Sqrt(math.Max(b0.rng*b0.rng-horiz2, 0))
	}
	if !navmath.VecFinite(out) {
		return r3.Vec{}, false
	}
	return out, true
}

// sortedRanges returns the latest ranges in beacon id order so the solve
// is deterministic.
func (b *beaconState) sortedRanges() []beaconRange {
	ids := make([]int, 0, len(b.latest))
	for id := range b.latest {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]beaconRange, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.latest[id])
	}
	return out
}

// fuseStatic runs one update of the receiver-position filter.
func (b *beaconState) fuseStatic(s BeaconSample, r, gate float64) {
	if !b.rxInit {
		return
	}
	d := r3.Sub(b.rx, s.BeaconPos)
	pred := r3.Norm(d)
	if pred < 0.1 {
		return
	}
	h := mat.NewVecDense(3, []float64{d.X / pred, d.Y / pred, d.Z / pred})
	var pht mat.VecDense
	pht.MulVec(b.rxCov, h)
	sVar := mat.Dot(h, &pht) + r
	innov := s.Range - pred
	if innov*innov > gate*gate*sVar {
		return
	}
	b.rx = r3.Add(b.rx, r3.Scale(innov/sVar, r3.Vec{X: pht.AtVec(0), Y: pht.AtVec(1), Z: pht.AtVec(2)}))
	b.rxCov.SymRankOne(b.rxCov, -1/sVar, &pht)
	for i := 0; i < 3; i++ {
		if b.rxCov.At(i, i) < 1e-4 {
			b.rxCov.SetSym(i, i, 1e-4)
		}
	}
}

// selectBeaconFusion recalls beacon ranges, runs the alignment filter and
// fuses ranges in the main filter once aligned.
func (c *Core) selectBeaconFusion() {
	s, ok := recall(c, StreamBeacon, c.bcnBuf)
	if !ok {
		return
	}
	p := c.params
	b := &c.bcn
	b.lastDataMs = c.horizonMs()
	r := navmath.Sq(math.Max(s.RangeErr, math.Max(p.BcnNoise, 0.1)))
	gate := math.Max(p.BcnInnovGate, 1)

	if !b.rxInit {
		if x, ok := solveBeaconLS(b.sortedRanges()); ok {
			b.rx = x
			b.rxInit = true
			b.rxCov.Zero()
			for i := 0; i < 3; i++ {
				b.rxCov.SetSym(i, i, 25)
			}
			c.logf("beacon receiver bootstrap at %.1f %.1f %.1f", x.X, x.Y, x.Z)
		}
	}
	if !b.aligned {
		b.fuseStatic(s, r, gate)
		if b.rxInit && b.rxCov.At(0, 0)+b.rxCov.At(1, 1) < bcnAlignVar {
			b.aligned = true
			b.vertOffset = 0
			c.logf("beacon alignment complete")
		}
		skip(c, StreamBeacon, c.bcnBuf)
		return
	}
	if c.aidMode != AidAbsolute || c.posSource != srcBeacon {
		b.fuseStatic(s, r, gate)
		skip(c, StreamBeacon, c.bcnBuf)
		return
	}

	bNED := r3.Vec{X: s.BeaconPos.X + b.offsetNE[0], Y: s.BeaconPos.Y + b.offsetNE[1], Z: s.BeaconPos.Z + b.vertOffset}
	d := r3.Sub(c.state.Pos, bNED)
	pred := r3.Norm(d)
	if pred < 0.1 {
		skip(c, StreamBeacon, c.bcnBuf)
		return
	}
	var h obsRow
	h[IdxPos] = d.X / pred
	h[IdxPos+1] = d.Y / pred
	h[IdxPos+2] = d.Z / pred
	innov := s.Range - pred
	ratio, fused := c.fuseScalar(&h, innov, r, gate)
	c.innov.Beacon = innov
	c.ratios.Beacon = ratio
	c.fuseBeaconVertOffset(s, r)
	if fused {
		b.lastFuseMs = c.horizonMs()
		c.lastAidedMs = c.horizonMs()
		c.lastAbsAidedMs = c.horizonMs()
		c.lastPosPassMs = c.horizonMs()
	}
	finish(c, StreamBeacon, c.bcnBuf, fused, ratio)
}

// fuseBeaconVertOffset updates the vertical frame offset from one range.
func (c *Core) fuseBeaconVertOffset(s BeaconSample, r float64) {
	b := &c.bcn
	bz := s.BeaconPos.Z + b.vertOffset
	d := r3.Sub(c.state.Pos, r3.Vec{X: s.BeaconPos.X + b.offsetNE[0], Y: s.BeaconPos.Y + b.offsetNE[1], Z: bz})
	pred := r3.Norm(d)
	if pred < 0.1 {
		return
	}
	// ∂range/∂offset
	h := -d.Z / pred
	sVar := b.vertOffVar*h*h + r + c.cov.At(IdxPos+2, IdxPos+2)*h*h
	innov := s.Range - pred
	if innov*innov > navmath.Sq(math.Max(c.params.BcnInnovGate, 1))*sVar {
		return
	}
	k := b.vertOffVar * h / sVar
	b.vertOffset = navmath.Constrain(b.vertOffset+k*innov, -bcnVertOffLimit, bcnVertOffLimit)
	b.vertOffVar = math.Max(b.vertOffVar*(1-k*h), 0.01)
}

// beaconReady reports whether beacons can serve as the absolute source.
func (c *Core) beaconReady() bool {
	return c.bcn.aligned && c.horizonMs()-c.bcn.lastDataMs < rngBcnTimeoutMs
}

// resetToBeacons ties the beacon frame to the filter frame. Without
// another absolute source the filter position jumps to the receiver
// estimate; otherwise the beacon frame is shifted onto the filter.
func (c *Core) resetToBeacons(moveFilter bool) {
	b := &c.bcn
	if moveFilter {
		b.offsetNE = [2]float64{}
		c.resetPositionNE(b.rx.X, b.rx.Y, b.rxCov.At(0, 0)+b.rxCov.At(1, 1))
		return
	}
	b.offsetNE = [2]float64{c.state.Pos.X - b.rx.X, c.state.Pos.Y - b.rx.Y}
}
