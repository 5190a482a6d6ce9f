package ekf

import (
	"fmt"
	"math"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/geo"
)

// gpsCheckState holds the pre-flight GPS quality monitor.
type gpsCheckState struct {
	started    bool
	lastFailMs uint32
	lastPassMs uint32
	prevLoc    geo.Location
	prevMs     uint32
	haveprev   bool
	driftNE    float64
	vertSpd    float64
	horizSpd   float64
	failReason string
}

// calcGpsGoodToAlign runs the enabled GPS quality checks on a new fix.
// The GPS becomes usable after the checks pass continuously for 10 s and
// unusable after they fail continuously for 5 s. With every check
// disabled the GPS is usable at once.
func (c *Core) calcGpsGoodToAlign(s GPSSample) {
	g := &c.gpsCheck
	now := c.nowMs
	if !g.started {
		g.started = true
		g.lastFailMs = now
	}
	mask := c.params.GPSCheck
	if mask == 0 {
		g.failReason = ""
		g.lastPassMs = now
		c.gpsGoodToAlign = true
		return
	}
	scale := c.params.GPSCheckScaler / 100
	onGround := !c.flight.inFlight
	reason := ""
	fail := func(msg string) {
		if reason == "" {
			reason = msg
		}
	}

	if s.FixType < dal.Fix3D {
		fail("GPS no 3D fix")
	}
	if !s.HavePos {
		fail("GPS position invalid")
	}
	if !s.HaveVel {
		fail("GPS velocity invalid")
	}
	if mask&GPSCheckPosErr != 0 {
		if lim := 5 * scale; s.HAcc > lim {
			fail(fmt.Sprintf("GPS horiz error %.1fm (needs %.1f)", s.HAcc, lim))
		}
		if lim := 7.5 * scale; s.VAcc > lim {
			fail(fmt.Sprintf("GPS vert error %.1fm (needs %.1f)", s.VAcc, lim))
		}
	}
	if mask&GPSCheckSpeedErr != 0 {
		if lim := 1.0 * scale; s.SAcc > lim {
			fail(fmt.Sprintf("GPS speed error %.1f (needs %.1f)", s.SAcc, lim))
		}
	}
	if mask&GPSCheckSats != 0 && s.NumSats < 6 {
		fail(fmt.Sprintf("GPS numsats %d (needs 6)", s.NumSats))
	}
	if mask&GPSCheckHDOP != 0 {
		if lim := 2.5 * scale; s.HDOP > lim {
			fail(fmt.Sprintf("GPS HDOP %.1f (needs %.1f)", s.HDOP, lim))
		}
	}

	// movement checks apply while stationary on the ground
	usable := s.FixType >= dal.Fix3D && s.HavePos && s.HaveVel
	if !usable {
		g.haveprev = false
	} else if g.haveprev && s.TimeMs > g.prevMs {
		dt := 1e-3 * float64(s.TimeMs-g.prevMs)
		alpha := math.Min(dt/10, 1)
		d := s.Loc.NEDFrom(g.prevLoc)
		g.driftNE = (g.driftNE + math.Hypot(d.X, d.Y)) * (1 - alpha)
		k := math.Min(dt/(dt+1), 1)
		g.vertSpd += k * (math.Abs(s.Vel.Z) - g.vertSpd)
		g.horizSpd += k * (math.Hypot(s.Vel.X, s.Vel.Y) - g.horizSpd)
	}
	if usable {
		g.prevLoc, g.prevMs, g.haveprev = s.Loc, s.TimeMs, true
	}
	if onGround {
		if lim := 3 * scale; mask&GPSCheckDrift != 0 && g.driftNE > lim {
			fail(fmt.Sprintf("GPS drift %.1fm (needs %.1f)", g.driftNE, lim))
		}
		if lim := 0.3 * scale; mask&GPSCheckVertSpeed != 0 && s.HaveVertVel && g.vertSpd > lim {
			fail(fmt.Sprintf("GPS vertical speed %.2fm/s (needs %.2f)", g.vertSpd, lim))
		}
		if lim := 0.3 * scale; mask&GPSCheckHorizSpeed != 0 && g.horizSpd > lim {
			fail(fmt.Sprintf("GPS horizontal speed %.2fm/s (needs %.2f)", g.horizSpd, lim))
		}
	} else {
		g.driftNE, g.vertSpd, g.horizSpd = 0, 0, 0
	}

	g.failReason = reason
	if reason != "" {
		g.lastFailMs = now
	} else {
		g.lastPassMs = now
	}
	switch {
	case !c.gpsGoodToAlign && now-g.lastFailMs >= gpsAlignPassTimeMs:
		c.gpsGoodToAlign = true
		c.logf("GPS checks passed")
	case c.gpsGoodToAlign && now-g.lastPassMs >= gpsAlignFailTimeMs:
		c.gpsGoodToAlign = false
		c.logf("GPS checks failing: %s", reason)
	}
}

// PrearmFailureReason returns why the lane is not ready, or "".
func (c *Core) PrearmFailureReason() string {
	if c.prearm != "" {
		return c.prearm
	}
	if c.params.GPSMode != GPSDisabled && !c.gpsGoodToAlign {
		if c.gpsCheck.failReason != "" {
			return "EKF3 waiting for GPS checks: " + c.gpsCheck.failReason
		}
		if c.gpsCheck.started {
			return "EKF3 waiting for GPS checks to pass for 10s"
		}
	}
	return ""
}
