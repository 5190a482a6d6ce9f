package ekf

import (
	"fmt"
	"math"

	"github.com/banshee-data/navekf/internal/dal"
)

// Nominal filter step. IMU data is down-sampled to this rate before it is
// stored and integrated at the fusion horizon.
const (
	targetDtMs = 10
	targetDt   = targetDtMs * 1e-3
)

// Covariance prediction throttle.
const (
	covTimeStepMax = 0.02 // s
	covDelAngMax   = 0.05 // rad
)

// GPS noise scaling with horizontal acceleration.
const (
	gpsNEVelVarAccScale = 0.05
	gpsDVelVarAccScale  = 0.07
	gpsPosVarAccScale   = 0.05
)

// Retry and timeout intervals.
const (
	gpsRetryTimeMs     = 10000
	hgtRetryTimeMs     = 5000
	magFailTimeMs      = 10000
	tasRetryTimeMs     = 5000
	flowTimeoutMs      = 5000
	rngBcnTimeoutMs    = 10000
	extNavTimeoutMs    = 2000
	posAidLossTimeMs   = 10000
	deadReckonAfterMs  = 1000
	noAidFuseInterval  = 200
	gpsAlignPassTimeMs = 10000
	gpsAlignFailTimeMs = 5000
	flightLingerMs     = 5000
	badIMUHoldMs       = 1000
	gsfYawFailTimeMs   = 3000
)

// GPSMode selects which GPS observations are used.
type GPSMode int

const (
	GPSUse3DVel GPSMode = iota
	GPSUse2DVel
	GPSPosOnly
	GPSDisabled
)

// HgtSource selects the primary height reference.
type HgtSource int

const (
	HgtBaro HgtSource = iota
	HgtRangeFinder
	HgtGPS
	HgtExtNav
)

func (h HgtSource) String() string {
	switch h {
	case HgtBaro:
		return "baro"
	case HgtRangeFinder:
		return "rangefinder"
	case HgtGPS:
		return "gps"
	case HgtExtNav:
		return "extnav"
	}
	return fmt.Sprintf("hgt(%d)", int(h))
}

// MagCalMode selects when the 3-axis magnetic field states are learned.
type MagCalMode int

const (
	MagCalWhenFlying MagCalMode = iota
	MagCalWhenManoeuvring
	MagCalNever
	MagCalAfterFirstClimb
	MagCalAlways
)

// GPS pre-arm check bits.
const (
	GPSCheckSats = 1 << iota
	GPSCheckHDOP
	GPSCheckSpeedErr
	GPSCheckPosErr
	GPSCheckYaw
	GPSCheckDrift
	GPSCheckVertSpeed
	GPSCheckHorizSpeed
)

// Affinity bits select per-lane sensor instances.
const (
	AffinityGPS = 1 << iota
	AffinityBaro
	AffinityCompass
	AffinityAirspeed
)

// Params holds the typed filter tuning. Field comments give units.
type Params struct {
	IMUMask    int
	Primary    int
	Affinity   int
	ErrThresh  float64
	TauOutput  float64 // s
	SlewYawDeg float64 // centi-degrees/s, 0 = instant

	GPSMode        GPSMode
	GPSDelayMs     int
	VelNENoise     float64 // m/s
	VelDNoise      float64 // m/s
	VelInnovGate   float64 // σ
	PosNENoise     float64 // m
	PosInnovGate   float64
	GlitchRadius   float64 // m
	GPSCheck       int
	GPSCheckScaler float64 // percent
	NoAidNoise     float64 // m

	HgtSource    HgtSource
	HgtDelayMs   int
	AltNoise     float64 // m
	HgtInnovGate float64
	HgtRateFilt  float64 // Hz

	MagCal       MagCalMode
	MagDelayMs   int
	MagNoise     float64 // Gauss
	MagInnovGate float64
	MagDeclDeg   float64
	MagEFLimit   float64 // mGauss
	YawNoise     float64 // rad
	YawInnovGate float64
	MagEarthPNse float64 // Gauss/s
	MagBodyPNse  float64 // Gauss/s

	TASDelayMs   int
	EASNoise     float64 // m/s
	TASInnovGate float64
	BetaNoise    float64 // rad
	BetaGate     float64
	DragBCoefX   float64 // kg/m²
	DragBCoefY   float64
	DragMCoef    float64 // 1/s
	DragNoise    float64 // m/s²
	DragGate     float64

	FlowDelayMs   int
	FlowNoise     float64 // rad/s
	FlowInnovGate float64
	MaxFlowRate   float64 // rad/s
	TerrainGrad   float64
	RngDelayMs    int
	RngNoise      float64 // m
	RngInnovGate  float64
	RngUseHgt     float64 // percent of max range, <0 disables
	RngUseSpd     float64 // m/s

	BcnDelayMs   int
	BcnNoise     float64 // m
	BcnInnovGate float64

	ExtNavDelayMs int
	ExtNavGate    float64
	OdomDelayMs   int
	OdomGate      float64

	GyroNoise     float64 // rad/s
	AccNoise      float64 // m/s²
	GyroBiasPNse  float64 // rad/s²
	AccelBiasPNse float64 // m/s³
	AccelBiasLim  float64 // m/s²
	WindPNse      float64 // m/s²
	WindPScale    float64

	GSFRunMask  int
	GSFUseMask  int
	GSFResetMax int
}

// DefaultParams returns the built-in tuning, identical to the defaults
// in config/tuning.defaults.json.
func DefaultParams() Params {
	return Params{
		IMUMask: 3, ErrThresh: 0.2, TauOutput: 0.25, SlewYawDeg: 6000,

		GPSMode: GPSUse3DVel, GPSDelayMs: 220,
		VelNENoise: 0.3, VelDNoise: 0.5, VelInnovGate: 5,
		PosNENoise: 0.5, PosInnovGate: 5, GlitchRadius: 25,
		GPSCheck: 31, GPSCheckScaler: 100, NoAidNoise: 10,

		HgtSource: HgtBaro, HgtDelayMs: 60, AltNoise: 2, HgtInnovGate: 5, HgtRateFilt: 2,

		MagCal: MagCalAfterFirstClimb, MagDelayMs: 60, MagNoise: 0.05, MagInnovGate: 3,
		MagEFLimit: 50, YawNoise: 0.5, YawInnovGate: 3, MagEarthPNse: 1e-3, MagBodyPNse: 1e-4,

		TASDelayMs: 100, EASNoise: 1.4, TASInnovGate: 5, BetaNoise: 0.03, BetaGate: 5,
		DragNoise: 0.5, DragGate: 5,

		FlowDelayMs: 10, FlowNoise: 0.25, FlowInnovGate: 3, MaxFlowRate: 2.5, TerrainGrad: 0.1,
		RngDelayMs: 10, RngNoise: 0.5, RngInnovGate: 5, RngUseHgt: -1, RngUseSpd: 2,

		BcnDelayMs: 50, BcnNoise: 1, BcnInnovGate: 10,

		ExtNavDelayMs: 10, ExtNavGate: 5, OdomDelayMs: 10, OdomGate: 5,

		GyroNoise: 1.5e-2, AccNoise: 3.5e-1, GyroBiasPNse: 1e-3, AccelBiasPNse: 2e-3,
		AccelBiasLim: 1, WindPNse: 0.2, WindPScale: 1,

		GSFRunMask: 3, GSFUseMask: 3, GSFResetMax: 2,
	}
}

// paramBinding ties a parameter name to a Params field.
type paramBinding struct {
	name string
	f    *float64
	i    *int
}

func (p *Params) bindings() []paramBinding {
	return []paramBinding{
		{name: "imu_mask", i: &p.IMUMask},
		{name: "primary", i: &p.Primary},
		{name: "affinity", i: &p.Affinity},
		{name: "err_thresh", f: &p.ErrThresh},
		{name: "tau_output", f: &p.TauOutput},
		{name: "slew_yaw", f: &p.SlewYawDeg},
		{name: "gps_mode", i: (*int)(&p.GPSMode)},
		{name: "gps_delay_ms", i: &p.GPSDelayMs},
		{name: "velne_m_nse", f: &p.VelNENoise},
		{name: "veld_m_nse", f: &p.VelDNoise},
		{name: "vel_i_gate", f: &p.VelInnovGate},
		{name: "posne_m_nse", f: &p.PosNENoise},
		{name: "pos_i_gate", f: &p.PosInnovGate},
		{name: "glitch_rad", f: &p.GlitchRadius},
		{name: "gps_check", i: &p.GPSCheck},
		{name: "check_scale", f: &p.GPSCheckScaler},
		{name: "noaid_m_nse", f: &p.NoAidNoise},
		{name: "hgt_source", i: (*int)(&p.HgtSource)},
		{name: "hgt_delay_ms", i: &p.HgtDelayMs},
		{name: "alt_m_nse", f: &p.AltNoise},
		{name: "hgt_i_gate", f: &p.HgtInnovGate},
		{name: "hrt_filt", f: &p.HgtRateFilt},
		{name: "mag_cal", i: (*int)(&p.MagCal)},
		{name: "mag_delay_ms", i: &p.MagDelayMs},
		{name: "mag_m_nse", f: &p.MagNoise},
		{name: "mag_i_gate", f: &p.MagInnovGate},
		{name: "mag_decl_deg", f: &p.MagDeclDeg},
		{name: "mag_ef_lim", f: &p.MagEFLimit},
		{name: "yaw_m_nse", f: &p.YawNoise},
		{name: "yaw_i_gate", f: &p.YawInnovGate},
		{name: "mage_p_nse", f: &p.MagEarthPNse},
		{name: "magb_p_nse", f: &p.MagBodyPNse},
		{name: "tas_delay_ms", i: &p.TASDelayMs},
		{name: "eas_m_nse", f: &p.EASNoise},
		{name: "eas_i_gate", f: &p.TASInnovGate},
		{name: "beta_m_nse", f: &p.BetaNoise},
		{name: "beta_i_gate", f: &p.BetaGate},
		{name: "drag_bcoef_x", f: &p.DragBCoefX},
		{name: "drag_bcoef_y", f: &p.DragBCoefY},
		{name: "drag_mcoef", f: &p.DragMCoef},
		{name: "drag_m_nse", f: &p.DragNoise},
		{name: "drag_i_gate", f: &p.DragGate},
		{name: "flow_delay_ms", i: &p.FlowDelayMs},
		{name: "flow_m_nse", f: &p.FlowNoise},
		{name: "flow_i_gate", f: &p.FlowInnovGate},
		{name: "max_flow", f: &p.MaxFlowRate},
		{name: "terr_grad", f: &p.TerrainGrad},
		{name: "rng_delay_ms", i: &p.RngDelayMs},
		{name: "rng_m_nse", f: &p.RngNoise},
		{name: "rng_i_gate", f: &p.RngInnovGate},
		{name: "rng_use_hgt", f: &p.RngUseHgt},
		{name: "rng_use_spd", f: &p.RngUseSpd},
		{name: "bcn_delay_ms", i: &p.BcnDelayMs},
		{name: "bcn_m_nse", f: &p.BcnNoise},
		{name: "bcn_i_gate", f: &p.BcnInnovGate},
		{name: "extnav_delay_ms", i: &p.ExtNavDelayMs},
		{name: "extnav_i_gate", f: &p.ExtNavGate},
		{name: "odom_delay_ms", i: &p.OdomDelayMs},
		{name: "odom_i_gate", f: &p.OdomGate},
		{name: "gyro_p_nse", f: &p.GyroNoise},
		{name: "acc_p_nse", f: &p.AccNoise},
		{name: "gbias_p_nse", f: &p.GyroBiasPNse},
		{name: "abias_p_nse", f: &p.AccelBiasPNse},
		{name: "abias_lim", f: &p.AccelBiasLim},
		{name: "wind_p_nse", f: &p.WindPNse},
		{name: "wind_pscale", f: &p.WindPScale},
		{name: "gsf_run_mask", i: &p.GSFRunMask},
		{name: "gsf_use_mask", i: &p.GSFUseMask},
		{name: "gsf_rst_max", i: &p.GSFResetMax},
	}
}

// ParamsFromSource overlays named parameters from src onto the defaults.
func ParamsFromSource(src dal.ParamSource) Params {
	p := DefaultParams()
	if src == nil {
		return p
	}
	for _, b := range p.bindings() {
		v, ok := src.Param(b.name)
		if !ok {
			continue
		}
		if b.f != nil {
			*b.f = v
		} else {
			*b.i = int(v)
		}
	}
	return p
}

// Set changes one named parameter. It reports false for unknown names.
func (p *Params) Set(name string, v float64) bool {
	for _, b := range p.bindings() {
		if b.name != name {
			continue
		}
		if b.f != nil {
			*b.f = v
		} else {
			*b.i = int(v)
		}
		return true
	}
	return false
}

// Values returns every named parameter.
func (p *Params) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, b := range p.bindings() {
		if b.f != nil {
			out[b.name] = *b.f
		} else {
			out[b.name] = float64(*b.i)
		}
	}
	return out
}

// maxDelayMs returns the longest configured sensor delay.
func (p *Params) maxDelayMs() int {
	d := 0
	for _, v := range []int{p.GPSDelayMs, p.HgtDelayMs, p.MagDelayMs, p.TASDelayMs, p.FlowDelayMs, p.RngDelayMs, p.BcnDelayMs, p.ExtNavDelayMs, p.OdomDelayMs} {
		if v > d {
			d = v
		}
	}
	return d
}

// imuBufferLength is the number of filter steps spanning the longest
// sensor delay, plus one.
func (p *Params) imuBufferLength() int {
	n := int(math.Ceil(float64(p.maxDelayMs())/targetDtMs)) + 1
	switch {
	case n < 8:
		n = 8
	case n > 100:
		n = 100
	}
	return n
}

// Validate returns a pre-arm failure message, or "" when the tuning is
// usable.
func (p *Params) Validate() string {
	if p.maxDelayMs() > 250 {
		return fmt.Sprintf("EKF3 sensor delay %dms exceeds 250ms", p.maxDelayMs())
	}
	positive := []struct {
		name string
		v    float64
	}{
		{"VELNE_M_NSE", p.VelNENoise}, {"VELD_M_NSE", p.VelDNoise}, {"POSNE_M_NSE", p.PosNENoise},
		{"ALT_M_NSE", p.AltNoise}, {"MAG_M_NSE", p.MagNoise}, {"GYRO_P_NSE", p.GyroNoise},
		{"ACC_P_NSE", p.AccNoise}, {"TAU_OUTPUT", p.TauOutput},
		{"VEL_I_GATE", p.VelInnovGate}, {"POS_I_GATE", p.PosInnovGate}, {"HGT_I_GATE", p.HgtInnovGate},
		{"MAG_I_GATE", p.MagInnovGate},
	}
	for _, c := range positive {
		if !(c.v > 0) || math.IsInf(c.v, 0) {
			return fmt.Sprintf("EKF3 param %s must be positive", c.name)
		}
	}
	if p.HgtSource < HgtBaro || p.HgtSource > HgtExtNav {
		return "EKF3 invalid height source"
	}
	if p.GPSMode < GPSUse3DVel || p.GPSMode > GPSDisabled {
		return "EKF3 invalid GPS mode"
	}
	if p.HgtSource == HgtGPS && p.GPSMode == GPSDisabled {
		return "EKF3 height source GPS but GPS disabled"
	}
	if p.MagCal < MagCalWhenFlying || p.MagCal > MagCalAlways {
		return "EKF3 invalid MAG_CAL"
	}
	return ""
}
