package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// DefaultVehicleClass is used when vehicle_class is unset.
const DefaultVehicleClass = "copter"

// ParamDef describes one tunable numeric parameter.
type ParamDef struct {
	Name    string
	Default float64
	Min     float64
	Max     float64
	// Live parameters may be changed while the filter runs.
	Live    bool
	Integer bool

	get func(c *TuningConfig) (float64, bool)
	set func(c *TuningConfig, v float64)
}

func (p ParamDef) check(v float64) error {
	if math.IsNaN(v) || v < p.Min || v > p.Max {
		return fmt.Errorf("%s must be between %g and %g, got %g", p.Name, p.Min, p.Max, v)
	}
	if p.Integer && v != math.Trunc(v) {
		return fmt.Errorf("%s must be an integer, got %g", p.Name, v)
	}
	return nil
}

func floatParam(name string, def, lo, hi float64, live bool, field func(c *TuningConfig) **float64) ParamDef {
	return ParamDef{
		Name: name, Default: def, Min: lo, Max: hi, Live: live,
		get: func(c *TuningConfig) (float64, bool) {
			f := *field(c)
			if f == nil {
				return 0, false
			}
			return *f, true
		},
		set: func(c *TuningConfig, v float64) { *field(c) = ptrFloat64(v) },
	}
}

func intParam(name string, def, lo, hi int, live bool, field func(c *TuningConfig) **int) ParamDef {
	return ParamDef{
		Name: name, Default: float64(def), Min: float64(lo), Max: float64(hi), Live: live, Integer: true,
		get: func(c *TuningConfig) (float64, bool) {
			f := *field(c)
			if f == nil {
				return 0, false
			}
			return float64(*f), true
		},
		set: func(c *TuningConfig, v float64) { *field(c) = ptrInt(int(v)) },
	}
}

// Schema lists every numeric tuning parameter.
var Schema = []ParamDef{
	intParam("imu_mask", 3, 1, 15, false, func(c *TuningConfig) **int { return &c.IMUMask }),
	intParam("primary", 0, 0, 3, false, func(c *TuningConfig) **int { return &c.Primary }),
	intParam("affinity", 0, 0, 15, false, func(c *TuningConfig) **int { return &c.Affinity }),
	floatParam("err_thresh", 0.2, 0.05, 1, true, func(c *TuningConfig) **float64 { return &c.ErrThresh }),
	floatParam("tau_output", 0.25, 0.1, 0.5, false, func(c *TuningConfig) **float64 { return &c.TauOutput }),
	floatParam("slew_yaw", 6000, 0, 18000, true, func(c *TuningConfig) **float64 { return &c.SlewYawDeg }),

	intParam("gps_mode", 0, 0, 3, false, func(c *TuningConfig) **int { return &c.GPSMode }),
	intParam("gps_delay_ms", 220, 0, 250, false, func(c *TuningConfig) **int { return &c.GPSDelayMs }),
	floatParam("velne_m_nse", 0.3, 0.05, 5, true, func(c *TuningConfig) **float64 { return &c.VelNENoise }),
	floatParam("veld_m_nse", 0.5, 0.05, 5, true, func(c *TuningConfig) **float64 { return &c.VelDNoise }),
	floatParam("vel_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.VelInnovGate }),
	floatParam("posne_m_nse", 0.5, 0.1, 10, true, func(c *TuningConfig) **float64 { return &c.PosNENoise }),
	floatParam("pos_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.PosInnovGate }),
	floatParam("glitch_rad", 25, 10, 100, true, func(c *TuningConfig) **float64 { return &c.GlitchRadius }),
	intParam("gps_check", 31, 0, 255, false, func(c *TuningConfig) **int { return &c.GPSCheck }),
	floatParam("check_scale", 100, 50, 200, true, func(c *TuningConfig) **float64 { return &c.GPSCheckScaler }),
	floatParam("noaid_m_nse", 10, 0.5, 50, false, func(c *TuningConfig) **float64 { return &c.NoAidNoise }),

	intParam("hgt_source", 0, 0, 3, false, func(c *TuningConfig) **int { return &c.HgtSource }),
	intParam("hgt_delay_ms", 60, 0, 250, false, func(c *TuningConfig) **int { return &c.HgtDelayMs }),
	floatParam("alt_m_nse", 2, 0.1, 100, true, func(c *TuningConfig) **float64 { return &c.AltNoise }),
	floatParam("hgt_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.HgtInnovGate }),
	floatParam("hrt_filt", 2, 0.1, 30, false, func(c *TuningConfig) **float64 { return &c.HgtRateFilt }),

	intParam("mag_cal", 3, 0, 4, false, func(c *TuningConfig) **int { return &c.MagCal }),
	intParam("mag_delay_ms", 60, 0, 250, false, func(c *TuningConfig) **int { return &c.MagDelayMs }),
	floatParam("mag_m_nse", 0.05, 0.01, 0.5, true, func(c *TuningConfig) **float64 { return &c.MagNoise }),
	floatParam("mag_i_gate", 3, 1, 10, true, func(c *TuningConfig) **float64 { return &c.MagInnovGate }),
	floatParam("mag_decl_deg", 0, -180, 180, false, func(c *TuningConfig) **float64 { return &c.MagDeclDeg }),
	floatParam("mag_ef_lim", 50, 0, 500, false, func(c *TuningConfig) **float64 { return &c.MagEFLimit }),
	floatParam("yaw_m_nse", 0.5, 0.05, 1, true, func(c *TuningConfig) **float64 { return &c.YawNoise }),
	floatParam("yaw_i_gate", 3, 1, 10, true, func(c *TuningConfig) **float64 { return &c.YawInnovGate }),
	floatParam("mage_p_nse", 1e-3, 1e-4, 1e-2, false, func(c *TuningConfig) **float64 { return &c.MagEarthPNse }),
	floatParam("magb_p_nse", 1e-4, 1e-5, 1e-2, false, func(c *TuningConfig) **float64 { return &c.MagBodyPNse }),

	intParam("tas_delay_ms", 100, 0, 250, false, func(c *TuningConfig) **int { return &c.TASDelayMs }),
	floatParam("eas_m_nse", 1.4, 0.5, 5, true, func(c *TuningConfig) **float64 { return &c.EASNoise }),
	floatParam("eas_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.TASInnovGate }),
	floatParam("beta_m_nse", 0.03, 0.01, 0.5, false, func(c *TuningConfig) **float64 { return &c.BetaNoise }),
	floatParam("beta_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.BetaGate }),
	floatParam("drag_bcoef_x", 0, 0, 1000, false, func(c *TuningConfig) **float64 { return &c.DragBCoefX }),
	floatParam("drag_bcoef_y", 0, 0, 1000, false, func(c *TuningConfig) **float64 { return &c.DragBCoefY }),
	floatParam("drag_mcoef", 0, 0, 1, false, func(c *TuningConfig) **float64 { return &c.DragMCoef }),
	floatParam("drag_m_nse", 0.5, 0.1, 2, true, func(c *TuningConfig) **float64 { return &c.DragNoise }),
	floatParam("drag_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.DragGate }),

	intParam("flow_delay_ms", 10, 0, 250, false, func(c *TuningConfig) **int { return &c.FlowDelayMs }),
	floatParam("flow_m_nse", 0.25, 0.05, 1, true, func(c *TuningConfig) **float64 { return &c.FlowNoise }),
	floatParam("flow_i_gate", 3, 1, 10, true, func(c *TuningConfig) **float64 { return &c.FlowInnovGate }),
	floatParam("max_flow", 2.5, 1, 4, false, func(c *TuningConfig) **float64 { return &c.MaxFlowRate }),
	floatParam("terr_grad", 0.1, 0, 0.2, false, func(c *TuningConfig) **float64 { return &c.TerrainGrad }),
	intParam("rng_delay_ms", 10, 0, 250, false, func(c *TuningConfig) **int { return &c.RngDelayMs }),
	floatParam("rng_m_nse", 0.5, 0.1, 10, true, func(c *TuningConfig) **float64 { return &c.RngNoise }),
	floatParam("rng_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.RngInnovGate }),
	floatParam("rng_use_hgt", -1, -1, 70, false, func(c *TuningConfig) **float64 { return &c.RngUseHgt }),
	floatParam("rng_use_spd", 2, 2, 6, false, func(c *TuningConfig) **float64 { return &c.RngUseSpd }),

	intParam("bcn_delay_ms", 50, 0, 250, false, func(c *TuningConfig) **int { return &c.BcnDelayMs }),
	floatParam("bcn_m_nse", 1, 0.1, 10, true, func(c *TuningConfig) **float64 { return &c.BcnNoise }),
	floatParam("bcn_i_gate", 10, 1, 20, true, func(c *TuningConfig) **float64 { return &c.BcnInnovGate }),

	intParam("extnav_delay_ms", 10, 0, 250, false, func(c *TuningConfig) **int { return &c.ExtNavDelayMs }),
	floatParam("extnav_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.ExtNavGate }),
	intParam("odom_delay_ms", 10, 0, 250, false, func(c *TuningConfig) **int { return &c.OdomDelayMs }),
	floatParam("odom_i_gate", 5, 1, 10, true, func(c *TuningConfig) **float64 { return &c.OdomGate }),

	floatParam("gyro_p_nse", 1.5e-2, 1e-4, 0.1, false, func(c *TuningConfig) **float64 { return &c.GyroNoise }),
	floatParam("acc_p_nse", 3.5e-1, 1e-2, 1, false, func(c *TuningConfig) **float64 { return &c.AccNoise }),
	floatParam("gbias_p_nse", 1e-3, 1e-5, 1e-2, false, func(c *TuningConfig) **float64 { return &c.GyroBiasPNse }),
	floatParam("abias_p_nse", 2e-3, 1e-5, 1e-2, false, func(c *TuningConfig) **float64 { return &c.AccelBiasPNse }),
	floatParam("abias_lim", 1, 0.5, 2.5, false, func(c *TuningConfig) **float64 { return &c.AccelBiasLim }),
	floatParam("wind_p_nse", 0.2, 0.01, 2, false, func(c *TuningConfig) **float64 { return &c.WindPNse }),
	floatParam("wind_pscale", 1, 0, 2, false, func(c *TuningConfig) **float64 { return &c.WindPScale }),

	intParam("gsf_run_mask", 3, 0, 15, false, func(c *TuningConfig) **int { return &c.GSFRunMask }),
	intParam("gsf_use_mask", 3, 0, 15, false, func(c *TuningConfig) **int { return &c.GSFUseMask }),
	intParam("gsf_rst_max", 2, 1, 10, false, func(c *TuningConfig) **int { return &c.GSFResetMax }),

	floatParam("compass_cal_fit", 16, 4, 32, false, func(c *TuningConfig) **float64 { return &c.CompassCalTolerance }),
	floatParam("compass_offs_max", 1800, 500, 3000, false, func(c *TuningConfig) **float64 { return &c.CompassCalOffsetMax }),
}

var schemaIndex = func() map[string]int {
	m := make(map[string]int, len(Schema))
	for i, p := range Schema {
		m[p.Name] = i
	}
	return m
}()

// Lookup returns the definition of a named parameter.
func Lookup(name string) (ParamDef, bool) {
	i, ok := schemaIndex[name]
	if !ok {
		return ParamDef{}, false
	}
	return Schema[i], true
}

// Names returns every parameter name in sorted order.
func Names() []string {
	out := make([]string, 0, len(Schema))
	for _, p := range Schema {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Flatten returns every numeric parameter by name, with defaults filled
// in for unset fields.
func (c *TuningConfig) Flatten() map[string]float64 {
	out := make(map[string]float64, len(Schema))
	for _, p := range Schema {
		v, set := p.get(c)
		if !set {
			v = p.Default
		}
		out[p.Name] = v
	}
	return out
}

// ApplyFlat sets parameters from a name→value map. Unknown names and out
// of range values are rejected and nothing is applied.
func (c *TuningConfig) ApplyFlat(values map[string]float64) error {
	for name, v := range values {
		p, ok := Lookup(name)
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		if err := p.check(v); err != nil {
			return err
		}
	}
	for name, v := range values {
		p, _ := Lookup(name)
		p.set(c, v)
	}
	return nil
}

// ErrNotLive is returned by SetLive for parameters that cannot change
// while the filter runs.
var ErrNotLive = errors.New("parameter cannot be changed while running")

// SetLive changes one parameter flagged Live.
func (c *TuningConfig) SetLive(name string, v float64) error {
	p, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if !p.Live {
		return fmt.Errorf("%s: %w", name, ErrNotLive)
	}
	if err := p.check(v); err != nil {
		return err
	}
	p.set(c, v)
	return nil
}
