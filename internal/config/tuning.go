package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the filter tuning document. Every numeric field is
// described by an entry in Schema, which supplies its default, valid range
// and whether it may be changed while the filter is running. Fields
// omitted from the JSON keep their defaults.
type TuningConfig struct {
	VehicleClass *string `json:"vehicle_class,omitempty"`

	// Lanes and affinity
	IMUMask    *int     `json:"imu_mask,omitempty"`
	Primary    *int     `json:"primary,omitempty"`
	Affinity   *int     `json:"affinity,omitempty"`
	ErrThresh  *float64 `json:"err_thresh,omitempty"`
	TauOutput  *float64 `json:"tau_output,omitempty"`
	SlewYawDeg *float64 `json:"slew_yaw,omitempty"`

	// GPS
	GPSMode        *int     `json:"gps_mode,omitempty"`
	GPSDelayMs     *int     `json:"gps_delay_ms,omitempty"`
	VelNENoise     *float64 `json:"velne_m_nse,omitempty"`
	VelDNoise      *float64 `json:"veld_m_nse,omitempty"`
	VelInnovGate   *float64 `json:"vel_i_gate,omitempty"`
	PosNENoise     *float64 `json:"posne_m_nse,omitempty"`
	PosInnovGate   *float64 `json:"pos_i_gate,omitempty"`
	GlitchRadius   *float64 `json:"glitch_rad,omitempty"`
	GPSCheck       *int     `json:"gps_check,omitempty"`
	GPSCheckScaler *float64 `json:"check_scale,omitempty"`
	NoAidNoise     *float64 `json:"noaid_m_nse,omitempty"`

	// Height
	HgtSource    *int     `json:"hgt_source,omitempty"`
	HgtDelayMs   *int     `json:"hgt_delay_ms,omitempty"`
	AltNoise     *float64 `json:"alt_m_nse,omitempty"`
	HgtInnovGate *float64 `json:"hgt_i_gate,omitempty"`
	HgtRateFilt  *float64 `json:"hrt_filt,omitempty"`

	// Magnetometer
	MagCal       *int     `json:"mag_cal,omitempty"`
	MagDelayMs   *int     `json:"mag_delay_ms,omitempty"`
	MagNoise     *float64 `json:"mag_m_nse,omitempty"`
	MagInnovGate *float64 `json:"mag_i_gate,omitempty"`
	MagDeclDeg   *float64 `json:"mag_decl_deg,omitempty"`
	MagEFLimit   *float64 `json:"mag_ef_lim,omitempty"`
	YawNoise     *float64 `json:"yaw_m_nse,omitempty"`
	YawInnovGate *float64 `json:"yaw_i_gate,omitempty"`
	MagEarthPNse *float64 `json:"mage_p_nse,omitempty"`
	MagBodyPNse  *float64 `json:"magb_p_nse,omitempty"`

	// Airspeed, sideslip and drag
	TASDelayMs   *int     `json:"tas_delay_ms,omitempty"`
	EASNoise     *float64 `json:"eas_m_nse,omitempty"`
	TASInnovGate *float64 `json:"eas_i_gate,omitempty"`
	BetaNoise    *float64 `json:"beta_m_nse,omitempty"`
	BetaGate     *float64 `json:"beta_i_gate,omitempty"`
	DragBCoefX   *float64 `json:"drag_bcoef_x,omitempty"`
	DragBCoefY   *float64 `json:"drag_bcoef_y,omitempty"`
	DragMCoef    *float64 `json:"drag_mcoef,omitempty"`
	DragNoise    *float64 `json:"drag_m_nse,omitempty"`
	DragGate     *float64 `json:"drag_i_gate,omitempty"`

	// Optical flow and range finder
	FlowDelayMs   *int     `json:"flow_delay_ms,omitempty"`
	FlowNoise     *float64 `json:"flow_m_nse,omitempty"`
	FlowInnovGate *float64 `json:"flow_i_gate,omitempty"`
	MaxFlowRate   *float64 `json:"max_flow,omitempty"`
	TerrainGrad   *float64 `json:"terr_grad,omitempty"`
	RngDelayMs    *int     `json:"rng_delay_ms,omitempty"`
	RngNoise      *float64 `json:"rng_m_nse,omitempty"`
	RngInnovGate  *float64 `json:"rng_i_gate,omitempty"`
	RngUseHgt     *float64 `json:"rng_use_hgt,omitempty"`
	RngUseSpd     *float64 `json:"rng_use_spd,omitempty"`

	// Range beacons
	BcnDelayMs   *int     `json:"bcn_delay_ms,omitempty"`
	BcnNoise     *float64 `json:"bcn_m_nse,omitempty"`
	BcnInnovGate *float64 `json:"bcn_i_gate,omitempty"`

	// External navigation and odometry
	ExtNavDelayMs *int     `json:"extnav_delay_ms,omitempty"`
	ExtNavGate    *float64 `json:"extnav_i_gate,omitempty"`
	OdomDelayMs   *int     `json:"odom_delay_ms,omitempty"`
	OdomGate      *float64 `json:"odom_i_gate,omitempty"`

	// Process noise
	GyroNoise     *float64 `json:"gyro_p_nse,omitempty"`
	AccNoise      *float64 `json:"acc_p_nse,omitempty"`
	GyroBiasPNse  *float64 `json:"gbias_p_nse,omitempty"`
	AccelBiasPNse *float64 `json:"abias_p_nse,omitempty"`
	AccelBiasLim  *float64 `json:"abias_lim,omitempty"`
	WindPNse      *float64 `json:"wind_p_nse,omitempty"`
	WindPScale    *float64 `json:"wind_pscale,omitempty"`

	// Yaw estimator
	GSFRunMask  *int `json:"gsf_run_mask,omitempty"`
	GSFUseMask  *int `json:"gsf_use_mask,omitempty"`
	GSFResetMax *int `json:"gsf_rst_max,omitempty"`

	// Compass calibration
	CompassCalTolerance *float64 `json:"compass_cal_fit,omitempty"`
	CompassCalOffsetMax *float64 `json:"compass_offs_max,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated from
// the schema defaults.
func DefaultTuningConfig() *TuningConfig {
	c := &TuningConfig{VehicleClass: ptrString(DefaultVehicleClass)}
	for _, p := range Schema {
		p.set(c, p.Default)
	}
	return c
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/ekf/gsf/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set value against its schema range.
func (c *TuningConfig) Validate() error {
	if c.VehicleClass != nil {
		switch *c.VehicleClass {
		case "copter", "multirotor", "fixedwing", "plane", "rover", "boat":
		default:
			return fmt.Errorf("vehicle_class must be copter, fixedwing or rover, got %q", *c.VehicleClass)
		}
	}
	for _, p := range Schema {
		v, set := p.get(c)
		if !set {
			continue
		}
		if err := p.check(v); err != nil {
			return err
		}
	}
	if mask := c.GetInt("imu_mask"); mask == 0 {
		return fmt.Errorf("imu_mask must select at least one IMU")
	}
	return nil
}

// GetVehicleClass returns the configured vehicle class name.
func (c *TuningConfig) GetVehicleClass() string {
	if c.VehicleClass == nil || *c.VehicleClass == "" {
		return DefaultVehicleClass
	}
	return *c.VehicleClass
}

// Param returns the value of a named numeric parameter, or its default
// when unset. The second result is false for unknown names.
func (c *TuningConfig) Param(name string) (float64, bool) {
	p, ok := Lookup(name)
	if !ok {
		return 0, false
	}
	if v, set := p.get(c); set {
		return v, true
	}
	return p.Default, true
}

// GetFloat returns a named parameter, or 0 for unknown names.
func (c *TuningConfig) GetFloat(name string) float64 {
	v, _ := c.Param(name)
	return v
}

// GetInt returns a named integer parameter.
func (c *TuningConfig) GetInt(name string) int {
	v, _ := c.Param(name)
	return int(v)
}
