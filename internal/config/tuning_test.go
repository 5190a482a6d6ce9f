package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFileMatchesSchema(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	want := DefaultTuningConfig().Flatten()
	got := cfg.Flatten()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults file differs from schema (-schema +file):\n%s", diff)
	}
	for _, p := range Schema {
		_, set := p.get(cfg)
		assert.True(t, set, "%s missing from %s", p.Name, DefaultConfigPath)
	}
	assert.Equal(t, "copter", cfg.GetVehicleClass())
}

func TestSchemaDefaultsInRange(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for _, p := range Schema {
		assert.NoError(t, p.check(p.Default), p.Name)
		assert.False(t, seen[p.Name], "duplicate %s", p.Name)
		seen[p.Name] = true
	}
	assert.Len(t, Names(), len(Schema))
}

func TestLoadTuningConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")
	testJSON := `{
  "vehicle_class": "plane",
  "gps_delay_ms": 120,
  "velne_m_nse": 0.6
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0o644))

	cfg, err := LoadTuningConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "plane", cfg.GetVehicleClass())
	assert.Equal(t, 120, cfg.GetInt("gps_delay_ms"))
	assert.Equal(t, 0.6, cfg.GetFloat("velne_m_nse"))
	assert.Equal(t, 5.0, cfg.GetFloat("pos_i_gate"), "unset fields fall back to defaults")

	_, ok := cfg.Param("no_such_param")
	assert.False(t, ok)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"wrong extension", "cfg.yaml", `{}`},
		{"bad json", "bad.json", `{"gps_delay_ms":`},
		{"out of range", "range.json", `{"vel_i_gate": 50}`},
		{"non integer", "int.json", `{"gps_delay_ms": 1.5}`},
		{"bad vehicle", "veh.json", `{"vehicle_class": "blimp"}`},
		{"no imu", "imu.json", `{"imu_mask": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadTuningConfig(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadTuningConfig(filepath.Join(tmpDir, "missing.json"))
	assert.Error(t, err)
}

func TestFlattenApplyFlat(t *testing.T) {
	t.Parallel()
	src := DefaultTuningConfig()
	require.NoError(t, src.ApplyFlat(map[string]float64{"mag_i_gate": 4, "rng_use_hgt": 50}))

	dst := EmptyTuningConfig()
	require.NoError(t, dst.ApplyFlat(src.Flatten()))
	if diff := cmp.Diff(src.Flatten(), dst.Flatten()); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}

	err := dst.ApplyFlat(map[string]float64{"mag_i_gate": 2, "bogus": 1})
	assert.Error(t, err)
	assert.Equal(t, 4.0, dst.GetFloat("mag_i_gate"), "rejected batch leaves config unchanged")
}

func TestSetLive(t *testing.T) {
	t.Parallel()
	cfg := DefaultTuningConfig()
	require.NoError(t, cfg.SetLive("pos_i_gate", 7))
	assert.Equal(t, 7.0, cfg.GetFloat("pos_i_gate"))

	err := cfg.SetLive("gps_delay_ms", 100)
	assert.True(t, errors.Is(err, ErrNotLive))
	assert.Error(t, cfg.SetLive("pos_i_gate", 100))
	assert.Error(t, cfg.SetLive("nope", 1))
}
