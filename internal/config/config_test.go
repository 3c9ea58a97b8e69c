package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcmc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
run:
  name: vacancy
  seed: 99
  temperature: 0.8
system:
  kind: fcc-vacancy
  cells: 3
  vacancies: 5
  potential: lennard-jones
  lattice_constant: 1.6
insertion:
  beta_mu: -2.5
  geometry: hcp
  coordination: 12
displacement:
  enabled: true
`)
	t.Setenv("GCMC_RUN_SEED", "7")
	t.Setenv("GCMC_INSERTION_BETA_MU", "-3")
	t.Setenv("GCMC_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "vacancy", cfg.Run.Name)
	require.Equal(t, uint64(7), cfg.Run.Seed)
	require.Equal(t, 0.8, cfg.Run.Temperature)
	require.Equal(t, KindFCCVacancy, cfg.System.Kind)
	require.Equal(t, 3, cfg.System.Cells)
	require.Equal(t, -3.0, cfg.Insertion.BetaMu)
	require.Equal(t, GeometryHCP, cfg.Insertion.Geometry)
	require.True(t, cfg.Displacement.Enabled)
	require.True(t, cfg.TracerConfig("r1").Enabled)
	// Untouched settings keep their defaults.
	require.Equal(t, Default().Overlap, cfg.Overlap)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "run:\n  sede: 3\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("GCMC_RUN_STEPS", "many")
	_, err := Load("")
	require.ErrorContains(t, err, "parse env")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Run.Temperature = 0
	cfg.System.Kind = "spin-glass"
	cfg.Insertion.MinN, cfg.Insertion.MaxN = 5, 2
	cfg.Overlap.GridPoints = 1

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"run.temperature", "system.kind", "insertion range", "overlap.grid_points"} {
		require.ErrorContains(t, err, want)
	}
}

func TestValidateVacancySystem(t *testing.T) {
	cfg := Default()
	cfg.System.Kind = KindFCCVacancy
	cfg.System.Cells = 2
	cfg.System.Vacancies = 32
	cfg.Insertion.Geometry = "cubic"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorContains(t, err, "system.vacancies")
	require.ErrorContains(t, err, "insertion.geometry")
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	require.Equal(t, "debug", cfg.LoggerConfig().Level)
	require.Equal(t, "json", cfg.LoggerConfig().Format)
	require.Equal(t, "stdout", cfg.TracerConfig("r1").Exporter)
}
