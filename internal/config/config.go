// Package config loads sampler configuration from defaults, an optional YAML
// file and GCMC_-prefixed environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/gcmc-sampler/internal/logging"
	"github.com/signalsfoundry/gcmc-sampler/internal/observability"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GCMC_"

// System kinds.
const (
	KindLatticeGas = "lattice-gas"
	KindFCCVacancy = "fcc-vacancy"
)

// Pair potentials.
const (
	PotentialHard  = "hard-sphere"
	PotentialLJ    = "lennard-jones"
	PotentialIdeal = "ideal"
)

// Insertion geometries. The lattice ones place new particles near
// nearest-neighbour offsets; shell samples a spherical shell.
const (
	GeometryFCC    = "fcc"
	GeometryHCP    = "hcp"
	GeometrySimple = "sc"
	GeometryShell  = "shell"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete sampler configuration.
type Config struct {
	Run          RunConfig          `yaml:"run" envPrefix:"RUN_"`
	System       SystemConfig       `yaml:"system" envPrefix:"SYSTEM_"`
	Insertion    InsertionConfig    `yaml:"insertion" envPrefix:"INSERTION_"`
	Displacement DisplacementConfig `yaml:"displacement" envPrefix:"DISPLACEMENT_"`
	Overlap      OverlapConfig      `yaml:"overlap" envPrefix:"OVERLAP_"`
	Bias         BiasConfig         `yaml:"bias" envPrefix:"BIAS_"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Metrics      MetricsConfig      `yaml:"metrics" envPrefix:"METRICS_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Tracing      TracingConfig      `yaml:"tracing" envPrefix:"TRACING_"`
}

// RunConfig controls the length and seeding of a run.
type RunConfig struct {
	Name               string  `yaml:"name" env:"NAME"`
	Seed               uint64  `yaml:"seed" env:"SEED"`
	Steps              int64   `yaml:"steps" env:"STEPS"`
	EquilibrationSteps int64   `yaml:"equilibration_steps" env:"EQUILIBRATION_STEPS"`
	Temperature        float64 `yaml:"temperature" env:"TEMPERATURE"`
	ReportInterval     int64   `yaml:"report_interval" env:"REPORT_INTERVAL"`
}

// SystemConfig describes the configuration being sampled.
type SystemConfig struct {
	Kind            string  `yaml:"kind" env:"KIND"`
	Sites           int     `yaml:"sites" env:"SITES"`
	Cells           int     `yaml:"cells" env:"CELLS"`
	LatticeConstant float64 `yaml:"lattice_constant" env:"LATTICE_CONSTANT"`
	Vacancies       int     `yaml:"vacancies" env:"VACANCIES"`
	Potential       string  `yaml:"potential" env:"POTENTIAL"`
	Epsilon         float64 `yaml:"epsilon" env:"EPSILON"`
	Sigma           float64 `yaml:"sigma" env:"SIGMA"`
	Cutoff          float64 `yaml:"cutoff" env:"CUTOFF"`
	Shift           bool    `yaml:"shift" env:"SHIFT"`
}

// InsertionConfig configures the insertion/deletion move.
type InsertionConfig struct {
	BetaMu            float64 `yaml:"beta_mu" env:"BETA_MU"`
	MinN              int     `yaml:"min_n" env:"MIN_N"`
	MaxN              int     `yaml:"max_n" env:"MAX_N"`
	Frequency         int     `yaml:"frequency" env:"FREQUENCY"`
	Geometry          string  `yaml:"geometry" env:"GEOMETRY"`
	MaxInsertDistance float64 `yaml:"max_insert_distance" env:"MAX_INSERT_DISTANCE"`
	NeighborCutoff    float64 `yaml:"neighbor_cutoff" env:"NEIGHBOR_CUTOFF"`
	Coordination      int     `yaml:"coordination" env:"COORDINATION"`
	ForcedCheck       bool    `yaml:"forced_check" env:"FORCED_CHECK"`
}

// DisplacementConfig configures the displacement move and its step tuning.
type DisplacementConfig struct {
	Enabled        bool    `yaml:"enabled" env:"ENABLED"`
	Frequency      int     `yaml:"frequency" env:"FREQUENCY"`
	StepSize       float64 `yaml:"step_size" env:"STEP_SIZE"`
	MinStep        float64 `yaml:"min_step" env:"MIN_STEP"`
	MaxStep        float64 `yaml:"max_step" env:"MAX_STEP"`
	AdjustInterval int     `yaml:"adjust_interval" env:"ADJUST_INTERVAL"`
	Target         float64 `yaml:"target" env:"TARGET"`
}

// OverlapConfig sets the ln-bias grid of the overlap listener.
type OverlapConfig struct {
	GridPoints int     `yaml:"grid_points" env:"GRID_POINTS"`
	Center     float64 `yaml:"center" env:"CENTER"`
	Span       float64 `yaml:"span" env:"SPAN"`
}

// BiasConfig configures bias tuning during equilibration.
type BiasConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	Interval     int64   `yaml:"interval" env:"INTERVAL"`
	MaxDeviation float64 `yaml:"max_deviation" env:"MAX_DEVIATION"`
	MaxReweightN int     `yaml:"max_reweight_n" env:"MAX_REWEIGHT_N"`
}

// CheckpointConfig selects where bias tables are persisted. Dir selects the
// YAML file store, SQLitePath the database store; SQLitePath wins when both
// are set.
type CheckpointConfig struct {
	Dir        string `yaml:"dir" env:"DIR"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Resume     bool   `yaml:"resume" env:"RESUME"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Interval int64  `yaml:"interval" env:"INTERVAL"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Exporter    string  `yaml:"exporter" env:"EXPORTER"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns a ten-site lattice gas at βμ = 1.
func Default() Config {
	return Config{
		Run: RunConfig{
			Name:               "default",
			Seed:               1,
			Steps:              200000,
			EquilibrationSteps: 100000,
			Temperature:        1,
			ReportInterval:     50000,
		},
		System: SystemConfig{
			Kind:            KindLatticeGas,
			Sites:           10,
			Cells:           4,
			LatticeConstant: 1,
			Vacancies:       4,
			Potential:       PotentialHard,
			Epsilon:         1,
			Sigma:           0.5,
			Cutoff:          2.5,
			Shift:           true,
		},
		Insertion: InsertionConfig{
			BetaMu:            1,
			MinN:              0,
			MaxN:              -1,
			Frequency:         1,
			Geometry:          GeometryFCC,
			MaxInsertDistance: 0.1,
			NeighborCutoff:    0,
			Coordination:      12,
		},
		Displacement: DisplacementConfig{
			Frequency:      1,
			StepSize:       0.05,
			MinStep:        1e-4,
			MaxStep:        0.5,
			AdjustInterval: 100,
			Target:         0.5,
		},
		Overlap: OverlapConfig{
			GridPoints: 41,
			Center:     0,
			Span:       20,
		},
		Bias: BiasConfig{
			Enabled:      true,
			Interval:     20000,
			MaxDeviation: 5,
		},
		Metrics: MetricsConfig{
			Interval: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Load applies an optional YAML file and environment overrides on top of
// Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Run.Temperature > 0, "run.temperature must be positive, got %v", c.Run.Temperature)
	check(c.Run.Steps >= 0 && c.Run.EquilibrationSteps >= 0, "run steps must be non-negative")
	check(c.Run.ReportInterval >= 0, "run.report_interval must be non-negative")

	switch c.System.Kind {
	case KindLatticeGas:
		check(c.System.Sites > 0, "system.sites must be positive, got %d", c.System.Sites)
	case KindFCCVacancy:
		check(c.System.Cells > 0, "system.cells must be positive, got %d", c.System.Cells)
		check(c.System.Vacancies >= 0 && c.System.Vacancies < 4*c.System.Cells*c.System.Cells*c.System.Cells,
			"system.vacancies %d out of range", c.System.Vacancies)
		check(c.Insertion.Coordination > 0, "insertion.coordination must be positive")
		check(c.Insertion.MaxInsertDistance > 0, "insertion.max_insert_distance must be positive")
		switch c.Insertion.Geometry {
		case GeometryFCC, GeometryHCP, GeometrySimple, GeometryShell:
		default:
			errs = append(errs, fmt.Errorf("insertion.geometry %q unknown", c.Insertion.Geometry))
		}
	default:
		errs = append(errs, fmt.Errorf("system.kind %q unknown", c.System.Kind))
	}
	check(c.System.LatticeConstant > 0, "system.lattice_constant must be positive")
	switch c.System.Potential {
	case PotentialHard, PotentialLJ, PotentialIdeal:
	default:
		errs = append(errs, fmt.Errorf("system.potential %q unknown", c.System.Potential))
	}

	check(c.Insertion.MinN >= 0, "insertion.min_n must be non-negative")
	check(c.Insertion.MaxN < 0 || c.Insertion.MaxN >= c.Insertion.MinN, "insertion range [%d, %d] is empty", c.Insertion.MinN, c.Insertion.MaxN)
	check(c.Insertion.Frequency > 0, "insertion.frequency must be positive")

	if c.Displacement.Enabled {
		d := c.Displacement
		check(d.MinStep > 0 && d.MaxStep >= d.MinStep, "displacement step bounds [%v, %v] invalid", d.MinStep, d.MaxStep)
		check(d.Target > 0 && d.Target < 1, "displacement.target must lie in (0, 1)")
		check(d.AdjustInterval > 0, "displacement.adjust_interval must be positive")
		check(d.Frequency > 0, "displacement.frequency must be positive")
	}

	check(c.Overlap.GridPoints >= 2, "overlap.grid_points must be at least 2")
	check(c.Overlap.Span > 0, "overlap.span must be positive")
	if c.Bias.Enabled {
		check(c.Bias.Interval > 0, "bias.interval must be positive")
		check(c.Bias.MaxDeviation > 0, "bias.max_deviation must be positive")
		check(c.Bias.MaxReweightN >= 0, "bias.max_reweight_n must be non-negative")
	}
	check(c.Metrics.Interval > 0, "metrics.interval must be positive")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must lie in [0, 1]")
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", observability.ExporterStdout, observability.ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q unknown", c.Tracing.Exporter))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// LoggerConfig converts the log section.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// TracerConfig converts the tracing section for the run with the given id.
func (c Config) TracerConfig(runID string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: observability.DefaultServiceName,
		RunID:       runID,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}
