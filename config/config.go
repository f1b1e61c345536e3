// Package config provides configuration and seed loading for the simulation.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/flowlenia/field"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters. A Config is
// treated as immutable once handed to a propagator.
type Config struct {
	Grid      GridConfig      `yaml:"grid"`
	Physics   PhysicsConfig   `yaml:"physics"`
	Kernels   []KernelConfig  `yaml:"kernels"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Backend   BackendConfig   `yaml:"backend"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// GridConfig holds grid dimensions.
type GridConfig struct {
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	Channels int `yaml:"channels"`
}

// PhysicsConfig holds integration and transport parameters.
type PhysicsConfig struct {
	DT           float64 `yaml:"dt"`
	Boundary     string  `yaml:"boundary"`      // wrap | clamp
	Spread       float64 `yaml:"spread"`        // deposit footprint half-width in cells
	GatherRadius int     `yaml:"gather_radius"` // source search radius for the advection gather
	Beta         float64 `yaml:"beta"`          // critical mass (global mode)
	N            float64 `yaml:"n"`             // alpha exponent (global mode)
}

// KernelConfig describes one convolution term k.
type KernelConfig struct {
	Source  int          `yaml:"source"`  // channel convolved
	Target  int          `yaml:"target"`  // channel whose affinity receives the growth
	Radius  int          `yaml:"radius"`  // in cells
	Shape   string       `yaml:"shape"`   // ring | uniform
	Rings   []float64    `yaml:"rings"`   // ring heights (b)
	Centers []float64    `yaml:"centers"` // ring centers as fraction of radius (a)
	Widths  []float64    `yaml:"widths"`  // ring widths as fraction of radius (w)
	Growth  GrowthConfig `yaml:"growth"`
}

// GrowthConfig is the global growth rule of one kernel.
type GrowthConfig struct {
	Mu     float64 `yaml:"mu"`
	Sigma  float64 `yaml:"sigma"`
	Weight float64 `yaml:"weight"`
}

// UnmarshalYAML presets growth sigma and weight so that only keys missing
// from the document take defaults. An explicit zero survives to Validate.
func (k *KernelConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain KernelConfig
	def := field.DefaultCellParams()
	p := plain{Growth: GrowthConfig{Sigma: def.Sigma, Weight: def.Weight}}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*k = KernelConfig(p)
	return nil
}

// EmbeddingConfig controls per-cell parameters and their mixing.
type EmbeddingConfig struct {
	Enabled           bool        `yaml:"enabled"`
	MixingTemperature float64     `yaml:"mixing_temperature"`
	LinearMixing      bool        `yaml:"linear_mixing"` // overrides softmax when true
	Bounds            ParamBounds `yaml:"bounds"`
}

// Range is an inclusive [lo, hi] interval.
type Range [2]float64

// Contains reports whether v lies in the range.
func (r Range) Contains(v float64) bool { return v >= r[0] && v <= r[1] }

// ParamBounds declares the valid interval of every embedded parameter.
type ParamBounds struct {
	Mu     Range `yaml:"mu"`
	Sigma  Range `yaml:"sigma"`
	Weight Range `yaml:"weight"`
	Beta   Range `yaml:"beta"`
	N      Range `yaml:"n"`
}

// Slot returns the bounds in field slot order.
func (b ParamBounds) Slot() [field.NumParams]Range {
	return [field.NumParams]Range{b.Mu, b.Sigma, b.Weight, b.Beta, b.N}
}

// BackendConfig selects the execution backend.
type BackendConfig struct {
	Kind      string `yaml:"kind"`      // cpu | gpu
	Device    string `yaml:"device"`    // software | raylib
	Workers   int    `yaml:"workers"`   // 0 = GOMAXPROCS
	Workgroup int    `yaml:"workgroup"` // dispatch tile edge
	ConvMode  string `yaml:"conv_mode"` // auto | direct | fft
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsEvery int `yaml:"stats_every"`
	PerfWindow int `yaml:"perf_window"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Boundary        field.Boundary
	MaxDisplacement float64          // per-axis clamp on dt*F
	UseFFT          bool             // resolved convolution mode
	Softmax         bool             // softmax mixing (false = linear)
	DefaultParams   field.CellParams // rule for cells a seed leaves unset
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays data on the embedded defaults, computes derived values and
// validates the result. Empty data yields the defaults.
func Parse(data []byte) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if len(data) > 0 {
		// Unmarshal into same struct - only overwrites fields present in data
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, configErrorf("parsing config: %v", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills defaults, computes derived values and validates. Call it
// after editing a Config in code.
func (c *Config) Finalize() error {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	c.computeDerived()
	return nil
}

// applyDefaults fills fields that user kernel lists leave at zero.
func (c *Config) applyDefaults() {
	for i := range c.Kernels {
		k := &c.Kernels[i]
		if k.Shape == "" {
			k.Shape = "ring"
		}
		if k.Shape == "ring" && len(k.Rings) == 0 {
			k.Rings = []float64{1}
		}
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "cpu"
	}
	if c.Backend.Device == "" {
		c.Backend.Device = "software"
	}
	if c.Backend.ConvMode == "" {
		c.Backend.ConvMode = "auto"
	}
	if c.Backend.Workgroup == 0 {
		c.Backend.Workgroup = 16
	}
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.Boundary, _ = field.ParseBoundary(c.Physics.Boundary)
	c.Derived.MaxDisplacement = float64(c.Physics.GatherRadius) + 0.5 - c.Physics.Spread

	switch c.Backend.ConvMode {
	case "fft":
		c.Derived.UseFFT = true
	case "direct":
		c.Derived.UseFFT = false
	default:
		c.Derived.UseFFT = !c.Embedding.Enabled && c.Derived.Boundary == field.Wrap && c.Backend.Kind == "cpu"
	}
	c.Derived.Softmax = !c.Embedding.LinearMixing

	g := c.Kernels[0].Growth
	c.Derived.DefaultParams = field.CellParams{
		Mu:     g.Mu,
		Sigma:  g.Sigma,
		Weight: g.Weight,
		Beta:   c.Physics.Beta,
		N:      c.Physics.N,
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Kernels = make([]KernelConfig, len(c.Kernels))
	for i, k := range c.Kernels {
		k.Rings = append([]float64(nil), k.Rings...)
		k.Centers = append([]float64(nil), k.Centers...)
		k.Widths = append([]float64(nil), k.Widths...)
		out.Kernels[i] = k
	}
	return &out
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
