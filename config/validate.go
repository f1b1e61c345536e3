package config

import (
	"math"

	"github.com/pthm-cable/flowlenia/field"
)

// Validate checks the configuration for semantic errors. Every failure
// wraps ErrConfig.
func (c *Config) Validate() error {
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		return configErrorf("grid dimensions must be positive, got %dx%d", c.Grid.Width, c.Grid.Height)
	}
	if c.Grid.Channels <= 0 {
		return configErrorf("grid.channels must be positive, got %d", c.Grid.Channels)
	}

	p := c.Physics
	if !finitePositive(p.DT) {
		return configErrorf("physics.dt must be positive, got %v", p.DT)
	}
	boundary, err := field.ParseBoundary(p.Boundary)
	if err != nil {
		return configErrorf("physics.boundary: %v", err)
	}
	if p.GatherRadius < 1 {
		return configErrorf("physics.gather_radius must be at least 1, got %d", p.GatherRadius)
	}
	if !finitePositive(p.Spread) || p.Spread >= float64(p.GatherRadius)+0.5 {
		return configErrorf("physics.spread must be in (0, gather_radius+0.5), got %v", p.Spread)
	}
	if p.Beta < 0 || math.IsNaN(p.Beta) || p.N < 0 || math.IsNaN(p.N) {
		return configErrorf("physics.beta and physics.n must be non-negative, got %v, %v", p.Beta, p.N)
	}

	if len(c.Kernels) == 0 {
		return configErrorf("at least one kernel is required")
	}
	for i, k := range c.Kernels {
		if k.Radius <= 0 {
			return configErrorf("kernels[%d].radius must be positive, got %d", i, k.Radius)
		}
		if k.Source < 0 || k.Source >= c.Grid.Channels || k.Target < 0 || k.Target >= c.Grid.Channels {
			return configErrorf("kernels[%d] channels %d->%d out of range [0,%d)", i, k.Source, k.Target, c.Grid.Channels)
		}
		if k.Shape != "ring" && k.Shape != "uniform" {
			return configErrorf("kernels[%d].shape %q (want ring or uniform)", i, k.Shape)
		}
		if !finitePositive(k.Growth.Sigma) {
			return configErrorf("kernels[%d].growth.sigma must be positive, got %v", i, k.Growth.Sigma)
		}
		if k.Growth.Weight == 0 || math.IsNaN(k.Growth.Weight) || math.IsInf(k.Growth.Weight, 0) {
			return configErrorf("kernels[%d].growth.weight must be non-zero and finite, got %v", i, k.Growth.Weight)
		}
	}

	e := c.Embedding
	if e.Enabled && !e.LinearMixing && !finitePositive(e.MixingTemperature) {
		return configErrorf("embedding.mixing_temperature must be > 0, got %v", e.MixingTemperature)
	}
	for i, r := range e.Bounds.Slot() {
		if r[0] > r[1] || math.IsNaN(r[0]) || math.IsNaN(r[1]) {
			return configErrorf("embedding.bounds.%s is empty: [%v, %v]", field.ParamNames[i], r[0], r[1])
		}
	}

	b := c.Backend
	switch b.Kind {
	case "cpu", "gpu":
	default:
		return configErrorf("backend.kind %q (want cpu or gpu)", b.Kind)
	}
	switch b.Device {
	case "software", "raylib":
	default:
		return configErrorf("backend.device %q (want software or raylib)", b.Device)
	}
	if b.Workers < 0 || b.Workgroup <= 0 {
		return configErrorf("backend.workers must be >= 0 and backend.workgroup > 0")
	}
	switch b.ConvMode {
	case "auto", "direct":
	case "fft":
		if e.Enabled {
			return configErrorf("backend.conv_mode fft is not valid with embedding: per-cell parameters need direct convolution")
		}
		if boundary != field.Wrap {
			return configErrorf("backend.conv_mode fft requires wrap boundary")
		}
		if b.Kind != "cpu" {
			return configErrorf("backend.conv_mode fft is only available on the cpu backend")
		}
	default:
		return configErrorf("backend.conv_mode %q (want auto, direct or fft)", b.ConvMode)
	}

	if c.Telemetry.StatsEvery < 0 || c.Telemetry.PerfWindow < 0 {
		return configErrorf("telemetry intervals must be non-negative")
	}
	return nil
}

// CheckParams reports an ErrSeed if p lies outside the declared bounds.
func (c *Config) CheckParams(p field.CellParams) error {
	bounds := c.Embedding.Bounds.Slot()
	for i, v := range p.Slot() {
		if math.IsNaN(v) || !bounds[i].Contains(v) {
			return seedErrorf("parameter %s=%v outside bounds [%v, %v]", field.ParamNames[i], v, bounds[i][0], bounds[i][1])
		}
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
