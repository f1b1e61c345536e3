// Package kernel builds the convolution stencils of a simulation.
package kernel

import (
	"fmt"
	"math"

	"github.com/pthm-cable/flowlenia/config"
)

// defaultRingWidth is used when a ring kernel lists fewer widths than rings.
const defaultRingWidth = 0.15

// Tap is one stencil coefficient at a cell offset.
type Tap struct {
	DR, DC int
	W      float64
}

// Growth is the global growth rule of one kernel term.
type Growth struct {
	Mu     float64
	Sigma  float64
	Weight float64
}

// Stencil is an immutable convolution term: the Source channel is
// correlated with Taps and the growth of the result is added to the
// affinity of Target. Tap weights sum to 1.
type Stencil struct {
	Source int
	Target int
	Radius int
	Taps   []Tap
	Growth Growth
}

// Build constructs one stencil per configured kernel. Failures wrap
// config.ErrConfig.
func Build(cfg *config.Config) ([]Stencil, error) {
	out := make([]Stencil, 0, len(cfg.Kernels))
	for i, kc := range cfg.Kernels {
		st, err := build(kc, cfg.Grid.Channels)
		if err != nil {
			return nil, fmt.Errorf("kernels[%d]: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func build(kc config.KernelConfig, channels int) (Stencil, error) {
	if kc.Radius <= 0 {
		return Stencil{}, fmt.Errorf("%w: radius must be positive, got %d", config.ErrConfig, kc.Radius)
	}
	if kc.Source < 0 || kc.Source >= channels || kc.Target < 0 || kc.Target >= channels {
		return Stencil{}, fmt.Errorf("%w: channels %d->%d out of range", config.ErrConfig, kc.Source, kc.Target)
	}

	shape, err := shapeFunc(kc)
	if err != nil {
		return Stencil{}, err
	}

	r := kc.Radius
	taps := make([]Tap, 0, (2*r+1)*(2*r+1))
	var total float64
	for dr := -r; dr <= r; dr++ {
		for dc := -r; dc <= r; dc++ {
			d := math.Hypot(float64(dr), float64(dc)) / float64(r)
			if d > 1 {
				continue
			}
			w := shape(d)
			if w <= 0 || math.IsNaN(w) {
				continue
			}
			taps = append(taps, Tap{DR: dr, DC: dc, W: w})
			total += w
		}
	}
	if total <= 0 || math.IsInf(total, 0) {
		return Stencil{}, fmt.Errorf("%w: kernel has zero total weight", config.ErrConfig)
	}
	for i := range taps {
		taps[i].W /= total
	}

	return Stencil{
		Source: kc.Source,
		Target: kc.Target,
		Radius: r,
		Taps:   taps,
		Growth: Growth{Mu: kc.Growth.Mu, Sigma: kc.Growth.Sigma, Weight: kc.Growth.Weight},
	}, nil
}

// shapeFunc returns the radial profile K(d) for d in [0, 1].
func shapeFunc(kc config.KernelConfig) (func(d float64) float64, error) {
	switch kc.Shape {
	case "uniform":
		return func(float64) float64 { return 1 }, nil
	case "ring", "":
	default:
		return nil, fmt.Errorf("%w: unknown shape %q", config.ErrConfig, kc.Shape)
	}

	b := kc.Rings
	if len(b) == 0 {
		b = []float64{1}
	}
	a := make([]float64, len(b))
	w := make([]float64, len(b))
	for i := range b {
		a[i] = (float64(i) + 0.5) / float64(len(b))
		if i < len(kc.Centers) {
			a[i] = kc.Centers[i]
		}
		w[i] = defaultRingWidth
		if i < len(kc.Widths) && kc.Widths[i] > 0 {
			w[i] = kc.Widths[i]
		}
	}

	return func(d float64) float64 {
		var k float64
		for i := range b {
			x := d - a[i]
			k += b[i] * math.Exp(-x*x/(2*w[i]*w[i]))
		}
		return k
	}, nil
}

// Dense lays the stencil out on a periodic w x h grid so that
// dense[(dr mod h)*w + (dc mod w)] holds the tap weight. Taps that alias on
// small grids are summed.
func (s *Stencil) Dense(w, h int) []float64 {
	out := make([]float64, w*h)
	for _, t := range s.Taps {
		r := ((t.DR % h) + h) % h
		c := ((t.DC % w) + w) % w
		out[r*w+c] += t.W
	}
	return out
}
