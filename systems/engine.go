package systems

import (
	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/kernel"
)

// Engine bundles the three passes configured for one simulation. It is
// immutable after construction and shared by every worker.
type Engine struct {
	Affinity  Affinity
	Flow      Flow
	Advection Advection

	embedded bool
	beta, n  float64
}

// NewEngine wires the passes from cfg and prebuilt stencils.
func NewEngine(cfg *config.Config, stencils []kernel.Stencil) *Engine {
	b := cfg.Derived.Boundary
	e := &Engine{
		Affinity: Affinity{Stencils: stencils, Boundary: b},
		Flow:     Flow{Boundary: b},
		Advection: Advection{
			Boundary:        b,
			DT:              cfg.Physics.DT,
			Spread:          cfg.Physics.Spread,
			MaxDisplacement: cfg.Derived.MaxDisplacement,
			Radius:          cfg.Physics.GatherRadius,
		},
		embedded: cfg.Embedding.Enabled,
		beta:     cfg.Physics.Beta,
		n:        cfg.Physics.N,
	}
	if e.embedded {
		e.Advection.Mixer = &Mixer{
			Softmax:     cfg.Derived.Softmax,
			Temperature: cfg.Embedding.MixingTemperature,
		}
	}
	return e
}

// Embedded reports whether the engine expects a parameter grid.
func (e *Engine) Embedded() bool { return e.embedded }

// Params returns the parameter source for the current grid. grid is
// ignored in global mode.
func (e *Engine) Params(grid *field.ParameterGrid) ParamSource {
	if e.embedded && grid != nil {
		return EmbeddedParams(grid)
	}
	return GlobalParams(e.beta, e.n)
}
