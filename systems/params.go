// Package systems implements the per-step passes of the automaton:
// affinity, flow, and advection with parameter mixing. Every pass works on
// a Span of destination cells and writes only inside it, so spans can run
// in parallel.
package systems

import (
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/kernel"
)

// Span is a rectangle of destination cells [Row0,Row1) x [Col0,Col1).
type Span struct {
	Row0, Row1 int
	Col0, Col1 int
}

// Rows returns a full-width span over rows [r0, r1).
func Rows(r0, r1, width int) Span {
	return Span{Row0: r0, Row1: r1, Col0: 0, Col1: width}
}

// ParamSource supplies growth and alpha parameters to the passes. It is
// either global (one rule for all cells) or embedded (a rule per cell).
type ParamSource struct {
	grid    *field.ParameterGrid
	beta, n float64
}

// GlobalParams returns a source where growth comes from each stencil and
// alpha from beta and n.
func GlobalParams(beta, n float64) ParamSource {
	return ParamSource{beta: beta, n: n}
}

// EmbeddedParams returns a source reading every cell's own parameters.
func EmbeddedParams(g *field.ParameterGrid) ParamSource {
	return ParamSource{grid: g}
}

// Embedded reports whether parameters are per cell.
func (p ParamSource) Embedded() bool { return p.grid != nil }

// Grid returns the parameter grid, nil in global mode.
func (p ParamSource) Grid() *field.ParameterGrid { return p.grid }

// Growth returns mu, sigma and weight for stencil st at cell i. An
// embedded cell applies its own rule to every kernel.
func (p ParamSource) Growth(st *kernel.Stencil, i int) (mu, sigma, weight float64) {
	if p.grid == nil {
		return st.Growth.Mu, st.Growth.Sigma, st.Growth.Weight
	}
	s := p.grid.Slot(i)
	return s[field.ParamMu], s[field.ParamSigma], s[field.ParamWeight]
}

// Alpha returns beta and n at cell i.
func (p ParamSource) Alpha(i int) (beta, n float64) {
	if p.grid == nil {
		return p.beta, p.n
	}
	s := p.grid.Slot(i)
	return s[field.ParamBeta], s[field.ParamN]
}
