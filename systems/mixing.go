package systems

import (
	"math"

	"github.com/pthm-cable/flowlenia/field"
)

// Contribution is the mass one source deposits into a destination along
// with the source's parameters.
type Contribution struct {
	Mass   float64
	Params []float64 // slot-ordered, borrowed from the source grid
}

// Mixer combines incoming parameter vectors into a destination cell.
type Mixer struct {
	Softmax     bool    // false selects linear mixing
	Temperature float64 // softmax only, > 0
}

// Weights fills w (len(cs)) with the mixing weight of every contribution.
// It returns false when no contribution carries mass.
func (m Mixer) Weights(w []float64, cs []Contribution) bool {
	var total, peak float64
	for _, c := range cs {
		total += c.Mass
		if c.Mass > peak {
			peak = c.Mass
		}
	}
	if !(total > 0) {
		return false
	}

	if !m.Softmax {
		for i, c := range cs {
			w[i] = c.Mass / total
		}
		return true
	}

	// Shifting by the peak keeps the largest exponent at 0.
	var z float64
	for i, c := range cs {
		w[i] = math.Exp((c.Mass - peak) / m.Temperature)
		z += w[i]
	}
	for i := range cs {
		w[i] /= z
	}
	return true
}

// Mix writes the combined parameters of cs into dst. With no massive
// contribution dst receives prev. Results are clamped to the contributors'
// range so rounding cannot leave the convex hull.
func (m Mixer) Mix(dst, prev []float64, cs []Contribution, w []float64) {
	if len(cs) == 0 || !m.Weights(w, cs) {
		copy(dst, prev)
		return
	}
	for p := 0; p < field.NumParams; p++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		var v float64
		for i, c := range cs {
			x := c.Params[p]
			v += w[i] * x
			lo = min(lo, x)
			hi = max(hi, x)
		}
		dst[p] = min(max(v, lo), hi)
	}
}

// Gather is per-worker storage for one destination's contributions.
type Gather struct {
	Contribs []Contribution
	Weights  []float64
}

// NewGather sizes a Gather for a gather radius.
func NewGather(radius int) *Gather {
	n := (2*radius + 1) * (2*radius + 1)
	return &Gather{
		Contribs: make([]Contribution, 0, n),
		Weights:  make([]float64, n),
	}
}
