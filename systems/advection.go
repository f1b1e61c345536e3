package systems

import (
	"math"

	"github.com/pthm-cable/flowlenia/field"
)

// Advection moves mass along the flow field. Each source deposits into the
// cells overlapped by a square footprint of half-width Spread centred at
// x + clamp(DT*F). The pass is written as a gather: every destination scans
// the sources within Radius and sums their overlap with itself, so workers
// never write outside their own span.
type Advection struct {
	Boundary        field.Boundary
	DT              float64
	Spread          float64
	MaxDisplacement float64 // per-axis; must not exceed Radius + 0.5 - Spread
	Radius          int

	// Mixer is nil when parameters are global.
	Mixer *Mixer
}

// Tile computes dst (and dstParams when mixing) for every cell in span.
// src, srcParams and flow are read only.
func (a *Advection) Tile(
	dst *field.MassField, dstParams *field.ParameterGrid,
	src *field.MassField, srcParams *field.ParameterGrid,
	flow []float64, span Span, g *Gather,
) {
	w, h := src.Width, src.Height
	n := w * h
	s := a.Spread
	norm := 1 / (4 * s * s)
	rad := a.Radius
	mixing := a.Mixer != nil && srcParams != nil

	for r := span.Row0; r < span.Row1; r++ {
		loY, hiY := a.cellExtent(r, h)
		for c := span.Col0; c < span.Col1; c++ {
			loX, hiX := a.cellExtent(c, w)
			di := r*w + c
			for ch := 0; ch < src.Channels; ch++ {
				dst.Data[ch*n+di] = 0
			}
			g.Contribs = g.Contribs[:0]

			for dr := -rad; dr <= rad; dr++ {
				sr := r + dr
				if a.Boundary == field.Clamp && (sr < 0 || sr >= h) {
					continue
				}
				sr = a.Boundary.Index(sr, h)

				for dc := -rad; dc <= rad; dc++ {
					sc := c + dc
					if a.Boundary == field.Clamp && (sc < 0 || sc >= w) {
						continue
					}
					sc = a.Boundary.Index(sc, w)
					si := sr*w + sc

					var moved float64
					for ch := 0; ch < src.Channels; ch++ {
						m := src.Data[ch*n+si]
						if m == 0 {
							continue
						}
						fi := 2 * (ch*n + si)
						cy := float64(dr) + a.displace(flow[fi])
						oy := overlap(loY, hiY, cy-s, cy+s)
						if oy == 0 {
							continue
						}
						cx := float64(dc) + a.displace(flow[fi+1])
						ox := overlap(loX, hiX, cx-s, cx+s)
						if ox == 0 {
							continue
						}
						part := m * oy * ox * norm
						dst.Data[ch*n+di] += part
						moved += part
					}

					if mixing && moved > 0 {
						g.Contribs = append(g.Contribs, Contribution{Mass: moved, Params: srcParams.Slot(si)})
					}
				}
			}

			if mixing {
				if len(g.Weights) < len(g.Contribs) {
					g.Weights = make([]float64, len(g.Contribs))
				}
				a.Mixer.Mix(dstParams.Slot(di), srcParams.Slot(di), g.Contribs, g.Weights)
			}
		}
	}
}

// displace converts a flow component into a clamped cell displacement.
func (a *Advection) displace(f float64) float64 {
	d := a.DT * f
	if math.IsNaN(d) {
		return 0
	}
	return min(max(d, -a.MaxDisplacement), a.MaxDisplacement)
}

// cellExtent returns the interval covered by cell i relative to its centre.
// Under clamp, edge cells extend to infinity so mass pushed past the border
// lands on the edge.
func (a *Advection) cellExtent(i, n int) (lo, hi float64) {
	lo, hi = -0.5, 0.5
	if a.Boundary == field.Clamp {
		if i == 0 {
			lo = math.Inf(-1)
		}
		if i == n-1 {
			hi = math.Inf(1)
		}
	}
	return lo, hi
}

// overlap returns the length of [lo,hi] ∩ [a,b].
func overlap(lo, hi, a, b float64) float64 {
	v := min(hi, b) - max(lo, a)
	if v <= 0 {
		return 0
	}
	return v
}
