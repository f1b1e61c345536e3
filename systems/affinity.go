package systems

import (
	"math"

	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/kernel"
)

// minSigma keeps the growth function finite for degenerate widths.
const minSigma = 1e-9

// Growth is the Lenia growth function 2*exp(-(u-mu)^2/(2 sigma^2)) - 1,
// ranging over [-1, 1].
func Growth(u, mu, sigma float64) float64 {
	if sigma < minSigma {
		sigma = minSigma
	}
	d := u - mu
	return 2*math.Exp(-d*d/(2*sigma*sigma)) - 1
}

// Affinity computes U(x) = sum_k w(x) * G(K_k * A_src(x); mu(x), sigma(x))
// together with the per-cell mass sum used by the flow pass.
type Affinity struct {
	Stencils []kernel.Stencil
	Boundary field.Boundary
}

// Tile writes s.Sum and s.Affinity for every cell in span. When conv is
// non-nil it must hold the precomputed correlation of each stencil and
// the direct sum is skipped.
func (a *Affinity) Tile(s *Scratch, mass *field.MassField, params ParamSource, conv [][]float64, span Span) {
	w, h := mass.Width, mass.Height
	n := w * h

	for r := span.Row0; r < span.Row1; r++ {
		for c := span.Col0; c < span.Col1; c++ {
			i := r*w + c

			var sum float64
			for ch := 0; ch < mass.Channels; ch++ {
				sum += mass.Data[ch*n+i]
				s.Affinity[ch*n+i] = 0
			}
			s.Sum[i] = sum

			for k := range a.Stencils {
				st := &a.Stencils[k]
				var u float64
				if conv != nil {
					u = conv[k][i]
				} else {
					u = a.correlate(st, mass.Data[st.Source*n:(st.Source+1)*n], w, h, r, c)
				}
				mu, sigma, weight := params.Growth(st, i)
				s.Affinity[st.Target*n+i] += weight * Growth(u, mu, sigma)
			}
		}
	}
}

// Prepare fills conv with the frequency-domain correlation of every
// stencil against its source channel.
func (a *Affinity) Prepare(f *kernel.FFT, conv [][]float64, mass *field.MassField) {
	for k := range a.Stencils {
		f.Correlate(conv[k], mass.Channel(a.Stencils[k].Source), k)
	}
}

// correlate returns sum_taps W * src(r+DR, c+DC) through the boundary.
func (a *Affinity) correlate(st *kernel.Stencil, src []float64, w, h, r, c int) float64 {
	rad := st.Radius
	var u float64
	if r-rad >= 0 && r+rad < h && c-rad >= 0 && c+rad < w {
		for _, t := range st.Taps {
			u += t.W * src[(r+t.DR)*w+c+t.DC]
		}
		return u
	}
	for _, t := range st.Taps {
		rr := a.Boundary.Index(r+t.DR, h)
		cc := a.Boundary.Index(c+t.DC, w)
		u += t.W * src[rr*w+cc]
	}
	return u
}
