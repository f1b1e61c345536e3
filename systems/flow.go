package systems

import (
	"math"

	"github.com/pthm-cable/flowlenia/field"
)

// Alpha returns clamp((mass/beta)^n, 0, 1). A non-positive beta saturates
// to 1, as does any non-finite intermediate.
func Alpha(mass, beta, n float64) float64 {
	if beta <= 0 {
		return 1
	}
	a := math.Pow(mass/beta, n)
	if math.IsNaN(a) || a > 1 {
		return 1
	}
	if a < 0 {
		return 0
	}
	return a
}

// Flow derives F_c = (1-alpha) grad U_c - alpha grad A_sum with central
// differences.
type Flow struct {
	Boundary field.Boundary
}

// Tile writes s.Flow for every cell in span. It reads s.Sum and s.Affinity
// of neighbouring cells, so the affinity pass must have finished.
func (f *Flow) Tile(s *Scratch, params ParamSource, span Span) {
	w, h := s.Width, s.Height
	n := w * h

	for r := span.Row0; r < span.Row1; r++ {
		up := f.Boundary.Index(r-1, h) * w
		down := f.Boundary.Index(r+1, h) * w
		row := r * w
		for c := span.Col0; c < span.Col1; c++ {
			left := f.Boundary.Index(c-1, w)
			right := f.Boundary.Index(c+1, w)
			i := row + c

			beta, exp := params.Alpha(i)
			alpha := Alpha(s.Sum[i], beta, exp)

			gyA := (s.Sum[down+c] - s.Sum[up+c]) * 0.5
			gxA := (s.Sum[row+right] - s.Sum[row+left]) * 0.5

			for ch := 0; ch < s.Channels; ch++ {
				u := s.Affinity[ch*n : (ch+1)*n]
				gyU := (u[down+c] - u[up+c]) * 0.5
				gxU := (u[row+right] - u[row+left]) * 0.5

				fi := 2 * (ch*n + i)
				s.Flow[fi] = (1-alpha)*gyU - alpha*gyA
				s.Flow[fi+1] = (1-alpha)*gxU - alpha*gxA
			}
		}
	}
}
