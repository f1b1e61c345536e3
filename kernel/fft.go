package kernel

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT correlates periodic fields with a fixed set of stencils in the
// frequency domain. It is only valid for global parameters on a wrapping
// grid. An FFT holds work buffers and is not safe for concurrent use.
type FFT struct {
	width, height int

	rows, cols *fourier.CmplxFFT
	spectra    [][]complex128 // conj(FFT(kernel)) per stencil, scaled

	grid         []complex128
	line, lineTo []complex128
}

// NewFFT precomputes the spectra of stencils on a w x h torus.
func NewFFT(w, h int, stencils []Stencil) *FFT {
	f := &FFT{
		width:   w,
		height:  h,
		rows:    fourier.NewCmplxFFT(w),
		cols:    fourier.NewCmplxFFT(h),
		spectra: make([][]complex128, len(stencils)),
		grid:    make([]complex128, w*h),
		line:    make([]complex128, max(w, h)),
		lineTo:  make([]complex128, max(w, h)),
	}

	// The inverse transform may or may not normalize; measure it once.
	scale := 1 / (inverseGain(f.rows) * inverseGain(f.cols))

	for k := range stencils {
		dense := stencils[k].Dense(w, h)
		for i, v := range dense {
			f.grid[i] = complex(v, 0)
		}
		f.forward()
		spec := make([]complex128, w*h)
		for i, v := range f.grid {
			re, im := real(v), imag(v)
			spec[i] = complex(re*scale, -im*scale)
		}
		f.spectra[k] = spec
	}
	return f
}

// inverseGain returns the value Sequence(Coefficients(delta))[0].
func inverseGain(t *fourier.CmplxFFT) float64 {
	n := t.Len()
	delta := make([]complex128, n)
	delta[0] = 1
	coeff := t.Coefficients(nil, delta)
	seq := t.Sequence(nil, coeff)
	return real(seq[0])
}

// Correlate writes dst[x] = sum_o K_k(o) * src[x+o] with periodic indices.
func (f *FFT) Correlate(dst, src []float64, k int) {
	for i, v := range src {
		f.grid[i] = complex(v, 0)
	}
	f.forward()
	spec := f.spectra[k]
	for i := range f.grid {
		f.grid[i] *= spec[i]
	}
	f.inverse()
	for i, v := range f.grid {
		dst[i] = real(v)
	}
}

func (f *FFT) forward() {
	f.transform(func(t *fourier.CmplxFFT, dst, src []complex128) { t.Coefficients(dst, src) })
}

func (f *FFT) inverse() {
	f.transform(func(t *fourier.CmplxFFT, dst, src []complex128) { t.Sequence(dst, src) })
}

// transform applies op along rows then columns of f.grid in place.
func (f *FFT) transform(op func(t *fourier.CmplxFFT, dst, src []complex128)) {
	w, h := f.width, f.height

	// Rows are contiguous
	to := f.lineTo[:w]
	for r := 0; r < h; r++ {
		row := f.grid[r*w : (r+1)*w]
		op(f.rows, to, row)
		copy(row, to)
	}

	// Columns are strided
	col := f.line[:h]
	to = f.lineTo[:h]
	for c := 0; c < w; c++ {
		for r := 0; r < h; r++ {
			col[r] = f.grid[r*w+c]
		}
		op(f.cols, to, col)
		for r := 0; r < h; r++ {
			f.grid[r*w+c] = to[r]
		}
	}
}
