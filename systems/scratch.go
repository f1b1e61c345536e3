package systems

// Scratch holds the per-step derived fields. They are recomputed every step
// and never leave the backend that owns them.
type Scratch struct {
	Width, Height, Channels int

	Sum      []float64   // total mass per cell across channels
	Affinity []float64   // U, channel-major like field.MassField
	Flow     []float64   // F as (row, col) pairs, channel-major
	Conv     [][]float64 // per-stencil correlations, fft mode only
}

// NewScratch allocates scratch fields for a channels x w x h grid. conv
// buffers are allocated only when stencils > 0.
func NewScratch(channels, w, h, stencils int) *Scratch {
	n := w * h
	s := &Scratch{
		Width:    w,
		Height:   h,
		Channels: channels,
		Sum:      make([]float64, n),
		Affinity: make([]float64, channels*n),
		Flow:     make([]float64, 2*channels*n),
	}
	if stencils > 0 {
		s.Conv = make([][]float64, stencils)
		for k := range s.Conv {
			s.Conv[k] = make([]float64, n)
		}
	}
	return s
}
