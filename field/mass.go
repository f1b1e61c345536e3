package field

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// MassField is the conserved quantity of the automaton: one non-negative
// value per (channel, row, column), stored channel-major then row-major.
type MassField struct {
	Channels, Width, Height int
	Data                    []float64
}

// NewMassField allocates a zeroed field.
func NewMassField(channels, w, h int) *MassField {
	return &MassField{
		Channels: channels,
		Width:    w,
		Height:   h,
		Data:     make([]float64, channels*w*h),
	}
}

// Cells returns the number of cells per channel.
func (m *MassField) Cells() int { return m.Width * m.Height }

// Index returns the slice index for (channel, row, col).
func (m *MassField) Index(c, row, col int) int {
	return c*m.Width*m.Height + row*m.Width + col
}

// At returns the mass at (channel, row, col).
func (m *MassField) At(c, row, col int) float64 { return m.Data[m.Index(c, row, col)] }

// Set writes the mass at (channel, row, col).
func (m *MassField) Set(c, row, col int, v float64) { m.Data[m.Index(c, row, col)] = v }

// Channel exposes the backing slice of one channel.
func (m *MassField) Channel(c int) []float64 {
	n := m.Width * m.Height
	return m.Data[c*n : (c+1)*n]
}

// Total returns the mass summed over all channels and cells.
func (m *MassField) Total() float64 {
	return floats.Sum(m.Data)
}

// ChannelTotals returns the mass per channel.
func (m *MassField) ChannelTotals() []float64 {
	out := make([]float64, m.Channels)
	for c := range out {
		out[c] = floats.Sum(m.Channel(c))
	}
	return out
}

// SumInto writes the per-cell mass summed over channels into dst.
func (m *MassField) SumInto(dst []float64) []float64 {
	n := m.Cells()
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	copy(dst, m.Channel(0))
	for c := 1; c < m.Channels; c++ {
		floats.Add(dst, m.Channel(c))
	}
	return dst
}

// CellMass returns the mass of cell i summed over channels.
func (m *MassField) CellMass(i int) float64 {
	n := m.Cells()
	var s float64
	for c := 0; c < m.Channels; c++ {
		s += m.Data[c*n+i]
	}
	return s
}

// Clear zeroes the field.
func (m *MassField) Clear() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Clone returns a deep copy.
func (m *MassField) Clone() *MassField {
	c := &MassField{Channels: m.Channels, Width: m.Width, Height: m.Height, Data: make([]float64, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// CopyFrom copies src into m. Shapes must match.
func (m *MassField) CopyFrom(src *MassField) {
	if m.Channels != src.Channels || m.Width != src.Width || m.Height != src.Height {
		panic(fmt.Sprintf("field: mass field shape mismatch %dx%dx%d vs %dx%dx%d",
			m.Channels, m.Height, m.Width, src.Channels, src.Height, src.Width))
	}
	copy(m.Data, src.Data)
}
