// Package field holds the grid state of the automaton: per-channel mass,
// the per-cell parameter embedding and the boundary policy shared by every
// engine that reads neighbouring cells.
package field

import "fmt"

// NumParams is the number of float64 slots one CellParams occupies in a
// ParameterGrid.
const NumParams = 5

// Offsets of each parameter within a cell's slot.
const (
	ParamMu = iota
	ParamSigma
	ParamWeight
	ParamBeta
	ParamN
)

// ParamNames lists parameter names in slot order.
var ParamNames = [NumParams]string{"mu", "sigma", "weight", "beta", "n"}

// CellParams is the local update rule carried by one cell when parameter
// embedding is enabled.
type CellParams struct {
	Mu     float64 `yaml:"mu" json:"mu"`         // growth center
	Sigma  float64 `yaml:"sigma" json:"sigma"`   // growth width
	Weight float64 `yaml:"weight" json:"weight"` // growth contribution to affinity
	Beta   float64 `yaml:"beta" json:"beta"`     // critical mass for alpha
	N      float64 `yaml:"n" json:"n"`           // alpha exponent
}

// DefaultCellParams returns the rule used when neither config nor seed
// provide one.
func DefaultCellParams() CellParams {
	return CellParams{
		Mu:     0.15,
		Sigma:  0.015,
		Weight: 1.0,
		Beta:   2.0,
		N:      2.0,
	}
}

// Slot returns the parameters as an array in slot order.
func (p CellParams) Slot() [NumParams]float64 {
	return [NumParams]float64{p.Mu, p.Sigma, p.Weight, p.Beta, p.N}
}

// FromSlot builds CellParams from a slot-ordered array.
func FromSlot(s [NumParams]float64) CellParams {
	return CellParams{Mu: s[ParamMu], Sigma: s[ParamSigma], Weight: s[ParamWeight], Beta: s[ParamBeta], N: s[ParamN]}
}

func (p CellParams) String() string {
	return fmt.Sprintf("{mu=%.4g sigma=%.4g w=%.4g beta=%.4g n=%.4g}", p.Mu, p.Sigma, p.Weight, p.Beta, p.N)
}

// ParameterGrid stores one CellParams per cell, flattened with stride
// NumParams so the backing slice can be handed to a device buffer as is.
type ParameterGrid struct {
	Width, Height int
	Data          []float64
}

// NewParameterGrid allocates a grid filled with p.
func NewParameterGrid(w, h int, p CellParams) *ParameterGrid {
	g := &ParameterGrid{Width: w, Height: h, Data: make([]float64, w*h*NumParams)}
	g.Fill(p)
	return g
}

// Len returns the number of cells.
func (g *ParameterGrid) Len() int { return g.Width * g.Height }

// At returns the parameters of cell i (row-major index).
func (g *ParameterGrid) At(i int) CellParams {
	s := g.Data[i*NumParams : i*NumParams+NumParams]
	return CellParams{Mu: s[0], Sigma: s[1], Weight: s[2], Beta: s[3], N: s[4]}
}

// Set overwrites the parameters of cell i.
func (g *ParameterGrid) Set(i int, p CellParams) {
	s := g.Data[i*NumParams : i*NumParams+NumParams]
	s[0], s[1], s[2], s[3], s[4] = p.Mu, p.Sigma, p.Weight, p.Beta, p.N
}

// Slot returns the backing slice of cell i. Writes go straight to the grid.
func (g *ParameterGrid) Slot(i int) []float64 {
	return g.Data[i*NumParams : i*NumParams+NumParams]
}

// Fill sets every cell to p.
func (g *ParameterGrid) Fill(p CellParams) {
	for i := 0; i < g.Len(); i++ {
		g.Set(i, p)
	}
}

// Clone returns a deep copy.
func (g *ParameterGrid) Clone() *ParameterGrid {
	if g == nil {
		return nil
	}
	c := &ParameterGrid{Width: g.Width, Height: g.Height, Data: make([]float64, len(g.Data))}
	copy(c.Data, g.Data)
	return c
}

// CopyFrom copies src into g. Dimensions must match.
func (g *ParameterGrid) CopyFrom(src *ParameterGrid) {
	if g.Width != src.Width || g.Height != src.Height {
		panic(fmt.Sprintf("field: parameter grid size mismatch %dx%d vs %dx%d", g.Width, g.Height, src.Width, src.Height))
	}
	copy(g.Data, src.Data)
}

// Column extracts one parameter for every cell into dst (reallocated if short).
func (g *ParameterGrid) Column(param int, dst []float64) []float64 {
	n := g.Len()
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = g.Data[i*NumParams+param]
	}
	return dst
}
