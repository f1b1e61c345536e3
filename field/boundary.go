package field

import "fmt"

// Boundary decides how indices that fall outside the grid are resolved.
type Boundary uint8

const (
	// Wrap treats the grid as a torus.
	Wrap Boundary = iota
	// Clamp maps outside indices to the nearest edge cell.
	Clamp
)

// ParseBoundary converts a config string into a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch s {
	case "", "wrap":
		return Wrap, nil
	case "clamp":
		return Clamp, nil
	}
	return Wrap, fmt.Errorf("unknown boundary %q (want wrap or clamp)", s)
}

func (b Boundary) String() string {
	if b == Clamp {
		return "clamp"
	}
	return "wrap"
}

// Index resolves i into [0, n).
func (b Boundary) Index(i, n int) int {
	if i >= 0 && i < n {
		return i
	}
	if b == Clamp {
		if i < 0 {
			return 0
		}
		return n - 1
	}
	r := i % n
	if r < 0 {
		r += n
	}
	return r
}
