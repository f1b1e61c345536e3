//go:build !raylib

package gpu

import "fmt"

// NewRaylibDevice is unavailable without the raylib build tag.
func NewRaylibDevice(int) (Device, error) {
	return nil, fmt.Errorf("%w: built without the raylib tag", ErrDeviceUnavailable)
}
