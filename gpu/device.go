// Package gpu runs simulation passes as compute dispatches on a Device.
// A Backend owns one device on a dedicated OS thread and executes command
// lists in submission order.
package gpu

import (
	"errors"

	"github.com/pthm-cable/flowlenia/systems"
)

// ErrDeviceUnavailable is returned when no compute device can be acquired.
// Callers may fall back to the cpu backend.
var ErrDeviceUnavailable = errors.New("flowlenia: gpu device unavailable")

// Buffer is a device storage buffer handle.
type Buffer int

// Program is a compiled compute program handle.
type Program int

// HostFunc executes a program over one workgroup tile on the host. worker
// identifies the executing goroutine and bufs are the bound buffers in
// binding order.
type HostFunc func(worker int, span systems.Span, bufs [][]float64)

// ProgramSpec describes a compute program. Source is GLSL 430 compute
// code for hardware devices; Host is the equivalent tile function for the
// software device. Both must implement the same pass.
type ProgramSpec struct {
	Name   string
	Source string
	Host   HostFunc
}

// Device is the capability a Backend needs: storage buffers, programs and
// ordered dispatch over a 2-D grid of cells. A Device is used from a single
// goroutine.
type Device interface {
	Name() string
	NewBuffer(n int) (Buffer, error)
	Write(b Buffer, data []float64) error
	Read(b Buffer, dst []float64) error
	NewProgram(spec ProgramSpec) (Program, error)
	// Dispatch runs p over a w x h cell grid in tiles of the device's
	// workgroup size with bufs bound in order.
	Dispatch(p Program, bufs []Buffer, w, h int) error
	// Barrier makes the writes of prior dispatches visible to later ones.
	Barrier() error
	Close() error
}

// Opener creates a device. It runs on the backend's device thread.
type Opener func() (Device, error)

// OpenerFor returns the opener for a configured device name.
func OpenerFor(name string, workgroup, workers int) (Opener, error) {
	switch name {
	case "software", "":
		return func() (Device, error) { return NewSoftwareDevice(workgroup, workers), nil }, nil
	case "raylib":
		return func() (Device, error) { return NewRaylibDevice(workgroup) }, nil
	}
	return nil, errors.New("gpu: unknown device " + name)
}
