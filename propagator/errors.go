package propagator

import (
	"errors"

	"github.com/pthm-cable/flowlenia/config"
)

// Error classes returned by a Propagator. Callers match them with
// errors.Is.
var (
	// ErrConfig and ErrSeed are re-exported from config so callers of this
	// package need only one import.
	ErrConfig = config.ErrConfig
	ErrSeed   = config.ErrSeed

	// ErrUseAfterDispose is returned by every operation after Close.
	ErrUseAfterDispose = errors.New("flowlenia: propagator disposed")

	// ErrBusy is returned when an operation overlaps another one on the
	// same propagator.
	ErrBusy = errors.New("flowlenia: propagator busy")

	// ErrFaulted is returned after a step was abandoned mid-flight. Only
	// Reset and Close are accepted in that state.
	ErrFaulted = errors.New("flowlenia: propagator faulted")
)
