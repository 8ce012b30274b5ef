package adaptor

import "errors"

var (
	// ErrInvalidControl is returned when a state update arrives for a control
	// that has no path in the index. The index and the structure it was built
	// from have diverged; this is never expected at runtime.
	ErrInvalidControl = errors.New("adaptor: invalid control, no path")

	// ErrTornDown is returned by operations on an Adaptor after Teardown.
	ErrTornDown = errors.New("adaptor: torn down")

	// ErrNilStructure is returned by New when no structure is given.
	ErrNilStructure = errors.New("adaptor: structure is required")
)
