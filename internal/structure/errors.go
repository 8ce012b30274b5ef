package structure

import "errors"

var (
	// ErrInvalidStructure is returned when the structure file is not a JSON object
	// or one of its top-level sections has the wrong shape.
	ErrInvalidStructure = errors.New("structure: invalid structure file")

	// ErrListener wraps errors returned by state-update listeners.
	ErrListener = errors.New("structure: listener failed")
)
