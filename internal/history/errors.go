package history

import "errors"

var (
	// ErrPathRequired is returned when an operation is given an empty path.
	ErrPathRequired = errors.New("history: path is required")

	// ErrInvalidRetention is returned for a non-positive retention window.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)
