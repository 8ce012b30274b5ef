package bridge

import "errors"

var (
	// ErrNoStructure is returned by Command before the first structure has loaded.
	ErrNoStructure = errors.New("bridge: no structure loaded")

	// ErrUnknownPath is returned by Command when no control has the path.
	ErrUnknownPath = errors.New("bridge: unknown path")

	// ErrNoActionTarget is returned by Command for controls that accept no
	// commands, such as the global-states pseudo-control.
	ErrNoActionTarget = errors.New("bridge: control has no action target")

	// ErrCommandFailed wraps a controller-side send failure.
	ErrCommandFailed = errors.New("bridge: command failed")
)
