package miniserver

import "errors"

// Domain errors for the miniserver package.
var (
	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("miniserver: not connected")

	// ErrConnectionFailed is returned when dialling or the initial handshake fails.
	ErrConnectionFailed = errors.New("miniserver: connection failed")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("miniserver: invalid config")

	// ErrInvalidHeader is returned for a malformed message header.
	ErrInvalidHeader = errors.New("miniserver: invalid message header")

	// ErrInvalidEventTable is returned for a truncated or misaligned event table.
	ErrInvalidEventTable = errors.New("miniserver: invalid event table")

	// ErrOutOfService is reported when the Miniserver announces it is going down.
	ErrOutOfService = errors.New("miniserver: out of service")

	// ErrCommandFailed is returned when a command cannot be written.
	ErrCommandFailed = errors.New("miniserver: command failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("miniserver: client closed")
)
