package blockdev

import "errors"

var (
	// ErrMediumUnavailable means the medium could not be opened or has gone
	// away. Callers treat it as fatal for the session.
	ErrMediumUnavailable = errors.New("medium unavailable")

	// ErrOutOfRange means a request touches a sector at or beyond the
	// medium's sector count. No I/O was performed.
	ErrOutOfRange = errors.New("sector out of range")

	// ErrIO wraps a failed sector read or write on the medium.
	ErrIO = errors.New("medium i/o failure")
)
