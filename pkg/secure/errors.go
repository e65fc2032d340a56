package secure

import (
	"errors"
)

var (
	// ErrFormat is returned when a frame violates the secure wire
	// format.
	ErrFormat = errors.New("secure: malformed frame")

	// ErrTimeout is returned when the server does not answer a
	// handshake step in time.
	ErrTimeout = errors.New("secure: handshake timeout")

	// ErrAuthFailed is returned when either side fails
	// authentication. The session is closed and must not be retried
	// with the same credentials without operator intervention.
	ErrAuthFailed = errors.New("secure: authentication failed")

	// ErrKeys is returned when the configured key material is
	// unusable.
	ErrKeys = errors.New("secure: invalid key material")

	// ErrClosed is returned when the session is closed.
	ErrClosed = errors.New("secure: session closed")

	// ErrSequenceExhausted is returned when the 48-bit send sequence
	// space is used up.
	ErrSequenceExhausted = errors.New("secure: send sequence exhausted")
)
