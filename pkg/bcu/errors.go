package bcu

import "errors"

var (
	// ErrTimeout means the device did not confirm a request in time.
	ErrTimeout = errors.New("bcu: response timeout")

	// ErrPortClosed means the port was closed while an operation was
	// using it.
	ErrPortClosed = errors.New("bcu: port closed")

	// ErrFormat means a frame violates the EMI1 value format.
	ErrFormat = errors.New("bcu: malformed frame")

	// ErrUnsupported means the requested mode cannot be expressed on
	// the device's interface generation.
	ErrUnsupported = errors.New("bcu: unsupported mode")
)
