package transport

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a
	// closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when a peer address is missing or
	// cannot be resolved.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrFrameTooLarge is returned when a frame exceeds what the
	// KNXnet/IP total-length field can describe.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrStreamCorrupt is returned when a TCP stream no longer starts
	// with a valid frame header. Framing cannot recover from that, so
	// the transport closes.
	ErrStreamCorrupt = errors.New("transport: stream framing corrupt")
)
