// Package transport provides the point-to-point links a KNXnet/IP
// connection runs on: UDP datagrams, TCP streams and an in-memory
// pipe for tests.
//
// A Transport is connected to exactly one peer and moves whole
// KNXnet/IP frames. It knows nothing about services, sequence numbers
// or acknowledgments; that is the connection layer's job. The one
// protocol property it does expose is reliability: connections skip
// the acknowledge machinery on transports that guarantee ordered
// delivery.
package transport

import "net"

// MaxFrameSize is the largest KNXnet/IP frame the header's 16-bit
// total-length field can describe.
const MaxFrameSize = 0xFFFF

// Handler consumes one received frame. The slice is owned by the
// handler and may be retained. Handlers run on the transport's read
// goroutine and should hand off work quickly.
type Handler func(frame []byte)

// Transport is a connected, frame-oriented link to a single peer.
type Transport interface {
	// Send transmits one frame. It never waits for the peer to
	// acknowledge anything. After Close it returns ErrClosed.
	Send(frame []byte) error

	// OnFrame sets the receive handler. Frames arriving while no
	// handler is set are dropped.
	OnFrame(Handler)

	// LocalAddr returns the local endpoint address.
	LocalAddr() net.Addr

	// RemoteAddr returns the peer endpoint address.
	RemoteAddr() net.Addr

	// Reliable reports whether the link delivers frames in order
	// without loss, like a TCP stream. Connections on reliable links
	// omit transport acknowledgments in both directions.
	Reliable() bool

	// Close tears the link down and stops the read loop. Close is
	// idempotent.
	Close() error
}
