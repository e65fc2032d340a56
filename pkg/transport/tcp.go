package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pion/logging"
)

// KNXnet/IP frame header constants, duplicated here so the stream
// reader does not depend on the service layer.
const (
	frameHeaderSize = 6
	frameHeaderLen  = 0x06
	frameVersion10  = 0x10
)

// TCP is a stream transport to one KNXnet/IP endpoint. Frames carry
// their own length in the fixed six-byte header, so the reader
// reassembles them from the stream without extra framing.
//
// A header that does not start with 06 10 means the stream has lost
// frame alignment. There is no way to resynchronize, so the transport
// reports ErrStreamCorrupt through the frame handler path by closing.
type TCP struct {
	conn net.Conn
	log  logging.LeveledLogger
	wg   sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	// RemoteAddr is the peer endpoint in host:port form. Ignored when
	// Conn is set.
	RemoteAddr string

	// Conn is an optional pre-established connection, used by tests
	// and by callers that dial with their own settings.
	Conn net.Conn

	// LoggerFactory is the factory for creating loggers. If nil,
	// pion's default factory is used.
	LoggerFactory logging.LoggerFactory
}

// DialTCP connects to the peer and starts the read loop.
func DialTCP(config TCPConfig) (*TCP, error) {
	conn := config.Conn
	if conn == nil {
		if config.RemoteAddr == "" {
			return nil, ErrInvalidAddress
		}
		c, err := net.Dial("tcp4", config.RemoteAddr)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	t := &TCP{
		conn: conn,
		log:  config.LoggerFactory.NewLogger("knx-tcp"),
	}

	t.log.Debugf("tcp transport %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Send writes one frame to the stream. Concurrent senders are
// serialized so frames never interleave.
func (t *TCP) Send(frame []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// OnFrame sets the receive handler.
func (t *TCP) OnFrame(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// LocalAddr returns the local endpoint address.
func (t *TCP) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr returns the peer endpoint address.
func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Reliable reports true: the stream delivers in order, so connections
// omit transport acknowledgments.
func (t *TCP) Reliable() bool { return true }

// Close shuts the stream down and waits for the read loop to exit.
func (t *TCP) Close() error {
	t.shutdown()
	t.wg.Wait()
	return nil
}

// shutdown flips the closed flag and closes the socket exactly once.
// Separate from Close so the read loop can trigger it without waiting
// on itself.
func (t *TCP) shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.conn.Close()
}

func (t *TCP) readLoop() {
	defer t.wg.Done()

	r := bufio.NewReaderSize(t.conn, frameHeaderSize+MaxFrameSize)
	for {
		frame, err := readFrame(r)
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if !closed && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Errorf("tcp read: %v", err)
			}
			t.shutdown()
			return
		}
		t.deliver(frame)
	}
}

// readFrame reassembles one frame from the stream using the header's
// total-length field.
func readFrame(r io.Reader) ([]byte, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if head[0] != frameHeaderLen || head[1] != frameVersion10 {
		return nil, ErrStreamCorrupt
	}
	total := int(binary.BigEndian.Uint16(head[4:6]))
	if total < frameHeaderSize {
		return nil, ErrStreamCorrupt
	}

	frame := make([]byte, total)
	copy(frame, head[:])
	if _, err := io.ReadFull(r, frame[frameHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *TCP) deliver(frame []byte) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		t.log.Debugf("dropping %d byte frame, no handler", len(frame))
		return
	}
	h(frame)
}
