package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/pion/logging"
)

// UDP is a connected UDP transport to one KNXnet/IP endpoint.
// KNXnet/IP is an IPv4 protocol, so the socket is restricted to udp4.
type UDP struct {
	conn *net.UDPConn
	log  logging.LeveledLogger
	wg   sync.WaitGroup

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// RemoteAddr is the peer endpoint in host:port form. Required.
	RemoteAddr string

	// LocalAddr optionally pins the local endpoint in host:port form.
	// Empty means any interface with an ephemeral port.
	LocalAddr string

	// LoggerFactory is the factory for creating loggers. If nil,
	// pion's default factory is used.
	LoggerFactory logging.LoggerFactory
}

// DialUDP connects to the peer and starts the read loop.
func DialUDP(config UDPConfig) (*UDP, error) {
	if config.RemoteAddr == "" {
		return nil, ErrInvalidAddress
	}
	raddr, err := net.ResolveUDPAddr("udp4", config.RemoteAddr)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	var laddr *net.UDPAddr
	if config.LocalAddr != "" {
		if laddr, err = net.ResolveUDPAddr("udp4", config.LocalAddr); err != nil {
			return nil, ErrInvalidAddress
		}
	}

	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, err
	}

	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	u := &UDP{
		conn: conn,
		log:  config.LoggerFactory.NewLogger("knx-udp"),
	}

	u.log.Debugf("udp transport %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// Send transmits one frame as a single datagram.
func (u *UDP) Send(frame []byte) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if _, err := u.conn.Write(frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// OnFrame sets the receive handler.
func (u *UDP) OnFrame(h Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// LocalAddr returns the local endpoint address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RemoteAddr returns the peer endpoint address.
func (u *UDP) RemoteAddr() net.Addr { return u.conn.RemoteAddr() }

// Reliable reports false: datagrams can be lost, duplicated and
// reordered, so connections run their acknowledge machinery.
func (u *UDP) Reliable() bool { return false }

// Close shuts the socket down and waits for the read loop to exit.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	u.conn.Close()
	u.wg.Wait()
	return nil
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxFrameSize)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.mu.RLock()
			closed := u.closed
			u.mu.RUnlock()
			if closed {
				return
			}
			// Transient errors (e.g. ICMP port unreachable surfacing
			// as ECONNREFUSED) keep the socket usable.
			u.log.Warnf("udp read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		u.deliver(frame)
	}
}

func (u *UDP) deliver(frame []byte) {
	u.mu.RLock()
	h := u.handler
	u.mu.RUnlock()
	if h == nil {
		u.log.Debugf("dropping %d byte frame, no handler", len(frame))
		return
	}
	h(frame)
}
