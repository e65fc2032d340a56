package knxnet

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/transport"
)

// TunnelConfig collects the arguments of OpenTunnel.
type TunnelConfig struct {
	// Transport carries the frames. The tunnel takes ownership.
	Transport transport.Transport

	// Layer selects the KNX layer. Defaults to LayerLinkLayer.
	Layer TunnelLayer

	// LoggerFactory customizes logging. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	Timeouts Timeouts
}

// Tunnel exchanges cEMI frames with the KNX subnetwork behind a
// gateway. It is a thin role layer over Connection: the sequence and
// heartbeat machinery lives there.
type Tunnel struct {
	conn  *Connection
	layer TunnelLayer
}

// OpenTunnel dials a tunneling connection.
func OpenTunnel(config TunnelConfig) (*Tunnel, error) {
	layer := config.Layer
	if layer == 0 {
		layer = LayerLinkLayer
	}
	conn, err := Open(ConnectionConfig{
		Transport:     config.Transport,
		CRI:           CRI{Type: ConnTunnel, Layer: layer},
		LoggerFactory: config.LoggerFactory,
		Timeouts:      config.Timeouts,
	})
	if err != nil {
		return nil, err
	}
	return &Tunnel{conn: conn, layer: layer}, nil
}

// Send transmits a cEMI frame. Busmonitor tunnels are receive only and
// reject every send.
func (t *Tunnel) Send(frame cemi.Frame, mode BlockingMode) error {
	if t.layer == LayerBusmonitor {
		return ErrSendOnBusmonitor
	}
	if !frame.Valid() {
		return fmt.Errorf("%w: empty cEMI frame", ErrFormat)
	}
	return t.conn.Send(frame, mode)
}

// OnFrame sets the handler for incoming cEMI frames. The handler is
// invoked on the transport's read goroutine and owns the frame.
func (t *Tunnel) OnFrame(h func(frame cemi.Frame)) {
	if h == nil {
		t.conn.OnPayload(nil)
		return
	}
	t.conn.OnPayload(func(payload []byte) {
		h(cemi.Frame(payload))
	})
}

// TunnelAddr returns the individual address the server assigned to
// this connection.
func (t *Tunnel) TunnelAddr() cemi.IndividualAddr {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.conn.crd.Addr
}

// Layer returns the KNX layer of the tunnel.
func (t *Tunnel) Layer() TunnelLayer {
	return t.layer
}

// State returns the connection state.
func (t *Tunnel) State() State {
	return t.conn.State()
}

// Done is closed when the tunnel is closed.
func (t *Tunnel) Done() <-chan struct{} {
	return t.conn.Done()
}

// Err returns the reason the tunnel closed, or nil while it is open.
func (t *Tunnel) Err() error {
	return t.conn.Err()
}

// Close shuts the tunnel down. It is idempotent.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
