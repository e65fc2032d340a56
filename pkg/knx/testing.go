package knx

import (
	"sync"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/knxnet"
	"github.com/backkem/knx/pkg/transport"
)

// TestGateway is a minimal in-process tunneling gateway: it accepts
// one connection, acknowledges tunneling requests and lets tests
// inject and observe cEMI frames. It serves whatever transport it is
// handed, a plain pipe end or a secure.Responder alike.
type TestGateway struct {
	tr transport.Transport

	mu      sync.Mutex
	channel uint8
	sendSeq uint8

	received chan cemi.Frame
}

// NewTestGateway serves a single tunneling client on tr.
func NewTestGateway(tr transport.Transport) *TestGateway {
	g := &TestGateway{
		tr:       tr,
		channel:  1,
		received: make(chan cemi.Frame, 32),
	}
	tr.OnFrame(g.handle)
	return g
}

// Frames returns the cEMI frames received from the client. Frames
// beyond the channel buffer are dropped.
func (g *TestGateway) Frames() <-chan cemi.Frame {
	return g.received
}

// Send pushes a cEMI frame to the client.
func (g *TestGateway) Send(frame cemi.Frame) error {
	g.mu.Lock()
	h := knxnet.ConnHeader{Channel: g.channel, Seq: g.sendSeq}
	g.sendSeq++
	g.mu.Unlock()

	body := make([]byte, h.Size()+len(frame))
	n := h.EncodeTo(body)
	copy(body[n:], frame)
	return g.tr.Send(knxnet.MakeFrame(knxnet.TunnelingRequest, body))
}

// Close releases the gateway's transport.
func (g *TestGateway) Close() error {
	return g.tr.Close()
}

func (g *TestGateway) handle(frame []byte) {
	service, body, err := knxnet.SplitFrame(frame)
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch service {
	case knxnet.ConnectRequest:
		var req knxnet.ConnectReq
		if _, err := req.Decode(body); err != nil {
			return
		}
		res := knxnet.ConnectRes{
			Channel: g.channel,
			Data:    knxnet.HPAI{Protocol: knxnet.ProtoUDP},
			CRD:     knxnet.CRD{Type: req.CRI.Type, Addr: 0x11fa},
		}
		g.reply(knxnet.ConnectResponse, res.Encode())

	case knxnet.TunnelingRequest:
		var h knxnet.ConnHeader
		n, err := h.Decode(body)
		if err != nil {
			return
		}
		ack := knxnet.ConnHeader{Channel: h.Channel, Seq: h.Seq}
		buf := make([]byte, ack.Size())
		ack.EncodeTo(buf)
		g.reply(knxnet.TunnelingAck, buf)

		data := append(cemi.Frame(nil), body[n:]...)
		select {
		case g.received <- data:
		default:
		}

	case knxnet.ConnectionStateRequest:
		var req knxnet.ConnStateReq
		if _, err := req.Decode(body); err != nil {
			return
		}
		g.reply(knxnet.ConnectionStateResponse, (&knxnet.ConnStateRes{Channel: req.Channel}).Encode())

	case knxnet.DisconnectRequest:
		var req knxnet.ConnStateReq
		if _, err := req.Decode(body); err != nil {
			return
		}
		g.reply(knxnet.DisconnectResponse, (&knxnet.ConnStateRes{Channel: req.Channel}).Encode())
	}
}

func (g *TestGateway) reply(service knxnet.Service, body []byte) {
	// Send errors during teardown are expected.
	_ = g.tr.Send(knxnet.MakeFrame(service, body))
}

// TestPair connects a tunnel client to a TestGateway over an
// in-memory pipe. Closing the tunnel tears the pipe down; closing the
// gateway afterwards is harmless.
func TestPair() (*Tunnel, *TestGateway, error) {
	a, b := transport.Pipe()
	gw := NewTestGateway(b)
	tun, err := Dial(TunnelConfig{Transport: a})
	if err != nil {
		gw.Close()
		return nil, nil, err
	}
	return tun, gw, nil
}
