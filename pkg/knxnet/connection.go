package knxnet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/transport"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BlockingMode selects how far Send waits for the server.
type BlockingMode int

const (
	// NonBlocking returns once the frame is handed to the transport.
	NonBlocking BlockingMode = iota

	// WaitForAck waits for the server to acknowledge the frame.
	WaitForAck

	// WaitForCon additionally waits for the confirmation service of
	// the sent frame.
	WaitForCon
)

// Protocol deadlines.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultAckTimeout        = 1 * time.Second
	defaultConTimeout        = 3 * time.Second
	defaultHeartbeatInterval = 60 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
	defaultDisconnectTimeout = 5 * time.Second

	// A heartbeat gets this many further attempts before the
	// connection is considered dead.
	heartbeatRetries = 3

	// An unacknowledged frame is retransmitted once.
	maxSendAttempts = 2
)

// Timeouts bundles the protocol deadlines of a connection. Zero fields
// use the defaults above.
type Timeouts struct {
	Connect           time.Duration
	Ack               time.Duration
	Con               time.Duration
	HeartbeatInterval time.Duration
	Heartbeat         time.Duration
	Disconnect        time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Connect == 0 {
		t.Connect = defaultConnectTimeout
	}
	if t.Ack == 0 {
		t.Ack = defaultAckTimeout
	}
	if t.Con == 0 {
		t.Con = defaultConTimeout
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = defaultHeartbeatInterval
	}
	if t.Heartbeat == 0 {
		t.Heartbeat = defaultHeartbeatTimeout
	}
	if t.Disconnect == 0 {
		t.Disconnect = defaultDisconnectTimeout
	}
}

// ConnectionConfig collects the arguments of Open.
type ConnectionConfig struct {
	// Transport carries the frames. The connection takes ownership
	// and closes it when the connection closes, including when Open
	// fails.
	Transport transport.Transport

	// CRI describes the requested connection.
	CRI CRI

	// LoggerFactory customizes logging. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	Timeouts Timeouts
}

type conWaiter struct {
	code cemi.MessageCode
	ch   chan []byte
}

// Connection is a sequenced KNXnet/IP connection. It runs the connect
// and disconnect handshakes, numbers outgoing frames, acknowledges and
// deduplicates incoming ones and keeps the channel alive with
// connection state heartbeats.
//
// At most one Send is in flight at a time; concurrent callers queue on
// the send permit.
type Connection struct {
	tr       transport.Transport
	reliable bool
	log      logging.LeveledLogger
	timeout  Timeouts

	reqService Service
	ackService Service

	mu      sync.Mutex
	state   State
	channel uint8
	sendSeq uint8
	recvSeq uint8
	crd     CRD
	handler func(payload []byte)
	conWait *conWaiter

	sendPermit chan struct{}

	ackCh     chan ConnHeader
	connectCh chan ConnectRes
	stateCh   chan Status
	discCh    chan struct{}

	closed    chan struct{}
	closeErr  error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open dials a sequenced connection over the given transport. It
// returns once the server accepted the connection or with the server's
// error status.
func Open(config ConnectionConfig) (*Connection, error) {
	if config.Transport == nil {
		return nil, errors.New("knxnet: no transport")
	}
	switch config.CRI.Type {
	case ConnTunnel, ConnDeviceMgmt:
	default:
		config.Transport.Close()
		return nil, fmt.Errorf("knxnet: connection type %s", config.CRI.Type)
	}

	c := &Connection{
		tr:         config.Transport,
		reliable:   config.Transport.Reliable(),
		timeout:    config.Timeouts,
		sendPermit: make(chan struct{}, 1),
		ackCh:      make(chan ConnHeader, 1),
		connectCh:  make(chan ConnectRes, 1),
		stateCh:    make(chan Status, 1),
		discCh:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	c.timeout.applyDefaults()

	if config.CRI.Type == ConnTunnel {
		c.reqService = TunnelingRequest
		c.ackService = TunnelingAck
	} else {
		c.reqService = DeviceConfigurationRequest
		c.ackService = DeviceConfigurationAck
	}

	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	c.log = loggerFactory.NewLogger("knx-conn")

	c.tr.OnFrame(c.handleFrame)

	if err := c.connect(config.CRI); err != nil {
		c.tr.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.heartbeatLoop()
	return c, nil
}

func (c *Connection) connect(cri CRI) error {
	c.setState(StateConnecting)

	hpai := HPAIFromAddr(c.tr.LocalAddr())
	req := ConnectReq{Control: hpai, Data: hpai, CRI: cri}
	if err := c.tr.Send(MakeFrame(ConnectRequest, req.Encode())); err != nil {
		c.setState(StateInit)
		return fmt.Errorf("knxnet: connect: %w", err)
	}

	select {
	case res := <-c.connectCh:
		if err := res.Status.Err(); err != nil {
			c.setState(StateInit)
			return err
		}
		c.mu.Lock()
		c.channel = res.Channel
		c.crd = res.CRD
		c.mu.Unlock()
		c.setState(StateOpen)
		c.log.Infof("connected, channel %d on %s", res.Channel, c.tr.RemoteAddr())
		return nil
	case <-time.After(c.timeout.Connect):
		c.setState(StateInit)
		return fmt.Errorf("connect: %w", ErrTimeout)
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.log.Debugf("state %s -> %s", old, s)
	}
}

// Channel returns the channel identifier assigned by the server.
func (c *Connection) Channel() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// OnPayload sets the handler for incoming data frames. The handler is
// invoked on the transport's read goroutine and owns the payload.
func (c *Connection) OnPayload(h func(payload []byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Done is closed when the connection reaches the Closed state.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection closed, or nil while it is
// still open.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
	default:
		return nil
	}
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionClosed
}

// Send transmits one service payload, a cEMI frame in practice. The
// mode selects whether to return immediately, after the server's
// acknowledge, or after the confirmation of the carried service.
//
// A frame that stays unacknowledged after one retransmission closes
// the connection.
func (c *Connection) Send(payload []byte, mode BlockingMode) error {
	_, err := c.send(payload, mode)
	return err
}

// send implements Send and returns the confirmation payload when mode
// is WaitForCon.
func (c *Connection) send(payload []byte, mode BlockingMode) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrFormat)
	}

	select {
	case c.sendPermit <- struct{}{}:
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
	defer func() { <-c.sendPermit }()

	if c.State() != StateOpen {
		return nil, ErrConnectionClosed
	}

	var conCh chan []byte
	if mode == WaitForCon {
		code, ok := cemi.MessageCode(payload[0]).Confirmation()
		if !ok {
			return nil, fmt.Errorf("knxnet: message code 0x%02x has no confirmation", payload[0])
		}
		conCh = c.armConWait(code)
		defer c.disarmConWait()
	}

	c.mu.Lock()
	seq := c.sendSeq
	hdr := ConnHeader{Channel: c.channel, Seq: seq}
	c.mu.Unlock()

	body := make([]byte, hdr.Size()+len(payload))
	n := hdr.EncodeTo(body)
	copy(body[n:], payload)

	if err := c.sendData(MakeFrame(c.reqService, body), seq, mode != NonBlocking); err != nil {
		return nil, err
	}

	if mode != WaitForCon {
		return nil, nil
	}
	timer := time.NewTimer(c.timeout.Con)
	defer timer.Stop()
	select {
	case con := <-conCh:
		return con, nil
	case <-timer.C:
		return nil, fmt.Errorf("confirmation: %w", ErrTimeout)
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

// sendData transmits a numbered frame and runs the acknowledge
// protocol. It advances the send sequence once the frame counts as
// delivered.
func (c *Connection) sendData(frame []byte, seq uint8, wantAck bool) error {
	// A stale acknowledge from an earlier NonBlocking send may still
	// occupy the slot.
	select {
	case <-c.ackCh:
	default:
	}

	wantAck = wantAck && !c.reliable

	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if err := c.tr.Send(frame); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("knxnet: send: %w", err)
		}
		if !wantAck {
			c.advanceSendSeq()
			return nil
		}

		deadline := time.Now().Add(c.timeout.Ack)
		for {
			remain := time.Until(deadline)
			if remain <= 0 {
				break
			}
			timer := time.NewTimer(remain)
			select {
			case h := <-c.ackCh:
				timer.Stop()
				if h.Seq != seq {
					c.log.Debugf("ignoring ack for seq %d while waiting on %d", h.Seq, seq)
					continue
				}
				c.advanceSendSeq()
				return h.Status.Err()
			case <-timer.C:
			case <-c.closed:
				timer.Stop()
				return ErrConnectionClosed
			}
			break
		}
		c.log.Warnf("no ack for seq %d, attempt %d of %d", seq, attempt+1, maxSendAttempts)
	}

	c.log.Errorf("no acknowledge for seq %d after retransmit, closing connection", seq)
	c.closeWith(fmt.Errorf("acknowledge: %w", ErrTimeout), true)
	return fmt.Errorf("acknowledge: %w", ErrTimeout)
}

func (c *Connection) advanceSendSeq() {
	c.mu.Lock()
	c.sendSeq++
	c.mu.Unlock()
}

func (c *Connection) armConWait(code cemi.MessageCode) chan []byte {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.conWait = &conWaiter{code: code, ch: ch}
	c.mu.Unlock()
	return ch
}

func (c *Connection) disarmConWait() {
	c.mu.Lock()
	c.conWait = nil
	c.mu.Unlock()
}

// handleFrame dispatches one incoming frame. It runs on the
// transport's read goroutine.
func (c *Connection) handleFrame(frame []byte) {
	service, body, err := SplitFrame(frame)
	if err != nil {
		c.log.Warnf("dropping frame: %v", err)
		return
	}

	switch service {
	case c.reqService:
		c.handleData(body)

	case c.ackService:
		var h ConnHeader
		if _, err := h.Decode(body); err != nil {
			c.log.Warnf("dropping ack: %v", err)
			return
		}
		if h.Channel != c.Channel() {
			c.log.Debugf("ignoring ack for channel %d", h.Channel)
			return
		}
		select {
		case c.ackCh <- h:
		default:
		}

	case ConnectResponse:
		var res ConnectRes
		if _, err := res.Decode(body); err != nil {
			c.log.Warnf("dropping connect response: %v", err)
			return
		}
		select {
		case c.connectCh <- res:
		default:
		}

	case ConnectionStateResponse:
		var res ConnStateRes
		if _, err := res.Decode(body); err != nil {
			c.log.Warnf("dropping connection state response: %v", err)
			return
		}
		if res.Channel != c.Channel() {
			c.log.Debugf("ignoring connection state for channel %d", res.Channel)
			return
		}
		select {
		case c.stateCh <- res.Status:
		default:
		}

	case DisconnectRequest:
		var req ConnStateReq
		if _, err := req.Decode(body); err != nil {
			c.log.Warnf("dropping disconnect request: %v", err)
			return
		}
		if req.Channel != c.Channel() {
			c.log.Debugf("ignoring disconnect for channel %d", req.Channel)
			return
		}
		res := ConnStateRes{Channel: req.Channel, Status: StatusNoError}
		if err := c.tr.Send(MakeFrame(DisconnectResponse, res.Encode())); err != nil {
			c.log.Debugf("disconnect response: %v", err)
		}
		c.log.Infof("connection closed by server")
		// Off the read goroutine: closing waits for the transport.
		go c.closeWith(fmt.Errorf("%w by server", ErrConnectionClosed), false)

	case DisconnectResponse:
		select {
		case c.discCh <- struct{}{}:
		default:
		}

	default:
		c.log.Debugf("ignoring %s", service)
	}
}

// handleData runs the receive side of the sequence protocol: expected
// frames are acknowledged and delivered, a repeat of the previous
// frame is acknowledged again but dropped, anything else is ignored
// without acknowledge.
func (c *Connection) handleData(body []byte) {
	var h ConnHeader
	n, err := h.Decode(body)
	if err != nil {
		c.log.Warnf("dropping data frame: %v", err)
		return
	}
	payload := body[n:]
	if len(payload) == 0 {
		c.log.Warnf("dropping empty data frame")
		return
	}

	c.mu.Lock()
	if h.Channel != c.channel {
		c.mu.Unlock()
		c.log.Debugf("ignoring data for channel %d", h.Channel)
		return
	}
	expected := c.recvSeq
	deliver := h.Seq == expected
	repeat := h.Seq == expected-1
	if deliver {
		c.recvSeq++
	}
	handler := c.handler
	conWait := c.conWait
	c.mu.Unlock()

	switch {
	case deliver:
		if !c.reliable {
			c.sendAck(h.Seq)
		}
		if conWait != nil && cemi.MessageCode(payload[0]) == conWait.code {
			con := make([]byte, len(payload))
			copy(con, payload)
			select {
			case conWait.ch <- con:
			default:
			}
		}
		if handler != nil {
			handler(payload)
		} else {
			c.log.Debugf("no payload handler, dropping frame")
		}

	case repeat:
		c.log.Debugf("repeated seq %d, acknowledging again", h.Seq)
		if !c.reliable {
			c.sendAck(h.Seq)
		}

	default:
		c.log.Warnf("out of sequence frame %d, expected %d", h.Seq, expected)
	}
}

func (c *Connection) sendAck(seq uint8) {
	h := ConnHeader{Channel: c.Channel(), Seq: seq, Status: StatusNoError}
	body := make([]byte, h.Size())
	h.EncodeTo(body)
	if err := c.tr.Send(MakeFrame(c.ackService, body)); err != nil {
		c.log.Debugf("ack send: %v", err)
	}
}

func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.timeout.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.heartbeat() {
				continue
			}
			c.log.Errorf("heartbeat failed %d times, closing connection", heartbeatRetries+1)
			c.closeWith(fmt.Errorf("heartbeat: %w", ErrTimeout), true)
			return
		case <-c.closed:
			return
		}
	}
}

// heartbeat runs one connection state exchange, retrying a few times.
// Failures of a single beat are logged, not surfaced.
func (c *Connection) heartbeat() bool {
	req := ConnStateReq{Channel: c.Channel(), Control: HPAIFromAddr(c.tr.LocalAddr())}
	frame := MakeFrame(ConnectionStateRequest, req.Encode())

	for attempt := 0; attempt <= heartbeatRetries; attempt++ {
		select {
		case <-c.stateCh:
		default:
		}
		if err := c.tr.Send(frame); err != nil {
			c.log.Warnf("heartbeat send: %v", err)
			return false
		}
		timer := time.NewTimer(c.timeout.Heartbeat)
		select {
		case status := <-c.stateCh:
			timer.Stop()
			if err := status.Err(); err != nil {
				c.log.Warnf("heartbeat: %v", err)
				continue
			}
			return true
		case <-timer.C:
			c.log.Warnf("heartbeat timeout, attempt %d of %d", attempt+1, heartbeatRetries+1)
		case <-c.closed:
			timer.Stop()
			return true
		}
	}
	return false
}

// Close shuts the connection down: a DISCONNECT_REQUEST with a bounded
// wait for the response, then the transport. Pending Send calls return
// ErrConnectionClosed. Close is idempotent.
func (c *Connection) Close() error {
	c.closeWith(nil, true)
	c.wg.Wait()
	return nil
}

func (c *Connection) closeWith(reason error, sendDisconnect bool) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if sendDisconnect {
			req := ConnStateReq{Channel: c.Channel(), Control: HPAIFromAddr(c.tr.LocalAddr())}
			if err := c.tr.Send(MakeFrame(DisconnectRequest, req.Encode())); err == nil {
				timer := time.NewTimer(c.timeout.Disconnect)
				select {
				case <-c.discCh:
				case <-timer.C:
					c.log.Debugf("no disconnect response, closing anyway")
				}
				timer.Stop()
			}
		}
		c.closeErr = reason
		close(c.closed)
		c.tr.Close()
		c.setState(StateClosed)
	})
}
