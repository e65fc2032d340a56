package secure

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/knxnet"
	"github.com/backkem/knx/pkg/transport"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
)

// Config configures a secure session.
type Config struct {
	// Transport is the plaintext link to the server, typically a TCP
	// stream. The session owns it: it is closed when the session
	// closes, including when Dial fails.
	Transport transport.Transport

	// DeviceAuthKey is the 16 byte key derived from the server's
	// device authentication code, see crypto.DeviceAuthKey.
	DeviceAuthKey []byte

	// UserID identifies the tunnel user to authenticate as, 1 to 127.
	UserID uint8

	// UserKey is the 16 byte key derived from the user's password,
	// see crypto.UserPasswordKey.
	UserKey []byte

	// Serial is the KNX serial number stamped on outgoing wrappers.
	Serial [6]byte

	// LoggerFactory defaults to logging.NewDefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory

	// HandshakeTimeout bounds each handshake step, default 10s.
	HandshakeTimeout time.Duration

	// KeepaliveInterval is the session keepalive period, default 30s.
	// Servers expire sessions after 60s without traffic.
	KeepaliveInterval time.Duration

	// Rand is the entropy source for the ephemeral keypair, default
	// crypto/rand.Reader.
	Rand io.Reader
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return fmt.Errorf("secure: config needs a transport")
	}
	if len(c.DeviceAuthKey) != crypto.KeySize {
		return fmt.Errorf("%w: device authentication key must be %d bytes", ErrKeys, crypto.KeySize)
	}
	if len(c.UserKey) != crypto.KeySize {
		return fmt.Errorf("%w: user password key must be %d bytes", ErrKeys, crypto.KeySize)
	}
	if c.UserID == 0 || c.UserID > 0x7F {
		return fmt.Errorf("%w: user %d out of range 1..127", ErrKeys, c.UserID)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// Stats counts frames the receive checks rejected. Rejections are
// logged and counted, never surfaced as errors: a forged datagram must
// not be able to disturb the session.
type Stats struct {
	// MACFailures counts wrappers whose authentication tag did not
	// verify.
	MACFailures uint64

	// Replays counts authenticated wrappers whose sequence number was
	// not strictly greater than the last accepted one.
	Replays uint64
}

// Session is an authenticated, encrypted link to a KNX IP Secure
// server. It implements transport.Transport: Send seals frames into
// secure wrappers and received wrappers are verified, decrypted and
// handed to the frame handler. Layers above neither see nor need to
// know the wrapping.
type Session struct {
	inner transport.Transport
	log   logging.LeveledLogger

	serial           [6]byte
	handshakeTimeout time.Duration
	keepalive        time.Duration

	mu          sync.Mutex
	sid         uint16
	key         [crypto.KeySize]byte
	cipher      *crypto.SecureCipher
	sendSeq     uint64
	lastRecv    int64
	tag         uint16
	established bool
	handler     transport.Handler
	closeErr    error
	stats       Stats

	respCh   chan SessionResponse
	statusCh chan StatusCode

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial runs the secure handshake over config.Transport and returns the
// established session. The handshake is an X25519 exchange in which
// the server authenticates with the device key before the client
// authenticates as a user; any verification failure closes the
// transport and is never retried internally.
func Dial(config Config) (*Session, error) {
	if err := config.validate(); err != nil {
		if config.Transport != nil {
			config.Transport.Close()
		}
		return nil, err
	}
	config.applyDefaults()

	s := &Session{
		inner:            config.Transport,
		log:              config.LoggerFactory.NewLogger("knx-secure"),
		serial:           config.Serial,
		handshakeTimeout: config.HandshakeTimeout,
		keepalive:        config.KeepaliveInterval,
		lastRecv:         -1,
		respCh:           make(chan SessionResponse, 1),
		statusCh:         make(chan StatusCode, 1),
		closed:           make(chan struct{}),
	}
	config.Transport.OnFrame(s.handleFrame)

	if err := s.handshake(&config); err != nil {
		s.mu.Lock()
		s.cipher = nil
		crypto.Wipe(s.key[:])
		s.mu.Unlock()
		config.Transport.Close()
		return nil, err
	}

	s.mu.Lock()
	s.established = true
	s.mu.Unlock()
	s.log.Infof("session %d established as user %d", s.sid, config.UserID)

	s.wg.Add(1)
	go s.keepaliveLoop()
	return s, nil
}

func (s *Session) handshake(config *Config) error {
	kp, err := crypto.GenerateKeypair(config.Rand)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	defer kp.Wipe()

	req := SessionRequest{
		Control:   knxnet.HPAIFromAddr(s.inner.LocalAddr()),
		PublicKey: kp.Public,
	}
	if err := s.inner.Send(knxnet.MakeFrame(knxnet.SessionRequest, req.Encode())); err != nil {
		return fmt.Errorf("session request: %w", err)
	}

	var res SessionResponse
	select {
	case res = <-s.respCh:
	case <-time.After(s.handshakeTimeout):
		return fmt.Errorf("session response: %w", ErrTimeout)
	}
	if res.SessionID == 0 {
		return fmt.Errorf("%w: session 0 is reserved for multicast", ErrFormat)
	}

	shared, err := kp.SharedSecret(res.PublicKey[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeys, err)
	}
	key := crypto.SessionKey(shared)
	crypto.Wipe(shared)
	cipher, err := crypto.NewSecureCipher(key[:])
	if err != nil {
		crypto.Wipe(key[:])
		return fmt.Errorf("session cipher: %w", err)
	}

	xor := crypto.XORKeys(kp.Public[:], res.PublicKey[:])
	defer crypto.Wipe(xor)

	// The server proves knowledge of the device key before we send
	// anything derived from user credentials.
	devCipher, err := crypto.NewSecureCipher(config.DeviceAuthKey)
	if err != nil {
		crypto.Wipe(key[:])
		return fmt.Errorf("device key: %w", err)
	}
	want := handshakeMAC(devCipher, responseAssoc(res.SessionID, xor))
	if subtle.ConstantTimeCompare(want[:], res.MAC[:]) != 1 {
		crypto.Wipe(key[:])
		return fmt.Errorf("%w: server device authentication", ErrAuthFailed)
	}

	s.mu.Lock()
	s.sid = res.SessionID
	s.key = key
	s.cipher = cipher
	s.mu.Unlock()
	crypto.Wipe(key[:])

	userCipher, err := crypto.NewSecureCipher(config.UserKey)
	if err != nil {
		return fmt.Errorf("user key: %w", err)
	}
	auth := SessionAuth{
		UserID: config.UserID,
		MAC:    handshakeMAC(userCipher, authAssoc(config.UserID, xor)),
	}
	frame, err := s.sealNext(knxnet.MakeFrame(knxnet.SessionAuthenticate, auth.Encode()))
	if err != nil {
		return fmt.Errorf("session authenticate: %w", err)
	}
	if err := s.inner.Send(frame); err != nil {
		return fmt.Errorf("session authenticate: %w", err)
	}

	select {
	case code := <-s.statusCh:
		switch code {
		case StatusAuthSuccess:
			return nil
		case StatusAuthFailed, StatusUnauthenticated:
			return fmt.Errorf("%w: server rejected user %d", ErrAuthFailed, config.UserID)
		case StatusTimeout:
			return fmt.Errorf("session status: %w", ErrTimeout)
		case StatusClose:
			return fmt.Errorf("session refused: %w", ErrClosed)
		default:
			return fmt.Errorf("%w: unexpected session status %s", ErrFormat, code)
		}
	case <-time.After(s.handshakeTimeout):
		return fmt.Errorf("session status: %w", ErrTimeout)
	}
}

// sealNext seals one inner frame with the next send sequence number.
func (s *Session) sealNext(inner []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher == nil {
		return nil, transport.ErrClosed
	}
	if s.sendSeq > maxSeq48 {
		return nil, ErrSequenceExhausted
	}
	seq := s.sendSeq
	s.sendSeq++
	return sealWrapper(s.cipher, s.sid, seq, s.serial, s.tag, inner)
}

// Send seals frame into a secure wrapper and transmits it.
func (s *Session) Send(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrFormat)
	}
	sealed, err := s.sealNext(frame)
	if err != nil {
		return err
	}
	return s.inner.Send(sealed)
}

// OnFrame sets the handler for decrypted inner frames.
func (s *Session) OnFrame(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// LocalAddr returns the local endpoint address.
func (s *Session) LocalAddr() net.Addr { return s.inner.LocalAddr() }

// RemoteAddr returns the server endpoint address.
func (s *Session) RemoteAddr() net.Addr { return s.inner.RemoteAddr() }

// Reliable reports the reliability of the underlying link.
func (s *Session) Reliable() bool { return s.inner.Reliable() }

// ID returns the session identifier assigned by the server.
func (s *Session) ID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Stats returns the rejection counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err explains why the session closed. It returns nil while the
// session is up and ErrClosed after a local Close.
func (s *Session) Err() error {
	select {
	case <-s.closed:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

// Close notifies the server, tears down the transport and wipes the
// session key. It is idempotent.
func (s *Session) Close() error {
	s.closeWith(nil, true)
	s.wg.Wait()
	return nil
}

func (s *Session) closeWith(reason error, notify bool) {
	s.closeOnce.Do(func() {
		if notify {
			if frame, err := s.sealNext(encodeStatus(StatusClose)); err == nil {
				if err := s.inner.Send(frame); err != nil {
					s.log.Debugf("close notification failed: %v", err)
				}
			}
		}

		s.mu.Lock()
		s.closeErr = reason
		s.cipher = nil
		crypto.Wipe(s.key[:])
		sid := s.sid
		s.mu.Unlock()

		close(s.closed)
		if err := s.inner.Close(); err != nil {
			s.log.Debugf("transport close: %v", err)
		}
		s.log.Infof("session %d closed", sid)
	})
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame, err := s.sealNext(encodeStatus(StatusKeepAlive))
			if err != nil {
				return
			}
			if err := s.inner.Send(frame); err != nil {
				s.log.Warnf("keepalive failed: %v", err)
				s.closeWith(fmt.Errorf("keepalive: %w", err), false)
				return
			}
			s.log.Debugf("keepalive sent")
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handleFrame(frame []byte) {
	service, body, err := knxnet.SplitFrame(frame)
	if err != nil {
		s.log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch service {
	case knxnet.SessionResponse:
		var res SessionResponse
		if _, err := res.Decode(body); err != nil {
			s.log.Warnf("dropping session response: %v", err)
			return
		}
		select {
		case s.respCh <- res:
		default:
		}

	case knxnet.SecureWrapper:
		s.handleWrapper(body)

	default:
		// Plaintext has no business on a secure link.
		s.log.Warnf("dropping plain %s", service)
	}
}

func (s *Session) handleWrapper(body []byte) {
	var w Wrapper
	if err := w.Decode(body); err != nil {
		s.log.Warnf("dropping wrapper: %v", err)
		return
	}

	s.mu.Lock()
	if s.cipher == nil {
		s.mu.Unlock()
		return
	}
	if w.SessionID != s.sid {
		s.mu.Unlock()
		s.log.Warnf("dropping wrapper for session %d, ours is %d", w.SessionID, s.sid)
		return
	}
	inner, err := openWrapper(s.cipher, &w)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			s.stats.MACFailures++
		}
		s.mu.Unlock()
		s.log.Warnf("dropping wrapper: %v", err)
		return
	}
	if int64(w.Seq) <= s.lastRecv {
		s.stats.Replays++
		s.mu.Unlock()
		s.log.Warnf("dropping replayed wrapper, sequence %d not after %d", w.Seq, s.lastRecv)
		return
	}
	s.lastRecv = int64(w.Seq)
	handler := s.handler
	established := s.established
	s.mu.Unlock()

	service, payload, err := knxnet.SplitFrame(inner)
	if err != nil {
		s.log.Warnf("dropping wrapped frame: %v", err)
		return
	}
	if service == knxnet.SessionStatus {
		s.handleStatus(payload, established)
		return
	}
	if !established {
		s.log.Warnf("dropping early %s", service)
		return
	}
	if handler != nil {
		handler(inner)
	}
}

func (s *Session) handleStatus(body []byte, established bool) {
	code, err := decodeStatus(body)
	if err != nil {
		s.log.Warnf("dropping session status: %v", err)
		return
	}
	if !established {
		select {
		case s.statusCh <- code:
		default:
		}
		return
	}

	switch code {
	case StatusClose:
		s.log.Infof("session closed by server")
		// Off the read goroutine: closing waits for the transport.
		go s.closeWith(fmt.Errorf("%w by server", ErrClosed), false)
	case StatusTimeout:
		s.log.Warnf("session expired on server")
		go s.closeWith(fmt.Errorf("%w: server reported timeout", ErrClosed), false)
	case StatusUnauthenticated:
		s.log.Warnf("server revoked the session")
		go s.closeWith(fmt.Errorf("%w: server reports unauthenticated", ErrAuthFailed), false)
	default:
		s.log.Debugf("ignoring session status %s", code)
	}
}
