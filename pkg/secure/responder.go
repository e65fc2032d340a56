package secure

import (
	"crypto/rand"
	"crypto/subtle"
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

const defaultExpiry = 60 * time.Second

// ResponderConfig configures the server side of a secure session.
type ResponderConfig struct {
	// Transport is the plaintext link the responder answers on. The
	// responder owns it once NewResponder succeeds.
	Transport transport.Transport

	// DeviceAuthKey is the 16 byte key this device authenticates
	// itself with, see crypto.DeviceAuthKey.
	DeviceAuthKey []byte

	// Users maps user identifiers to their 16 byte password keys.
	Users map[uint8][]byte

	// SessionID is assigned to the session, default 1. Zero is
	// reserved for multicast and rejected.
	SessionID uint16

	// Serial is the KNX serial number stamped on outgoing wrappers.
	Serial [6]byte

	// Expiry closes an established session that has received no
	// traffic, default 60s. A SESSION_STATUS timeout is sent first.
	Expiry time.Duration

	// LoggerFactory defaults to logging.NewDefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory

	// Rand is the entropy source for the ephemeral keypair, default
	// crypto/rand.Reader.
	Rand io.Reader
}

func (c *ResponderConfig) validate() error {
	if c.Transport == nil {
		return fmt.Errorf("secure: config needs a transport")
	}
	if len(c.DeviceAuthKey) != crypto.KeySize {
		return fmt.Errorf("%w: device authentication key must be %d bytes", ErrKeys, crypto.KeySize)
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("%w: responder needs at least one user", ErrKeys)
	}
	for id, key := range c.Users {
		if id == 0 || id > 0x7F {
			return fmt.Errorf("%w: user %d out of range 1..127", ErrKeys, id)
		}
		if len(key) != crypto.KeySize {
			return fmt.Errorf("%w: key of user %d must be %d bytes", ErrKeys, id, crypto.KeySize)
		}
	}
	return nil
}

func (c *ResponderConfig) applyDefaults() {
	if c.SessionID == 0 {
		c.SessionID = 1
	}
	if c.Expiry <= 0 {
		c.Expiry = defaultExpiry
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// Responder is the gateway side of a secure session: it answers one
// handshake, authenticates the user against its table and then moves
// wrapped frames. Like Session it implements transport.Transport, so a
// server loop runs over it the way it would over a plain link.
//
// A protocol-triggered teardown (failed authentication, expiry, a
// Close status from the peer) wipes the session state but leaves the
// link to its owner; only Close releases the transport.
type Responder struct {
	inner transport.Transport
	log   logging.LeveledLogger

	sid    uint16
	serial [6]byte
	devKey []byte
	users  map[uint8][]byte
	expiry time.Duration
	rng    io.Reader

	mu          sync.Mutex
	key         [crypto.KeySize]byte
	cipher      *crypto.SecureCipher
	xor         []byte
	sendSeq     uint64
	lastRecv    int64
	tag         uint16
	established bool
	user        uint8
	activity    time.Time
	handler     transport.Handler
	closeErr    error

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewResponder starts answering secure session traffic on
// config.Transport.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if err := config.validate(); err != nil {
		if config.Transport != nil {
			config.Transport.Close()
		}
		return nil, err
	}
	config.applyDefaults()

	users := make(map[uint8][]byte, len(config.Users))
	for id, key := range config.Users {
		users[id] = append([]byte(nil), key...)
	}

	r := &Responder{
		inner:    config.Transport,
		log:      config.LoggerFactory.NewLogger("knx-secure"),
		sid:      config.SessionID,
		serial:   config.Serial,
		devKey:   append([]byte(nil), config.DeviceAuthKey...),
		users:    users,
		expiry:   config.Expiry,
		rng:      config.Rand,
		lastRecv: -1,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	config.Transport.OnFrame(r.handleFrame)
	r.wg.Add(1)
	go r.expiryLoop()
	return r, nil
}

// Ready is closed once a client has authenticated.
func (r *Responder) Ready() <-chan struct{} {
	return r.ready
}

// User returns the authenticated user, zero before authentication.
func (r *Responder) User() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user
}

// ID returns the session identifier this responder assigns.
func (r *Responder) ID() uint16 { return r.sid }

// Done is closed once the session state has been torn down.
func (r *Responder) Done() <-chan struct{} {
	return r.closed
}

// Err explains why the session ended, nil while it is usable.
func (r *Responder) Err() error {
	select {
	case <-r.closed:
	default:
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return r.closeErr
	}
	return ErrClosed
}

func (r *Responder) sealNext(inner []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cipher == nil {
		return nil, transport.ErrClosed
	}
	if r.sendSeq > maxSeq48 {
		return nil, ErrSequenceExhausted
	}
	seq := r.sendSeq
	r.sendSeq++
	return sealWrapper(r.cipher, r.sid, seq, r.serial, r.tag, inner)
}

// Send seals frame into a secure wrapper and transmits it.
func (r *Responder) Send(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrFormat)
	}
	sealed, err := r.sealNext(frame)
	if err != nil {
		return err
	}
	return r.inner.Send(sealed)
}

// OnFrame sets the handler for decrypted inner frames.
func (r *Responder) OnFrame(h transport.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// LocalAddr returns the local endpoint address.
func (r *Responder) LocalAddr() net.Addr { return r.inner.LocalAddr() }

// RemoteAddr returns the peer endpoint address.
func (r *Responder) RemoteAddr() net.Addr { return r.inner.RemoteAddr() }

// Reliable reports the reliability of the underlying link.
func (r *Responder) Reliable() bool { return r.inner.Reliable() }

// Close tears down the session state and the transport.
func (r *Responder) Close() error {
	r.teardown(nil)
	if err := r.inner.Close(); err != nil {
		r.log.Debugf("transport close: %v", err)
	}
	r.wg.Wait()
	return nil
}

// teardown wipes the session state. The transport stays up; see the
// type comment.
func (r *Responder) teardown(reason error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closeErr = reason
		r.cipher = nil
		crypto.Wipe(r.key[:])
		if r.xor != nil {
			crypto.Wipe(r.xor)
			r.xor = nil
		}
		for _, key := range r.users {
			crypto.Wipe(key)
		}
		crypto.Wipe(r.devKey)
		r.mu.Unlock()
		close(r.closed)
		r.log.Infof("session %d torn down", r.sid)
	})
}

func (r *Responder) expiryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.expiry / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			expired := r.established && time.Since(r.activity) > r.expiry
			r.mu.Unlock()
			if !expired {
				continue
			}
			r.log.Warnf("session %d expired without traffic", r.sid)
			if frame, err := r.sealNext(encodeStatus(StatusTimeout)); err == nil {
				// Best effort, the peer may already be gone.
				_ = r.inner.Send(frame)
			}
			r.teardown(fmt.Errorf("%w: expired without traffic", ErrClosed))
			return
		case <-r.closed:
			return
		}
	}
}

func (r *Responder) handleFrame(frame []byte) {
	select {
	case <-r.closed:
		return
	default:
	}

	service, body, err := knxnet.SplitFrame(frame)
	if err != nil {
		r.log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch service {
	case knxnet.SessionRequest:
		r.handleRequest(body)
	case knxnet.SecureWrapper:
		r.handleWrapper(body)
	default:
		r.log.Warnf("dropping plain %s", service)
	}
}

func (r *Responder) handleRequest(body []byte) {
	var req SessionRequest
	if _, err := req.Decode(body); err != nil {
		r.log.Warnf("dropping session request: %v", err)
		return
	}

	r.mu.Lock()
	if r.established {
		r.mu.Unlock()
		r.log.Warnf("ignoring session request, session %d already established", r.sid)
		return
	}
	r.mu.Unlock()

	kp, err := crypto.GenerateKeypair(r.rng)
	if err != nil {
		r.log.Errorf("generate keypair: %v", err)
		return
	}
	defer kp.Wipe()
	shared, err := kp.SharedSecret(req.PublicKey[:])
	if err != nil {
		r.log.Warnf("rejecting session request: %v", err)
		return
	}
	key := crypto.SessionKey(shared)
	crypto.Wipe(shared)
	cipher, err := crypto.NewSecureCipher(key[:])
	if err != nil {
		r.log.Errorf("session cipher: %v", err)
		return
	}
	xor := crypto.XORKeys(req.PublicKey[:], kp.Public[:])

	devCipher, err := crypto.NewSecureCipher(r.devKey)
	if err != nil {
		r.log.Errorf("device key: %v", err)
		return
	}
	mac := handshakeMAC(devCipher, responseAssoc(r.sid, xor))

	r.mu.Lock()
	r.key = key
	r.cipher = cipher
	r.xor = xor
	r.activity = time.Now()
	r.mu.Unlock()
	crypto.Wipe(key[:])

	res := SessionResponse{SessionID: r.sid, PublicKey: kp.Public, MAC: mac}
	if err := r.inner.Send(knxnet.MakeFrame(knxnet.SessionResponse, res.Encode())); err != nil {
		r.log.Warnf("session response: %v", err)
	}
}

func (r *Responder) handleWrapper(body []byte) {
	var w Wrapper
	if err := w.Decode(body); err != nil {
		r.log.Warnf("dropping wrapper: %v", err)
		return
	}

	r.mu.Lock()
	if r.cipher == nil {
		r.mu.Unlock()
		return
	}
	if w.SessionID != r.sid {
		r.mu.Unlock()
		r.log.Warnf("dropping wrapper for session %d, ours is %d", w.SessionID, r.sid)
		return
	}
	inner, err := openWrapper(r.cipher, &w)
	if err != nil {
		r.mu.Unlock()
		r.log.Warnf("dropping wrapper: %v", err)
		return
	}
	if int64(w.Seq) <= r.lastRecv {
		r.mu.Unlock()
		r.log.Warnf("dropping replayed wrapper, sequence %d not after %d", w.Seq, r.lastRecv)
		return
	}
	r.lastRecv = int64(w.Seq)
	r.activity = time.Now()
	established := r.established
	handler := r.handler
	r.mu.Unlock()

	service, payload, err := knxnet.SplitFrame(inner)
	if err != nil {
		r.log.Warnf("dropping wrapped frame: %v", err)
		return
	}
	switch {
	case service == knxnet.SessionAuthenticate && !established:
		r.handleAuth(payload)
	case service == knxnet.SessionStatus:
		r.handleStatus(payload)
	case !established:
		r.log.Warnf("dropping early %s", service)
	case handler != nil:
		handler(inner)
	}
}

func (r *Responder) handleAuth(payload []byte) {
	var auth SessionAuth
	if _, err := auth.Decode(payload); err != nil {
		r.log.Warnf("dropping session authenticate: %v", err)
		return
	}

	r.mu.Lock()
	xor := r.xor
	userKey, known := r.users[auth.UserID]
	r.mu.Unlock()

	ok := false
	if known && xor != nil {
		userCipher, err := crypto.NewSecureCipher(userKey)
		if err == nil {
			want := handshakeMAC(userCipher, authAssoc(auth.UserID, xor))
			ok = subtle.ConstantTimeCompare(want[:], auth.MAC[:]) == 1
		}
	}

	if !ok {
		r.log.Warnf("authentication of user %d failed", auth.UserID)
		if frame, err := r.sealNext(encodeStatus(StatusAuthFailed)); err == nil {
			_ = r.inner.Send(frame)
		}
		r.teardown(fmt.Errorf("%w: user %d", ErrAuthFailed, auth.UserID))
		return
	}

	r.mu.Lock()
	r.established = true
	r.user = auth.UserID
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Infof("session %d established as user %d", r.sid, auth.UserID)

	if frame, err := r.sealNext(encodeStatus(StatusAuthSuccess)); err == nil {
		if err := r.inner.Send(frame); err != nil {
			r.log.Warnf("session status: %v", err)
		}
	}
}

func (r *Responder) handleStatus(payload []byte) {
	code, err := decodeStatus(payload)
	if err != nil {
		r.log.Warnf("dropping session status: %v", err)
		return
	}
	switch code {
	case StatusClose:
		r.log.Infof("session closed by peer")
		r.teardown(fmt.Errorf("%w by peer", ErrClosed))
	case StatusKeepAlive:
		r.log.Debugf("keepalive received")
	default:
		r.log.Debugf("ignoring session status %s", code)
	}
}
