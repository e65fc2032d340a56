// Package secure implements KNX IP Secure unicast sessions (KNX AN159):
// an X25519 handshake authenticated by the device key, user
// authentication, and the encrypted wrapper that carries all further
// traffic.
//
// A Session wraps another transport and is itself a
// transport.Transport, so sequenced connections run over it unchanged.
package secure

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/knxnet"
)

const (
	sessionRequestSize  = 8 + crypto.CurveKeySize
	sessionResponseSize = 2 + crypto.CurveKeySize + crypto.MACSize
	sessionAuthSize     = 2 + crypto.MACSize
	sessionStatusSize   = 2
	wrapperFixedSize    = 2 + 6 + 6 + 2 + crypto.MACSize

	// maxSeq48 is the largest wrapper sequence number; the field is
	// 48 bits wide.
	maxSeq48 = 1<<48 - 1
)

// SessionRequest is the body of a SESSION_REQUEST: the client's
// control endpoint and its ephemeral public value.
type SessionRequest struct {
	Control   knxnet.HPAI
	PublicKey [crypto.CurveKeySize]byte
}

// Size returns the encoded body size.
func (r *SessionRequest) Size() int {
	return sessionRequestSize
}

// Encode returns the encoded body.
func (r *SessionRequest) Encode() []byte {
	buf := make([]byte, r.Size())
	n := r.Control.EncodeTo(buf)
	copy(buf[n:], r.PublicKey[:])
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *SessionRequest) Decode(data []byte) (int, error) {
	if len(data) < sessionRequestSize {
		return 0, fmt.Errorf("%w: session request needs %d bytes, have %d", ErrFormat, sessionRequestSize, len(data))
	}
	n, err := r.Control.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	copy(r.PublicKey[:], data[n:])
	return sessionRequestSize, nil
}

// SessionResponse is the body of a SESSION_RESPONSE: the assigned
// session, the server's ephemeral public value and the device
// authentication MAC.
type SessionResponse struct {
	SessionID uint16
	PublicKey [crypto.CurveKeySize]byte
	MAC       [crypto.MACSize]byte
}

// Size returns the encoded body size.
func (r *SessionResponse) Size() int {
	return sessionResponseSize
}

// Encode returns the encoded body.
func (r *SessionResponse) Encode() []byte {
	buf := make([]byte, r.Size())
	binary.BigEndian.PutUint16(buf, r.SessionID)
	copy(buf[2:], r.PublicKey[:])
	copy(buf[2+crypto.CurveKeySize:], r.MAC[:])
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *SessionResponse) Decode(data []byte) (int, error) {
	if len(data) < sessionResponseSize {
		return 0, fmt.Errorf("%w: session response needs %d bytes, have %d", ErrFormat, sessionResponseSize, len(data))
	}
	r.SessionID = binary.BigEndian.Uint16(data)
	copy(r.PublicKey[:], data[2:])
	copy(r.MAC[:], data[2+crypto.CurveKeySize:])
	return sessionResponseSize, nil
}

// SessionAuth is the body of a SESSION_AUTHENTICATE: the user and the
// MAC computed with that user's password key. It travels inside the
// first wrapper of the session.
type SessionAuth struct {
	UserID uint8
	MAC    [crypto.MACSize]byte
}

// Size returns the encoded body size.
func (a *SessionAuth) Size() int {
	return sessionAuthSize
}

// Encode returns the encoded body.
func (a *SessionAuth) Encode() []byte {
	buf := make([]byte, a.Size())
	buf[0] = 0x00
	buf[1] = a.UserID
	copy(buf[2:], a.MAC[:])
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (a *SessionAuth) Decode(data []byte) (int, error) {
	if len(data) < sessionAuthSize {
		return 0, fmt.Errorf("%w: session authenticate needs %d bytes, have %d", ErrFormat, sessionAuthSize, len(data))
	}
	a.UserID = data[1]
	copy(a.MAC[:], data[2:])
	return sessionAuthSize, nil
}

// StatusCode is the one byte code of a SESSION_STATUS frame.
type StatusCode uint8

const (
	StatusAuthSuccess     StatusCode = 0x00
	StatusAuthFailed      StatusCode = 0x01
	StatusUnauthenticated StatusCode = 0x02
	StatusTimeout         StatusCode = 0x03
	StatusClose           StatusCode = 0x04
	StatusKeepAlive       StatusCode = 0x05
)

func (s StatusCode) String() string {
	switch s {
	case StatusAuthSuccess:
		return "STATUS_AUTHENTICATION_SUCCESS"
	case StatusAuthFailed:
		return "STATUS_AUTHENTICATION_FAILED"
	case StatusUnauthenticated:
		return "STATUS_UNAUTHENTICATED"
	case StatusTimeout:
		return "STATUS_TIMEOUT"
	case StatusClose:
		return "STATUS_CLOSE"
	case StatusKeepAlive:
		return "STATUS_KEEPALIVE"
	default:
		return fmt.Sprintf("StatusCode(0x%02x)", uint8(s))
	}
}

// encodeStatus builds a SESSION_STATUS frame.
func encodeStatus(code StatusCode) []byte {
	return knxnet.MakeFrame(knxnet.SessionStatus, []byte{byte(code), 0x00})
}

func decodeStatus(body []byte) (StatusCode, error) {
	if len(body) < sessionStatusSize {
		return 0, fmt.Errorf("%w: session status needs %d bytes, have %d", ErrFormat, sessionStatusSize, len(body))
	}
	return StatusCode(body[0]), nil
}

// Wrapper is the decoded body of a SECURE_WRAPPER.
type Wrapper struct {
	SessionID  uint16
	Seq        uint64
	Serial     [6]byte
	Tag        uint16
	Ciphertext []byte
	MAC        [crypto.MACSize]byte
}

// Decode parses the body from data.
func (w *Wrapper) Decode(data []byte) error {
	if len(data) < wrapperFixedSize {
		return fmt.Errorf("%w: wrapper needs at least %d bytes, have %d", ErrFormat, wrapperFixedSize, len(data))
	}
	w.SessionID = binary.BigEndian.Uint16(data)
	w.Seq = seq48(data[2:8])
	copy(w.Serial[:], data[8:14])
	w.Tag = binary.BigEndian.Uint16(data[14:])
	ct := data[16 : len(data)-crypto.MACSize]
	w.Ciphertext = make([]byte, len(ct))
	copy(w.Ciphertext, ct)
	copy(w.MAC[:], data[len(data)-crypto.MACSize:])
	return nil
}

func seq48(b []byte) uint64 {
	var buf [8]byte
	copy(buf[2:], b[:6])
	return binary.BigEndian.Uint64(buf[:])
}

func putSeq48(dst []byte, seq uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	copy(dst, buf[2:])
}

// makeB0 builds the CCM nonce block of a wrapper: sequence, serial,
// tag and the payload length.
func makeB0(seq uint64, serial [6]byte, tag uint16, payloadLen int) [aes.BlockSize]byte {
	var b [aes.BlockSize]byte
	putSeq48(b[0:6], seq)
	copy(b[6:12], serial[:])
	binary.BigEndian.PutUint16(b[12:14], tag)
	binary.BigEndian.PutUint16(b[14:16], uint16(payloadLen))
	return b
}

// makeCtr0 builds the first counter block: the B0 nonce fields with
// the 0xff00 trailer.
func makeCtr0(seq uint64, serial [6]byte, tag uint16) [aes.BlockSize]byte {
	var b [aes.BlockSize]byte
	putSeq48(b[0:6], seq)
	copy(b[6:12], serial[:])
	binary.BigEndian.PutUint16(b[12:14], tag)
	b[14] = 0xff
	b[15] = 0x00
	return b
}

// wrapperAssoc is the associated data of a wrapper: the outer frame
// header and the session identifier.
func wrapperAssoc(sid uint16, totalLen int) []byte {
	h := knxnet.Header{Service: knxnet.SecureWrapper, TotalLength: totalLen}
	buf := make([]byte, knxnet.HeaderSize+2)
	n := h.EncodeTo(buf)
	binary.BigEndian.PutUint16(buf[n:], sid)
	return buf
}

// sealWrapper encrypts and authenticates one inner frame, returning
// the complete SECURE_WRAPPER frame.
func sealWrapper(c *crypto.SecureCipher, sid uint16, seq uint64, serial [6]byte, tag uint16, inner []byte) ([]byte, error) {
	totalLen := knxnet.HeaderSize + wrapperFixedSize + len(inner)
	ct, mac, err := c.Seal(
		makeB0(seq, serial, tag, len(inner)),
		makeCtr0(seq, serial, tag),
		wrapperAssoc(sid, totalLen),
		inner,
	)
	if err != nil {
		return nil, err
	}

	body := make([]byte, wrapperFixedSize+len(ct))
	binary.BigEndian.PutUint16(body, sid)
	putSeq48(body[2:8], seq)
	copy(body[8:14], serial[:])
	binary.BigEndian.PutUint16(body[14:16], tag)
	copy(body[16:], ct)
	copy(body[16+len(ct):], mac[:])
	return knxnet.MakeFrame(knxnet.SecureWrapper, body), nil
}

// openWrapper verifies and decrypts a parsed wrapper, returning the
// inner frame.
func openWrapper(c *crypto.SecureCipher, w *Wrapper) ([]byte, error) {
	totalLen := knxnet.HeaderSize + wrapperFixedSize + len(w.Ciphertext)
	return c.Open(
		makeB0(w.Seq, w.Serial, w.Tag, len(w.Ciphertext)),
		makeCtr0(w.Seq, w.Serial, w.Tag),
		wrapperAssoc(w.SessionID, totalLen),
		w.Ciphertext,
		w.MAC,
	)
}

// handshakeMAC computes the MAC of a handshake frame: an empty payload
// under an all-zero nonce, authenticating only the associated data.
func handshakeMAC(c *crypto.SecureCipher, assoc []byte) [crypto.MACSize]byte {
	var b0 [aes.BlockSize]byte
	var serial [6]byte
	_, mac, _ := c.Seal(b0, makeCtr0(0, serial, 0), assoc, nil)
	return mac
}

// responseAssoc is the associated data authenticated by a
// SESSION_RESPONSE MAC: the frame header, the session identifier and
// the XOR of both public values.
func responseAssoc(sid uint16, xorKeys []byte) []byte {
	h := knxnet.Header{
		Service:     knxnet.SessionResponse,
		TotalLength: knxnet.HeaderSize + sessionResponseSize,
	}
	buf := make([]byte, 0, knxnet.HeaderSize+2+crypto.CurveKeySize)
	buf = append(buf, h.Encode()...)
	var sidb [2]byte
	binary.BigEndian.PutUint16(sidb[:], sid)
	buf = append(buf, sidb[:]...)
	return append(buf, xorKeys...)
}

// authAssoc is the associated data authenticated by a
// SESSION_AUTHENTICATE MAC: the frame header, the user and the XOR of
// both public values.
func authAssoc(userID uint8, xorKeys []byte) []byte {
	h := knxnet.Header{
		Service:     knxnet.SessionAuthenticate,
		TotalLength: knxnet.HeaderSize + sessionAuthSize,
	}
	buf := make([]byte, 0, knxnet.HeaderSize+2+crypto.CurveKeySize)
	buf = append(buf, h.Encode()...)
	buf = append(buf, 0x00, userID)
	return append(buf, xorKeys...)
}
