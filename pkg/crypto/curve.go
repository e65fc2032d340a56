package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// CurveKeySize is the Curve25519 scalar and point size in bytes.
const CurveKeySize = 32

// Keypair is an ephemeral Curve25519 key pair for the secure session
// handshake. Pairs live for a single handshake; Wipe destroys the
// private scalar afterwards.
type Keypair struct {
	Private [CurveKeySize]byte
	Public  [CurveKeySize]byte
}

// GenerateKeypair creates an ephemeral key pair with the scalar read
// from rand. Pass crypto/rand.Reader outside of tests.
func GenerateKeypair(rand io.Reader) (*Keypair, error) {
	kp := &Keypair{}
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 agreement with the peer's public
// value. Low-order peer points are rejected.
func (kp *Keypair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != CurveKeySize {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return shared, nil
}

// Wipe zeroes the private scalar.
func (kp *Keypair) Wipe() {
	Wipe(kp.Private[:])
}

// Wipe overwrites b with zeros. Callers use it to shorten the
// lifetime of key material and plaintext passwords.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// XORKeys combines two public values byte-wise. The handshake MACs
// authenticate the XOR of both ephemeral public values.
func XORKeys(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
