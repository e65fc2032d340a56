package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// KNX IP Secure applies AES-128 in a CCM arrangement (KNX AN159): a
// CBC-MAC with zero IV over a nonce block B0, the length-prefixed
// associated data and the payload, with the resulting tag masked by
// the first counter block and the payload encrypted in CTR mode from
// the second counter block on. The counter blocks repeat the B0 nonce
// fields and end in 0xff plus a one-byte block index.

const (
	// MACSize is the authentication tag length. KNX IP Secure always
	// uses the full AES block.
	MACSize = 16

	// maxPayload keeps the CTR block index within its single byte.
	maxPayload = 255 * aes.BlockSize
)

// SecureCipher seals and opens KNX IP Secure payloads under one
// AES-128 key. Safe for concurrent use.
type SecureCipher struct {
	block cipher.Block
}

// NewSecureCipher creates a cipher for a 16-byte key.
func NewSecureCipher(key []byte) (*SecureCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	return &SecureCipher{block: block}, nil
}

// Seal authenticates assoc and plaintext against the B0 block and
// encrypts the plaintext. Handshake frames authenticate without a
// payload; they pass an empty plaintext and use only the tag.
func (c *SecureCipher) Seal(b0, ctr0 [aes.BlockSize]byte, assoc, plaintext []byte) ([]byte, [MACSize]byte, error) {
	var mac [MACSize]byte
	if len(plaintext) > maxPayload {
		return nil, mac, ErrPayloadTooLong
	}

	mac = c.cbcMAC(b0, assoc, plaintext)
	c.maskMAC(ctr0, &mac)

	ct := make([]byte, len(plaintext))
	if len(plaintext) > 0 {
		ctr := ctr0
		incrementBlock(&ctr)
		cipher.NewCTR(c.block, ctr[:]).XORKeyStream(ct, plaintext)
	}
	return ct, mac, nil
}

// Open decrypts the ciphertext and verifies the tag. The plaintext is
// released only when the tag verifies; on mismatch it is wiped and
// ErrAuthFailed returned.
func (c *SecureCipher) Open(b0, ctr0 [aes.BlockSize]byte, assoc, ciphertext []byte, mac [MACSize]byte) ([]byte, error) {
	if len(ciphertext) > maxPayload {
		return nil, ErrPayloadTooLong
	}

	pt := make([]byte, len(ciphertext))
	if len(ciphertext) > 0 {
		ctr := ctr0
		incrementBlock(&ctr)
		cipher.NewCTR(c.block, ctr[:]).XORKeyStream(pt, ciphertext)
	}

	want := c.cbcMAC(b0, assoc, pt)
	c.maskMAC(ctr0, &want)
	if subtle.ConstantTimeCompare(want[:], mac[:]) != 1 {
		for i := range pt {
			pt[i] = 0
		}
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// cbcMAC chains B0, the two-byte big-endian length of assoc followed
// by assoc zero-padded to a block boundary, then the payload
// zero-padded likewise.
func (c *SecureCipher) cbcMAC(b0 [aes.BlockSize]byte, assoc, payload []byte) [MACSize]byte {
	st := macState{block: c.block}
	st.write(b0[:])

	var alen [2]byte
	binary.BigEndian.PutUint16(alen[:], uint16(len(assoc)))
	st.write(alen[:])
	st.write(assoc)
	st.pad()

	st.write(payload)
	st.pad()

	return st.mac
}

func (c *SecureCipher) maskMAC(ctr0 [aes.BlockSize]byte, mac *[MACSize]byte) {
	var s0 [aes.BlockSize]byte
	c.block.Encrypt(s0[:], ctr0[:])
	for i := range mac {
		mac[i] ^= s0[i]
	}
}

// macState is a streaming CBC-MAC with zero IV.
type macState struct {
	block cipher.Block
	mac   [aes.BlockSize]byte
	buf   [aes.BlockSize]byte
	n     int
}

func (s *macState) write(p []byte) {
	for len(p) > 0 {
		n := copy(s.buf[s.n:], p)
		s.n += n
		p = p[n:]
		if s.n == aes.BlockSize {
			s.chain()
		}
	}
}

// pad closes the current block, zero-filling the remainder.
func (s *macState) pad() {
	if s.n == 0 {
		return
	}
	for i := s.n; i < aes.BlockSize; i++ {
		s.buf[i] = 0
	}
	s.n = aes.BlockSize
	s.chain()
}

func (s *macState) chain() {
	for i := range s.buf {
		s.mac[i] ^= s.buf[i]
	}
	s.block.Encrypt(s.mac[:], s.mac[:])
	s.n = 0
}

// incrementBlock treats the block as a big-endian counter.
func incrementBlock(b *[aes.BlockSize]byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
