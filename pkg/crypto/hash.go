// Package crypto provides the cryptographic primitives for the KNX
// stack: keyring key derivation and container decryption (KNX AN158)
// and the IP Secure session primitives (KNX AN159).
package crypto

import "crypto/sha256"

// HashSize is the truncated digest length used throughout the KNX
// secure formats: SHA-256 cut to the AES block size.
const HashSize = 16

// SHA256Trunc16 computes SHA-256 truncated to its first 16 bytes.
// The keyring format uses this both for its content signature and,
// applied to the creation timestamp, as the AES-CBC IV.
func SHA256Trunc16(data []byte) [HashSize]byte {
	sum := sha256.Sum256(data)
	var out [HashSize]byte
	copy(out[:], sum[:HashSize])
	return out
}

// SessionKey derives the 16-byte secure session key from an ECDH
// shared secret: SHA-256 truncated to the AES key size.
func SessionKey(sharedSecret []byte) [KeySize]byte {
	return SHA256Trunc16(sharedSecret)
}
