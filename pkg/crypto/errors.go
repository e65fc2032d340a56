package crypto

import "errors"

// Primitive errors.
var (
	// ErrInvalidKeySize is returned for keys that are not 16 bytes.
	ErrInvalidKeySize = errors.New("crypto: invalid key size, must be 16 bytes")

	// ErrInvalidBlockSize is returned when CBC input is not a multiple
	// of the AES block size.
	ErrInvalidBlockSize = errors.New("crypto: data length not a multiple of the AES block size")

	// ErrInvalidIVSize is returned for IVs that are not one block.
	ErrInvalidIVSize = errors.New("crypto: invalid IV size, must be 16 bytes")

	// ErrInvalidPadding is returned when a decrypted password block
	// carries an impossible padding length.
	ErrInvalidPadding = errors.New("crypto: invalid password padding")

	// ErrAuthFailed is returned when an authentication tag does not
	// verify. The payload is discarded, never returned.
	ErrAuthFailed = errors.New("crypto: message authentication failed")

	// ErrInvalidPublicKey is returned for malformed or low-order peer
	// public values in the key agreement.
	ErrInvalidPublicKey = errors.New("crypto: invalid peer public value")

	// ErrPayloadTooLong is returned when a payload exceeds the CTR
	// block counter range.
	ErrPayloadTooLong = errors.New("crypto: payload too long")

	// ErrSetup signals an unusable primitive. This is an environment
	// or programming defect, not bad input.
	ErrSetup = errors.New("crypto: cipher setup failed")
)
