package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters fixed by the ETS keyring container and the
// KNX IP Secure profile (KNX AN158/AN159). All password-derived keys
// use PBKDF2-HMAC-SHA256 with 65536 iterations and 128-bit output.
const (
	// KDFIterations is the PBKDF2 iteration count.
	KDFIterations = 65536

	// KeySize is the derived key length in bytes (AES-128).
	KeySize = 16
)

// Derivation salts. Each credential class uses its own fixed salt.
const (
	// KeyringSalt derives the keyring container key from the keyring password.
	KeyringSalt = "1.keyring.ets.knx.org"

	// UserPasswordSalt derives a secure session user key from a user password.
	UserPasswordSalt = "user-password.1.secure.ip.knx.org"

	// DeviceAuthSalt derives the device authentication key from a
	// device authentication code.
	DeviceAuthSalt = "device-authentication-code.1.secure.ip.knx.org"
)

// DeriveKey derives a 16-byte key from a password using
// PBKDF2-HMAC-SHA256 with KDFIterations.
//
// An empty password yields a zero-length key. This is a deliberate
// sentinel for unset or unauthenticated credentials; callers must
// check for it instead of treating it as a valid (weak) key.
func DeriveKey(password, salt []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	return pbkdf2.Key(password, salt, KDFIterations, KeySize, sha256.New)
}

// UserPasswordKey derives the secure session user key from a tunneling
// user password.
func UserPasswordKey(password []byte) []byte {
	return DeriveKey(password, []byte(UserPasswordSalt))
}

// DeviceAuthKey derives the device authentication key from a device
// authentication code.
func DeviceAuthKey(code []byte) []byte {
	return DeriveKey(code, []byte(DeviceAuthSalt))
}
