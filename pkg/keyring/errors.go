package keyring

import "errors"

var (
	// ErrFormat indicates a container that is not a well-formed
	// keyring: wrong extension, namespace, structure or field sizes.
	ErrFormat = errors.New("keyring: malformed keyring container")

	// ErrSignatureMismatch indicates the recomputed signature differs
	// from the stored one, meaning a wrong password or a modified
	// container.
	ErrSignatureMismatch = errors.New("keyring: signature verification failed")

	// ErrDecrypt indicates an encrypted field could not be decrypted.
	ErrDecrypt = errors.New("keyring: decryption failed")
)
