package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// DecryptCBC decrypts data with AES-128-CBC without padding. The
// keyring container only ever encrypts whole blocks, so a length that
// is not a block multiple means corruption.
//
// The construction carries no authentication tag: a wrong key produces
// garbage silently. Integrity is established by the keyring signature
// check, not here.
func DecryptCBC(data, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv, len(data))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// EncryptCBC is the inverse of DecryptCBC. The stack itself only
// decrypts; encryption exists for building containers and fixtures.
func EncryptCBC(data, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv, len(data))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func newBlock(key, iv []byte, dataLen int) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIVSize
	}
	if dataLen%aes.BlockSize != 0 {
		return nil, ErrInvalidBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	return block, nil
}

// ExtractPassword recovers the password bytes from a decrypted
// credential block: 8 header bytes, the password, then PKCS#5-style
// padding whose length is given by the final byte. Empty input yields
// an empty password.
func ExtractPassword(decrypted []byte) ([]byte, error) {
	if len(decrypted) == 0 {
		return nil, nil
	}
	pad := int(decrypted[len(decrypted)-1])
	if pad < 1 || pad > len(decrypted)-8 {
		return nil, ErrInvalidPadding
	}
	out := make([]byte, len(decrypted)-8-pad)
	copy(out, decrypted[8:len(decrypted)-pad])
	return out, nil
}
