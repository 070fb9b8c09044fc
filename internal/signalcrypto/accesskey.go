package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AccessKeyLength is the size of an unidentified access key.
const AccessKeyLength = 16

// DeriveAccessKey derives the unidentified access key of a profile key: the
// first 16 bytes of AES-256-GCM over 16 zero bytes with a zero nonce.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	if len(profileKey) != ProfileKeyLength {
		return nil, fmt.Errorf("%w: profile key must be %d bytes, got %d", ErrInvalidProfileCipher, ProfileKeyLength, len(profileKey))
	}
	block, err := aes.NewCipher(profileKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	out := aead.Seal(nil, nonce, make([]byte, AccessKeyLength), nil)
	return out[:AccessKeyLength], nil
}
