package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	ProfileKeyLength = 32

	profileNonceLength = 12
	profileTagLength   = 16
)

// ProfileCipher decrypts profile fields and avatars using AES-GCM with the
// profile key.
type ProfileCipher struct {
	aead cipher.AEAD
}

// NewProfileCipher creates a cipher from a 32-byte profile key.
func NewProfileCipher(profileKey []byte) (*ProfileCipher, error) {
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
	return &ProfileCipher{aead: aead}, nil
}

// Encrypt encrypts data zero-padded to paddedLength.
// Output format: [12-byte nonce][encrypted padded data][16-byte GCM tag]
func (pc *ProfileCipher) Encrypt(input []byte, paddedLength int) ([]byte, error) {
	if len(input) > paddedLength {
		return nil, fmt.Errorf("input too long: %d > %d", len(input), paddedLength)
	}
	padded := make([]byte, paddedLength)
	copy(padded, input)

	nonce := make([]byte, profileNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return pc.aead.Seal(nonce, nonce, padded, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (pc *ProfileCipher) Decrypt(input []byte) ([]byte, error) {
	if len(input) < profileNonceLength+profileTagLength {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", ErrInvalidProfileCipher, len(input))
	}
	plaintext, err := pc.aead.Open(nil, input[:profileNonceLength], input[profileNonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfileCipher, err)
	}
	return plaintext, nil
}

// DecryptString decrypts and strips null padding from a string field.
func (pc *ProfileCipher) DecryptString(input []byte) (string, error) {
	plaintext, err := pc.Decrypt(input)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(plaintext, "\x00")), nil
}

// NewProfileAvatarReader returns the decrypted avatar read from src.
//
// GCM authenticates only at the end of the message, so the avatar is read in
// full and opened before any plaintext is returned. Callers bound the size of
// src when downloading it.
func NewProfileAvatarReader(src io.Reader, profileKey []byte) (io.Reader, error) {
	pc, err := NewProfileCipher(profileKey)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("avatar: read: %w", err)
	}
	plaintext, err := pc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("avatar: %w", err)
	}
	return bytes.NewReader(plaintext), nil
}
