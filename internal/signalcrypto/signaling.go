package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	signalingVersion       = 1
	signalingCipherKeySize = 32
	signalingMACKeySize    = 20
	signalingMACSize       = 10
)

// DecryptSignalingEnvelope decrypts a pushed envelope body encrypted under the
// account's legacy signaling key.
//
// Layout: version (1) || IV (16) || AES-256-CBC ciphertext || HMAC-SHA256[:10]
// over everything before the MAC. The base64 signaling key holds the 32-byte
// cipher key followed by the 20-byte MAC key.
func DecryptSignalingEnvelope(data []byte, signalingKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(signalingKey)
	if err != nil {
		return nil, fmt.Errorf("signaling key: %w", err)
	}
	if len(key) != signalingCipherKeySize+signalingMACKeySize {
		return nil, fmt.Errorf("signaling key: must be %d bytes, got %d", signalingCipherKeySize+signalingMACKeySize, len(key))
	}
	cipherKey, macKey := key[:signalingCipherKeySize], key[signalingCipherKeySize:]

	if len(data) < 1+ivLength+aes.BlockSize+signalingMACSize {
		return nil, invalidf("signaling envelope too short (%d bytes)", len(data))
	}
	if data[0] != signalingVersion {
		return nil, invalidf("unsupported signaling version %d", data[0])
	}

	body := data[:len(data)-signalingMACSize]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil)[:signalingMACSize], data[len(data)-signalingMACSize:]) {
		return nil, invalidf("bad signaling mac")
	}

	iv := body[1 : 1+ivLength]
	ct := body[1+ivLength:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, invalidf("signaling ciphertext not block aligned")
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("signaling: create cipher: %w", err)
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)
	return stripPKCS7(plaintext)
}
