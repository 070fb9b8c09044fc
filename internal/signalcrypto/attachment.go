package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// AttachmentKeyLength is the combined AES-256 and HMAC-SHA256 key material.
	AttachmentKeyLength = 64

	ivLength  = aes.BlockSize
	macLength = sha256.Size

	// chunkSize is the read granularity of both passes. Must be a multiple of
	// the AES block size.
	chunkSize = 32 * 1024

	stickerKeyInfo = "Sticker Pack"
)

// NewAttachmentReader returns a reader yielding the verified plaintext of an
// encrypted attachment of the given ciphertext size.
//
// The ciphertext layout is IV (16 bytes) || AES-256-CBC ciphertext (PKCS7
// padded) || HMAC-SHA256 (32 bytes) over IV and ciphertext. The first 32 bytes
// of key encrypt, the last 32 authenticate.
//
// Verification happens before the reader is returned: the whole of src is
// streamed once through the HMAC and, when digest is non-nil, through a
// SHA-256 over the entire ciphertext including the MAC. Decryption then runs
// incrementally on Read, so memory use is bounded regardless of size and no
// plaintext is ever produced from unverified bytes.
//
// If plaintextLen is positive the reader yields exactly that many bytes and
// discards the rest as padding; a shorter plaintext is an ErrInvalidMessage.
//
// The reader reads src a second time while decrypting. The caller must own
// src exclusively and leave it unmodified until it is done with the reader.
func NewAttachmentReader(src io.ReaderAt, size int64, key, digest []byte, plaintextLen int64) (io.Reader, error) {
	if len(key) != AttachmentKeyLength {
		return nil, invalidf("key must be %d bytes, got %d", AttachmentKeyLength, len(key))
	}
	if size < ivLength+aes.BlockSize+macLength {
		return nil, invalidf("message shorter than crypto overhead (%d bytes)", size)
	}
	ctLen := size - ivLength - macLength
	if ctLen%aes.BlockSize != 0 {
		return nil, invalidf("ciphertext not block aligned (%d bytes)", ctLen)
	}
	// At least one byte of padding follows the plaintext.
	if plaintextLen > ctLen-1 {
		return nil, invalidf("declared size %d exceeds ciphertext capacity %d", plaintextLen, ctLen-1)
	}

	aesKey, macKey := key[:32], key[32:]
	if err := verifyMAC(src, size, macKey, digest); err != nil {
		return nil, err
	}

	iv := make([]byte, ivLength)
	if _, err := src.ReadAt(iv, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("attachment: read iv: %w", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("attachment: create cipher: %w", err)
	}

	r := &cipherReader{
		src:       io.NewSectionReader(src, ivLength, ctLen),
		mode:      cipher.NewCBCDecrypter(block, iv),
		remaining: ctLen,
		limit:     plaintextLen,
		buf:       make([]byte, chunkSize),
	}
	return r, nil
}

// verifyMAC streams src once, checking the trailing HMAC and, if want is
// non-nil, the SHA-256 digest of the whole ciphertext.
func verifyMAC(src io.ReaderAt, size int64, macKey, want []byte) error {
	mac := hmac.New(sha256.New, macKey)
	digest := sha256.New()

	body := io.NewSectionReader(src, 0, size-macLength)
	n, err := io.CopyBuffer(io.MultiWriter(mac, digest), body, make([]byte, chunkSize))
	if err != nil {
		return fmt.Errorf("attachment: read ciphertext: %w", err)
	}
	if n != size-macLength {
		return invalidf("truncated ciphertext (%d of %d bytes)", n, size-macLength)
	}

	theirMAC := make([]byte, macLength)
	if _, err := io.ReadFull(io.NewSectionReader(src, size-macLength, macLength), theirMAC); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return invalidf("truncated mac")
		}
		return fmt.Errorf("attachment: read mac: %w", err)
	}

	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return invalidf("bad mac")
	}
	if want != nil {
		digest.Write(theirMAC)
		if !hmac.Equal(digest.Sum(nil), want) {
			return ErrDigestMismatch
		}
	}
	return nil
}

// cipherReader decrypts verified AES-CBC ciphertext on demand. The last
// decrypted block is held back until the ciphertext is exhausted so the PKCS7
// padding can be stripped.
type cipherReader struct {
	src       *io.SectionReader
	mode      cipher.BlockMode
	remaining int64 // ciphertext bytes not yet read
	limit     int64 // declared plaintext length, 0 if unknown
	produced  int64 // plaintext bytes handed to out so far

	buf  []byte
	held []byte
	out  []byte
	done bool
	err  error
}

func (r *cipherReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *cipherReader) fill() error {
	n := min(r.remaining, int64(len(r.buf)))
	chunk := r.buf[:n]
	if _, err := io.ReadFull(r.src, chunk); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return invalidf("ciphertext truncated during decryption")
		}
		return fmt.Errorf("attachment: read ciphertext: %w", err)
	}
	r.remaining -= n
	r.mode.CryptBlocks(chunk, chunk)

	plain := append(r.held, chunk...)
	if r.remaining > 0 {
		cut := len(plain) - aes.BlockSize
		r.held = append([]byte{}, plain[cut:]...)
		return r.emit(plain[:cut])
	}

	r.held = nil
	r.done = true
	unpadded, err := stripPKCS7(plain)
	if err != nil {
		return err
	}
	if err := r.emit(unpadded); err != nil {
		return err
	}
	if r.limit > 0 && r.produced < r.limit {
		return invalidf("plaintext is %d bytes, declared %d", r.produced, r.limit)
	}
	return nil
}

// emit queues plaintext for Read, truncated to the declared length.
func (r *cipherReader) emit(plain []byte) error {
	if r.limit > 0 {
		left := r.limit - r.produced
		if int64(len(plain)) > left {
			plain = plain[:left]
		}
	}
	r.produced += int64(len(plain))
	r.out = append(r.out[:0], plain...)
	return nil
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, invalidf("empty plaintext")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(b) {
		return nil, invalidf("invalid PKCS7 padding")
	}
	for _, v := range b[len(b)-padLen:] {
		if int(v) != padLen {
			return nil, invalidf("invalid PKCS7 padding bytes")
		}
	}
	return b[:len(b)-padLen], nil
}

// DecryptAttachment decrypts an in-memory attachment without a digest check.
func DecryptAttachment(data, key []byte) ([]byte, error) {
	r, err := NewAttachmentReader(bytes.NewReader(data), int64(len(data)), key, nil, 0)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// DeriveStickerKey expands a 32-byte sticker pack key into attachment key
// material with HKDF-SHA256.
func DeriveStickerKey(packKey []byte) ([]byte, error) {
	if len(packKey) != 32 {
		return nil, invalidf("pack key must be 32 bytes, got %d", len(packKey))
	}
	key := make([]byte, AttachmentKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, packKey, nil, []byte(stickerKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("sticker: hkdf: %w", err)
	}
	return key, nil
}

// NewStickerReader decrypts sticker data or a sticker pack manifest. Sticker
// blobs carry no digest; the MAC under the derived pack key authenticates them.
func NewStickerReader(data, packKey []byte) (io.Reader, error) {
	key, err := DeriveStickerKey(packKey)
	if err != nil {
		return nil, err
	}
	return NewAttachmentReader(bytes.NewReader(data), int64(len(data)), key, nil, 0)
}

// EncryptAttachment produces the attachment layout for plaintext under key and
// returns the ciphertext with its digest. A nil iv is replaced by a random one.
func EncryptAttachment(plaintext, key, iv []byte) (ciphertext, digest []byte, err error) {
	if len(key) != AttachmentKeyLength {
		return nil, nil, fmt.Errorf("attachment: key must be %d bytes, got %d", AttachmentKeyLength, len(key))
	}
	if iv == nil {
		iv = make([]byte, ivLength)
		if _, err := rand.Read(iv); err != nil {
			return nil, nil, fmt.Errorf("attachment: generate iv: %w", err)
		}
	}
	if len(iv) != ivLength {
		return nil, nil, fmt.Errorf("attachment: iv must be %d bytes, got %d", ivLength, len(iv))
	}

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("attachment: create cipher: %w", err)
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	out := make([]byte, ivLength+len(padded), ivLength+len(padded)+macLength)
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivLength:], padded)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out)
	out = mac.Sum(out)

	sum := sha256.Sum256(out)
	return out, sum[:], nil
}
