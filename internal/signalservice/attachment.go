package signalservice

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

// File is a download destination: written sequentially, then read back.
// *os.File satisfies it.
type File interface {
	io.Writer
	io.ReaderAt
}

// AttachmentPointer describes an encrypted attachment stored on the CDN.
type AttachmentPointer struct {
	ID          uint64
	Key         []byte  // 64 bytes: AES-256 key || HMAC-SHA256 key
	Digest      []byte  // SHA-256 of the whole ciphertext; required
	Size        *uint32 // plaintext size, nil if unknown
	ContentType string
	FileName    string
}

// RetrieveAttachment downloads the attachment into dst and returns a reader
// over its verified plaintext. dst must be empty. A pointer without a digest
// is rejected before any network call. Partial downloads are left in dst for
// the caller to remove. The returned reader reads dst again while it
// decrypts, so dst must not be shared or modified until the caller is done
// with the reader.
func (r *Receiver) RetrieveAttachment(ctx context.Context, ptr *AttachmentPointer, dst File, maxSize int64, listener ProgressListener) (io.Reader, error) {
	if ptr == nil {
		return nil, fmt.Errorf("retrieve attachment: nil pointer")
	}
	if len(ptr.Digest) == 0 {
		return nil, fmt.Errorf("retrieve attachment %d: %w: no digest", ptr.ID, ErrInvalidMessage)
	}
	if len(ptr.Key) != signalcrypto.AttachmentKeyLength {
		return nil, fmt.Errorf("retrieve attachment %d: %w: key length %d", ptr.ID, ErrInvalidMessage, len(ptr.Key))
	}

	path := "/attachments/" + strconv.FormatUint(ptr.ID, 10)
	n, err := r.cdn.FetchStream(ctx, path, dst, maxSize, listener)
	if err != nil {
		return nil, fmt.Errorf("retrieve attachment %d: %w", ptr.ID, err)
	}

	var plaintextLen int64
	if ptr.Size != nil {
		plaintextLen = int64(*ptr.Size)
	}
	plain, err := signalcrypto.NewAttachmentReader(dst, n, ptr.Key, ptr.Digest, plaintextLen)
	if err != nil {
		instrument.DecryptFailure("attachment")
		r.logger.Warn("attachment rejected", zap.Uint64("id", ptr.ID), zap.Int64("size", n), zap.Error(err))
		return nil, fmt.Errorf("retrieve attachment %d: %w", ptr.ID, err)
	}
	return plain, nil
}
