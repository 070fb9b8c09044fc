package signalcrypto

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage reports ciphertext that failed verification or could not
	// be decrypted: bad MAC, digest mismatch, truncation, bad padding or a size
	// mismatch. Retrying with the same bytes will fail again.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDigestMismatch is the whole-ciphertext digest failure. It is an
	// ErrInvalidMessage, distinguishable from a MAC failure.
	ErrDigestMismatch = fmt.Errorf("%w: digest mismatch", ErrInvalidMessage)

	// ErrInvalidProfileCipher reports a profile field or avatar that failed to
	// decrypt under the profile key.
	ErrInvalidProfileCipher = errors.New("invalid profile ciphertext")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidMessage}, args...)...)
}
