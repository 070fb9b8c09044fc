package signalservice

import (
	"context"
	"fmt"

	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

// ProfileKeyLookup returns the known profile key of an address, or nil when
// none is stored.
type ProfileKeyLookup interface {
	ProfileKey(ctx context.Context, addr Address) ([]byte, error)
}

// NewUnidentifiedAccess derives the access token of a recipient from its
// profile key.
func NewUnidentifiedAccess(profileKey []byte) (*UnidentifiedAccess, error) {
	key, err := signalcrypto.DeriveAccessKey(profileKey)
	if err != nil {
		return nil, err
	}
	return &UnidentifiedAccess{AccessKey: key}, nil
}

// UnidentifiedAccessFor looks up the profile key of addr and derives its
// unidentified access. It fails when no profile key is known.
func UnidentifiedAccessFor(ctx context.Context, keys ProfileKeyLookup, addr Address) (*UnidentifiedAccess, error) {
	pk, err := keys.ProfileKey(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("get profile key: %w", err)
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("no profile key for %s (fetch the profile with its key first)", addr.String())
	}
	return NewUnidentifiedAccess(pk)
}
