package signalservice

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

// ProfileRequestType selects whether a profile key credential is requested.
type ProfileRequestType int

const (
	ProfileRequestProfile ProfileRequestType = iota
	ProfileRequestProfileAndCredential
)

func (t ProfileRequestType) String() string {
	if t == ProfileRequestProfileAndCredential {
		return "PROFILE_AND_CREDENTIAL"
	}
	return "PROFILE"
}

// ProfileAndCredential is a fetched profile and, for versioned requests,
// its verified credential. Credential is nil when none was requested.
type ProfileAndCredential struct {
	Profile     *Profile
	RequestType ProfileRequestType
	Credential  ProfileKeyCredential
}

// profileResolver decides between plain and versioned profile requests.
type profileResolver struct {
	versioned bool
	zk        ZkProfileOperations
}

// profileQuery is a prepared profile request.
type profileQuery struct {
	path        string
	requestType ProfileRequestType
	reqCtx      CredentialRequestContext
}

func plainProfilePath(addr *Address) (string, error) {
	id := addr.Identifier()
	if id == "" {
		return "", fmt.Errorf("profile: address has no identifier")
	}
	return "/v1/profile/" + url.PathEscape(id), nil
}

// query builds the versioned request only when the feature is enabled, a
// credential was asked for, the address has a UUID, a profile key is present
// and zero-knowledge operations are available.
func (pr profileResolver) query(addr *Address, profileKey []byte, requestType ProfileRequestType) (*profileQuery, error) {
	if !pr.versioned || requestType != ProfileRequestProfileAndCredential ||
		!addr.HasUUID() || len(profileKey) == 0 || pr.zk == nil {
		path, err := plainProfilePath(addr)
		if err != nil {
			return nil, err
		}
		return &profileQuery{path: path, requestType: ProfileRequestProfile}, nil
	}

	id := *addr.UUID
	version, err := pr.zk.ProfileKeyVersion(profileKey, id)
	if err != nil {
		return nil, fmt.Errorf("profile: key version: %w", err)
	}
	reqCtx, err := pr.zk.CreateCredentialRequest(profileKey, id)
	if err != nil {
		return nil, fmt.Errorf("profile: credential request: %w", err)
	}
	return &profileQuery{
		path:        "/v1/profile/" + id.String() + "/" + url.PathEscape(version) + "/" + hex.EncodeToString(reqCtx.Request()),
		requestType: ProfileRequestProfileAndCredential,
		reqCtx:      reqCtx,
	}, nil
}

// finish verifies the credential of a versioned response.
func (pr profileResolver) finish(q *profileQuery, profile *Profile) (*ProfileAndCredential, error) {
	result := &ProfileAndCredential{Profile: profile, RequestType: q.requestType}
	if q.requestType != ProfileRequestProfileAndCredential {
		return result, nil
	}
	if len(profile.Credential) == 0 {
		return nil, fmt.Errorf("%w: response carries no credential", ErrVerificationFailed)
	}
	cred, err := pr.zk.ReceiveCredential(q.reqCtx, profile.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	result.Credential = cred
	return result, nil
}

// RetrieveProfile fetches the profile of addr. A versioned request carrying a
// credential request is made only when versioned profiles are enabled,
// requestType asks for a credential, addr has a UUID and profileKey is set;
// otherwise the result has no credential. access, when non-nil, replaces the
// account credentials.
func (r *Receiver) RetrieveProfile(ctx context.Context, addr *Address, profileKey []byte, access *UnidentifiedAccess, requestType ProfileRequestType) (*ProfileAndCredential, error) {
	q, err := r.profiles.query(addr, profileKey, requestType)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := r.service.GetJSON(ctx, q.path, r.auth, access, &profile); err != nil {
		return nil, fmt.Errorf("retrieve profile: %w", err)
	}
	return r.profiles.finish(q, &profile)
}

// RetrieveProfileByUsername fetches the profile registered under username.
func (r *Receiver) RetrieveProfileByUsername(ctx context.Context, username string, access *UnidentifiedAccess) (*Profile, error) {
	if username == "" {
		return nil, fmt.Errorf("retrieve profile: empty username")
	}
	var profile Profile
	if err := r.service.GetJSON(ctx, "/v1/profile/username/"+url.PathEscape(username), r.auth, access, &profile); err != nil {
		return nil, fmt.Errorf("retrieve profile by username: %w", err)
	}
	return &profile, nil
}

// RetrieveProfileAvatar downloads the encrypted avatar at path into dst and
// returns a reader over the verified plaintext. dst must be empty. Partial
// downloads are left in dst for the caller to remove.
func (r *Receiver) RetrieveProfileAvatar(ctx context.Context, path string, dst File, profileKey []byte, maxSize int64) (io.Reader, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	n, err := r.cdn.FetchStream(ctx, path, dst, maxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve avatar: %w", err)
	}
	plain, err := signalcrypto.NewProfileAvatarReader(io.NewSectionReader(dst, 0, n), profileKey)
	if err != nil {
		instrument.DecryptFailure("avatar")
		r.logger.Warn("avatar rejected", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("retrieve avatar: %w", err)
	}
	return plain, nil
}
