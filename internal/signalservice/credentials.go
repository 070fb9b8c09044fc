package signalservice

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// BasicAuth holds credentials for HTTP Basic authentication.
type BasicAuth struct {
	Username string // "{uuid}" or "{uuid}.{deviceId}"
	Password string
}

// Credentials is the long-term account credential bundle. It is supplied
// once and never mutated.
type Credentials struct {
	UUID         uuid.UUID
	E164         string
	Password     string
	SignalingKey string // base64, 52 bytes; only needed for legacy pushed frames
	DeviceID     uint32
}

// Login returns the basic-auth username: the account UUID (or E164 when the
// UUID is unknown), suffixed with ".{deviceId}" for linked devices.
func (c Credentials) Login() string {
	user := c.E164
	if c.UUID != uuid.Nil {
		user = c.UUID.String()
	}
	if c.DeviceID > 1 {
		user += "." + strconv.FormatUint(uint64(c.DeviceID), 10)
	}
	return user
}

// BasicAuth returns the HTTP basic-auth pair for these credentials.
func (c Credentials) BasicAuth() *BasicAuth {
	return &BasicAuth{Username: c.Login(), Password: c.Password}
}

// Validate checks that the credentials can sign a request.
func (c Credentials) Validate() error {
	if c.UUID == uuid.Nil && c.E164 == "" {
		return fmt.Errorf("credentials: uuid or e164 required")
	}
	if c.Password == "" {
		return fmt.Errorf("credentials: password required")
	}
	return nil
}

// UnidentifiedAccessKeyLength is the size of a derived unidentified access key.
const UnidentifiedAccessKeyLength = 16

// UnidentifiedAccess is a one-time access token used instead of the
// long-term credential for anonymous requests.
type UnidentifiedAccess struct {
	AccessKey []byte
}

// Header returns the Unidentified-Access-Key header value.
func (a *UnidentifiedAccess) Header() string {
	return base64.StdEncoding.EncodeToString(a.AccessKey)
}

const unidentifiedAccessHeader = "Unidentified-Access-Key"

// applyAuth signs req with access when non-nil, otherwise with auth.
// Anonymous requests never carry the long-term credential.
func applyAuth(h http.Header, auth *BasicAuth, access *UnidentifiedAccess) {
	if access != nil {
		h.Set(unidentifiedAccessHeader, access.Header())
		return
	}
	if auth != nil {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
			[]byte(auth.Username+":"+auth.Password)))
	}
}
