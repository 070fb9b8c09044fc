package signalservice

// envelopeEntity is one element of the GET /v1/messages/ response.
// []byte fields are base64 in JSON.
type envelopeEntity struct {
	Type            int32  `json:"type"`
	Relay           string `json:"relay"`
	Timestamp       uint64 `json:"timestamp"`
	Source          string `json:"source"`     // E164
	SourceUUID      string `json:"sourceUuid"` // may be empty or malformed
	SourceDevice    int32  `json:"sourceDevice"`
	Message         []byte `json:"message"`
	Content         []byte `json:"content"`
	ServerTimestamp uint64 `json:"serverTimestamp"`
	ServerGUID      string `json:"guid"`
}

// envelopeEntityList is the JSON response from GET /v1/messages/.
type envelopeEntityList struct {
	Messages []envelopeEntity `json:"messages"`
	More     bool             `json:"more"`
}

// Profile is the JSON response from the profile endpoints. Encrypted
// fields are base64 and can be opened with signalcrypto.ProfileCipher.
type Profile struct {
	IdentityKey                    string              `json:"identityKey"`
	Name                           string              `json:"name"`
	About                          string              `json:"about"`
	AboutEmoji                     string              `json:"aboutEmoji"`
	Avatar                         string              `json:"avatar"` // CDN path
	UnidentifiedAccess             string              `json:"unidentifiedAccess"`
	UnrestrictedUnidentifiedAccess bool                `json:"unrestrictedUnidentifiedAccess"`
	Capabilities                   ProfileCapabilities `json:"capabilities"`
	Username                       string              `json:"username,omitempty"`
	UUID                           string              `json:"uuid,omitempty"`
	Credential                     []byte              `json:"credential,omitempty"` // ProfileKeyCredentialResponse
}

// ProfileCapabilities lists features advertised by the remote account.
type ProfileCapabilities struct {
	GV2          bool `json:"gv2"`
	Storage      bool `json:"storage"`
	GV1Migration bool `json:"gv1-migration"`
}
