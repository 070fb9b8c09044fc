package signalservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

// profileServer answers every profile path with a profile and records the
// requested paths and access headers.
type profileServer struct {
	mu         sync.Mutex
	paths      []string
	accessKeys []string
	credential []byte
}

func (s *profileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.accessKeys = append(s.accessKeys, r.Header.Get("Unidentified-Access-Key"))
	s.mu.Unlock()
	json.NewEncoder(w).Encode(Profile{
		IdentityKey: "BQ==",
		Name:        "ZW5jcnlwdGVk",
		Avatar:      "profiles/avatar-1",
		Capabilities: ProfileCapabilities{
			GV2: true,
		},
		Credential: s.credential,
	})
}

func (s *profileServer) lastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[len(s.paths)-1]
}

func TestRetrieveProfileVersionedDisabled(t *testing.T) {
	ps := &profileServer{credential: []byte("proof")}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	zk := &fakeZk{acceptResp: []byte("proof")}
	rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) { c.ZkOperations = zk })

	for _, key := range [][]byte{nil, randomBytes(t, 32)} {
		res, err := rcv.RetrieveProfile(context.Background(), AddressFromUUID(testAccount), key, nil, ProfileRequestProfileAndCredential)
		require.NoError(t, err)
		assert.Nil(t, res.Credential)
		assert.Equal(t, ProfileRequestProfile, res.RequestType)
		assert.Equal(t, "/v1/profile/"+testAccount.String(), ps.lastPath())
		assert.True(t, res.Profile.Capabilities.GV2)
	}
	assert.Zero(t, zk.calls)
}

func TestRetrieveProfileVersioned(t *testing.T) {
	ps := &profileServer{credential: []byte("proof")}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	zk := &fakeZk{acceptResp: []byte("proof")}
	rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) {
		c.VersionedProfiles = true
		c.ZkOperations = zk
	})

	res, err := rcv.RetrieveProfile(context.Background(), AddressFromUUID(testAccount), randomBytes(t, 32), nil, ProfileRequestProfileAndCredential)
	require.NoError(t, err)
	assert.Equal(t, "/v1/profile/"+testAccount.String()+"/0a0b0c/cafe", ps.lastPath())
	assert.Equal(t, ProfileRequestProfileAndCredential, res.RequestType)
	assert.Equal(t, ProfileKeyCredential("credential:proof"), res.Credential)
}

func TestRetrieveProfileVersionedFallbacks(t *testing.T) {
	ps := &profileServer{credential: []byte("proof")}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	zk := &fakeZk{acceptResp: []byte("proof")}
	rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) {
		c.VersionedProfiles = true
		c.ZkOperations = zk
	})
	key := randomBytes(t, 32)

	tests := []struct {
		name     string
		addr     *Address
		key      []byte
		reqType  ProfileRequestType
		wantPath string
	}{
		{"profile only", AddressFromUUID(testAccount), key, ProfileRequestProfile, "/v1/profile/" + testAccount.String()},
		{"no profile key", AddressFromUUID(testAccount), nil, ProfileRequestProfileAndCredential, "/v1/profile/" + testAccount.String()},
		{"e164 only", &Address{E164: "+15550009999"}, key, ProfileRequestProfileAndCredential, "/v1/profile/+15550009999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := rcv.RetrieveProfile(context.Background(), tt.addr, tt.key, nil, tt.reqType)
			require.NoError(t, err)
			assert.Nil(t, res.Credential)
			assert.Equal(t, tt.wantPath, ps.lastPath())
		})
	}
	assert.Zero(t, zk.calls)
}

func TestRetrieveProfileVerificationFailed(t *testing.T) {
	for _, cred := range [][]byte{[]byte("forged"), nil} {
		ps := &profileServer{credential: cred}
		srv := httptest.NewServer(ps)

		rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) {
			c.VersionedProfiles = true
			c.ZkOperations = &fakeZk{acceptResp: []byte("proof")}
		})
		res, err := rcv.RetrieveProfile(context.Background(), AddressFromUUID(testAccount), randomBytes(t, 32), nil, ProfileRequestProfileAndCredential)
		require.ErrorIs(t, err, ErrVerificationFailed)
		assert.Nil(t, res)
		srv.Close()
	}
}

func TestRetrieveProfileUnidentified(t *testing.T) {
	ps := &profileServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	rcv := newTestReceiver(t, srv.URL, "")
	access := &UnidentifiedAccess{AccessKey: make([]byte, UnidentifiedAccessKeyLength)}
	_, err := rcv.RetrieveProfile(context.Background(), AddressFromUUID(testAccount), nil, access, ProfileRequestProfile)
	require.NoError(t, err)
	assert.Equal(t, access.Header(), ps.accessKeys[0])
}

func TestRetrieveProfileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestReceiver(t, srv.URL, "").RetrieveProfile(context.Background(), AddressFromUUID(testAccount), nil, nil, ProfileRequestProfile)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveProfileByUsername(t *testing.T) {
	ps := &profileServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	profile, err := newTestReceiver(t, srv.URL, "").RetrieveProfileByUsername(context.Background(), "alice.42", nil)
	require.NoError(t, err)
	assert.Equal(t, "/v1/profile/username/alice.42", ps.lastPath())
	assert.Equal(t, "profiles/avatar-1", profile.Avatar)

	_, err = newTestReceiver(t, srv.URL, "").RetrieveProfileByUsername(context.Background(), "", nil)
	require.Error(t, err)
}

func TestRetrieveProfileAvatar(t *testing.T) {
	profileKey := randomBytes(t, signalcrypto.ProfileKeyLength)
	pc, err := signalcrypto.NewProfileCipher(profileKey)
	require.NoError(t, err)
	avatar := randomBytes(t, 3000)
	encrypted, err := pc.Encrypt(avatar, len(avatar))
	require.NoError(t, err)

	cdn, _ := cdnServer(t, map[string][]byte{"/profiles/avatar-1": encrypted})
	rcv := newTestReceiver(t, "", cdn.URL)

	r, err := rcv.RetrieveProfileAvatar(context.Background(), "profiles/avatar-1", tempFile(t), profileKey, 1<<20)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, avatar, got)

	_, err = rcv.RetrieveProfileAvatar(context.Background(), "profiles/avatar-1", tempFile(t), randomBytes(t, 32), 1<<20)
	require.ErrorIs(t, err, ErrInvalidProfileCipher)
	assert.NotErrorIs(t, err, ErrInvalidMessage)
}
