package signalservice

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

var testAccount = uuid.MustParse("9d0652a3-dcc3-4d11-975f-74d61598733f")

func testCredentials() Credentials {
	return Credentials{
		UUID:     testAccount,
		E164:     "+15550001111",
		Password: "hunter2",
		DeviceID: 2,
	}
}

func newTestReceiver(t *testing.T, serviceURL, cdnURL string, mods ...func(*ReceiverConfig)) *Receiver {
	t.Helper()
	cfg := ReceiverConfig{
		ServiceURL:  serviceURL,
		CDNURL:      cdnURL,
		Credentials: testCredentials(),
	}
	for _, m := range mods {
		m(&cfg)
	}
	return NewReceiver(cfg)
}

type fakeRequestContext []byte

func (f fakeRequestContext) Request() []byte { return f }

// fakeZk is a ZkProfileOperations that accepts a fixed credential response.
type fakeZk struct {
	calls      int
	acceptResp []byte
}

func (f *fakeZk) ProfileKeyVersion(profileKey []byte, id uuid.UUID) (string, error) {
	f.calls++
	return "0a0b0c", nil
}

func (f *fakeZk) CreateCredentialRequest(profileKey []byte, id uuid.UUID) (CredentialRequestContext, error) {
	f.calls++
	return fakeRequestContext{0xca, 0xfe}, nil
}

func (f *fakeZk) ReceiveCredential(req CredentialRequestContext, response []byte) (ProfileKeyCredential, error) {
	f.calls++
	if string(response) != string(f.acceptResp) {
		return nil, errors.New("proof rejected")
	}
	return ProfileKeyCredential("credential:" + string(response)), nil
}
