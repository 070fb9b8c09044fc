package signalcrypto

import (
	"encoding/hex"
	"errors"
	"testing"
)

func TestDeriveAccessKey(t *testing.T) {
	// Known answers from libsignal's zkgroup access key test.
	tests := []struct {
		profileKey string
		accessKey  string
	}{
		{
			profileKey: "b95042a2c2d9e5b3bb09300ee408a172facd96e91b504e043a5a023dc4cff359",
			accessKey:  "24fb96d4a5e333e9d4451205b9e2faed",
		},
		{
			profileKey: "26197b17e5a2c36d8c9518c35358f123c476000db6da7565c0d41f6674462c4d",
			accessKey:  "e895c30cf780757d22f7a179708b14a1",
		},
	}

	for _, tt := range tests {
		pk, _ := hex.DecodeString(tt.profileKey)

		result, err := DeriveAccessKey(pk)
		if err != nil {
			t.Fatalf("DeriveAccessKey: %v", err)
		}
		if got := hex.EncodeToString(result); got != tt.accessKey {
			t.Errorf("DeriveAccessKey mismatch:\ngot:  %s\nwant: %s", got, tt.accessKey)
		}
	}
}

func TestDeriveAccessKey_InvalidLength(t *testing.T) {
	_, err := DeriveAccessKey([]byte("too short"))
	if !errors.Is(err, ErrInvalidProfileCipher) {
		t.Errorf("err = %v, want ErrInvalidProfileCipher", err)
	}
}
