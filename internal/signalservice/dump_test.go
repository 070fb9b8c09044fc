package signalservice

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-receiver/internal/proto"
)

func TestPipeDumpDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dump")
	p, conn := newFakePipe(t, WithDumpDir(dir))

	pe := &proto.Envelope{
		Type:            proto.EnvelopeCiphertext,
		SourceUUID:      "9d0652a3-dcc3-4d11-975f-74d61598733f",
		SourceDevice:    2,
		Timestamp:       5,
		ServerTimestamp: 1700000000000,
	}
	conn.in <- envelopeFrame(1, pe)
	conn.in <- pushFrame(2, http.MethodPut, "/api/v1/message", []byte{0xff})

	ctx := testContext(t)
	_, err := p.Read(ctx, nil)
	require.NoError(t, err)
	_, err = p.Read(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidMessage)

	data, err := os.ReadFile(filepath.Join(dir, "1700000000000_CIPHERTEXT_9d0652a3_2.bin"))
	require.NoError(t, err)
	assert.Equal(t, pe.Marshal(), data)

	data, err = os.ReadFile(filepath.Join(dir, "undecodable_2.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, data)
}

func TestDumpName(t *testing.T) {
	assert.Equal(t, "7_RECEIPT_sealed_0.bin", dumpName(3, &Envelope{Type: proto.EnvelopeReceipt, Timestamp: 7}))
	assert.Equal(t, "9_UNIDENTIFIED_SENDER_+1555000_0.bin",
		dumpName(3, &Envelope{Type: proto.EnvelopeUnidentifiedSender, Source: &Address{E164: "+15550001111"}, ServerTimestamp: 9}))
}
