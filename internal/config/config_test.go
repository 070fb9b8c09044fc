package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[Service]
URL = "https://chat.example.org/"
`

const fullConfig = `
DataDir = "/var/lib/signal-receiver"

[Service]
URL = "https://chat.example.org"
CDNURL = "https://cdn.example.org"
WebSocketURL = "wss://ws.example.org"
Agent = "receiver-test"
Timeout = "5s"
KeepAliveInterval = "45s"
KeepAliveTimeout = "10s"
VersionedProfiles = true
MaxAttachmentSize = 1048576

[Account]
UUID = "9d0652a3-dcc3-4d11-975f-74d61598733f"
Number = "+15550001111"
Password = "hunter2"
DeviceID = 2

[Logging]
Level = "debug"
Development = true

[Metrics]
Address = "127.0.0.1:9090"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.org", cfg.Service.URL)
	assert.Equal(t, cfg.Service.URL, cfg.Service.CDNURL)
	assert.Empty(t, cfg.Service.WebSocketURL)
	assert.Equal(t, DefaultTimeout, cfg.Service.Timeout.Duration)
	assert.Equal(t, DefaultKeepAliveInterval, cfg.Service.KeepAliveInterval.Duration)
	assert.Equal(t, DefaultKeepAliveTimeout, cfg.Service.KeepAliveTimeout.Duration)
	assert.Equal(t, int64(DefaultMaxAttachmentSize), cfg.Service.MaxAttachmentSize)
	assert.False(t, cfg.Service.VersionedProfiles)
	assert.Nil(t, cfg.Account)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	require.NotNil(t, cfg.Metrics)
	assert.Empty(t, cfg.Metrics.Address)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/signal-receiver", cfg.DataDir)
	assert.Equal(t, "https://cdn.example.org", cfg.Service.CDNURL)
	assert.Equal(t, "wss://ws.example.org", cfg.Service.WebSocketURL)
	assert.Equal(t, "receiver-test", cfg.Service.Agent)
	assert.Equal(t, 5*time.Second, cfg.Service.Timeout.Duration)
	assert.Equal(t, 45*time.Second, cfg.Service.KeepAliveInterval.Duration)
	assert.Equal(t, 10*time.Second, cfg.Service.KeepAliveTimeout.Duration)
	assert.True(t, cfg.Service.VersionedProfiles)
	assert.Equal(t, int64(1<<20), cfg.Service.MaxAttachmentSize)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Address)

	creds, err := cfg.Account.Credentials()
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse("9d0652a3-dcc3-4d11-975f-74d61598733f"), creds.UUID)
	assert.Equal(t, "+15550001111", creds.E164)
	assert.Equal(t, uint32(2), creds.DeviceID)

	logger, err := cfg.Logging.Build()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "debug level enabled")
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no service", `DataDir = "/tmp"`},
		{"no url", "[Service]\nAgent = \"x\""},
		{"relative url", "[Service]\nURL = \"chat.example.org\""},
		{"bad scheme", "[Service]\nURL = \"ftp://chat.example.org\""},
		{"bad websocket scheme", "[Service]\nURL = \"https://a.example\"\nWebSocketURL = \"https://b.example\""},
		{"bad duration", "[Service]\nURL = \"https://a.example\"\nTimeout = \"soon\""},
		{"keepalive timeout too long", "[Service]\nURL = \"https://a.example\"\nKeepAliveInterval = \"10s\"\nKeepAliveTimeout = \"10s\""},
		{"bad log level", "[Service]\nURL = \"https://a.example\"\n[Logging]\nLevel = \"loud\""},
		{"account without password", "[Service]\nURL = \"https://a.example\"\n[Account]\nNumber = \"+1555\""},
		{"account bad uuid", "[Service]\nURL = \"https://a.example\"\n[Account]\nUUID = \"nope\"\nPassword = \"x\""},
		{"unknown key", "[Service]\nURL = \"https://a.example\"\nColour = \"blue\""},
		{"malformed toml", "[Service\nURL ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receiver.toml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.org", cfg.Service.URL)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoggingDisabled(t *testing.T) {
	l := &Logging{Disable: true}
	logger, err := l.Build()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(4), "nop logger drops everything")
}
