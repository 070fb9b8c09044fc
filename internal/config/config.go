// Package config loads the receiver's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gwillem/signal-receiver/internal/signalservice"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveTimeout  = 20 * time.Second
	DefaultMaxAttachmentSize = 100 << 20
	DefaultLogLevel          = "info"
)

// Duration is a time.Duration read from a string such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Service is the chat service and CDN configuration.
type Service struct {
	// URL is the base URL of the chat service, e.g. https://chat.signal.org.
	URL string

	// CDNURL is the base URL attachments and stickers are fetched from.
	// Defaults to URL.
	CDNURL string

	// WebSocketURL overrides the message pipe endpoint. Defaults to URL with
	// a ws or wss scheme.
	WebSocketURL string

	// Agent is sent as the User-Agent and X-Signal-Agent headers.
	Agent string

	// Timeout is the read timeout of REST and CDN requests.
	Timeout Duration

	KeepAliveInterval Duration
	KeepAliveTimeout  Duration

	// VersionedProfiles enables combined profile and credential requests.
	VersionedProfiles bool

	// MaxAttachmentSize bounds attachment and avatar downloads in bytes.
	MaxAttachmentSize int64
}

// Account holds the credentials of the receiving device. When absent, the
// account saved in the data directory is used.
type Account struct {
	UUID         string
	Number       string
	Password     string
	SignalingKey string
	DeviceID     uint32
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level is one of debug, info, warn or error.
	Level string

	// Development selects the human-readable console encoder.
	Development bool
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address is the listen address of the /metrics endpoint, e.g. 127.0.0.1:9090.
	// Empty disables the endpoint.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Service *Service
	Account *Account
	Logging *Logging
	Metrics *Metrics

	// DataDir holds the SQLite database. Defaults to the XDG data directory.
	DataDir string
}

// Validate checks the logging level.
func (l *Logging) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	case "":
		l.Level = DefaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	return nil
}

// Build returns a logger for this configuration.
func (l *Logging) Build() (*zap.Logger, error) {
	if l.Disable {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: Logging: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if l.File != "" {
		cfg.OutputPaths = []string{l.File}
	}
	return cfg.Build()
}

func validateURL(section, name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %s '%v' is invalid: %w", section, name, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("config: %s: %s '%v' must be an absolute %s URL", section, name, raw, strings.Join(schemes, "/"))
}

// FixupAndValidate applies defaults and checks the configuration.
func (c *Service) FixupAndValidate() error {
	if c.URL == "" {
		return errors.New("config: Service: URL is not set")
	}
	if err := validateURL("Service", "URL", c.URL, "https", "http"); err != nil {
		return err
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
	if c.CDNURL == "" {
		c.CDNURL = c.URL
	}
	if err := validateURL("Service", "CDNURL", c.CDNURL, "https", "http"); err != nil {
		return err
	}
	c.CDNURL = strings.TrimSuffix(c.CDNURL, "/")
	if c.WebSocketURL != "" {
		if err := validateURL("Service", "WebSocketURL", c.WebSocketURL, "wss", "ws"); err != nil {
			return err
		}
		c.WebSocketURL = strings.TrimSuffix(c.WebSocketURL, "/")
	}
	if c.Timeout.Duration <= 0 {
		c.Timeout.Duration = DefaultTimeout
	}
	if c.KeepAliveInterval.Duration <= 0 {
		c.KeepAliveInterval.Duration = DefaultKeepAliveInterval
	}
	if c.KeepAliveTimeout.Duration <= 0 {
		c.KeepAliveTimeout.Duration = DefaultKeepAliveTimeout
	}
	if c.KeepAliveTimeout.Duration >= c.KeepAliveInterval.Duration {
		return fmt.Errorf("config: Service: KeepAliveTimeout %v must be shorter than KeepAliveInterval %v",
			c.KeepAliveTimeout.Duration, c.KeepAliveInterval.Duration)
	}
	if c.MaxAttachmentSize <= 0 {
		c.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	return nil
}

// Credentials converts the account block into service credentials.
func (a *Account) Credentials() (signalservice.Credentials, error) {
	c := signalservice.Credentials{
		E164:         a.Number,
		Password:     a.Password,
		SignalingKey: a.SignalingKey,
		DeviceID:     a.DeviceID,
	}
	if a.UUID != "" {
		id, err := uuid.Parse(a.UUID)
		if err != nil {
			return c, fmt.Errorf("config: Account: UUID '%v' is invalid: %w", a.UUID, err)
		}
		c.UUID = id
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config: Account: %w", err)
	}
	return c, nil
}

// FixupAndValidate applies defaults and checks every section.
func (c *Config) FixupAndValidate() error {
	if c.Service == nil {
		return errors.New("config: No Service block was present")
	}
	if err := c.Service.FixupAndValidate(); err != nil {
		return err
	}
	if c.Account != nil {
		if _, err := c.Account.Credentials(); err != nil {
			return err
		}
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: DefaultLogLevel}
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: unknown keys %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Load(b)
}
