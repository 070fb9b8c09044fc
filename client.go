// Package signal provides a high-level client for receiving from the Signal
// messenger service: queued envelopes, the live message pipe, attachments,
// stickers and profiles.
package signal

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/config"
	"github.com/gwillem/signal-receiver/internal/signalcrypto"
	"github.com/gwillem/signal-receiver/internal/signalservice"
	"github.com/gwillem/signal-receiver/internal/store"
)

type (
	Envelope             = signalservice.Envelope
	Address              = signalservice.Address
	Credentials          = signalservice.Credentials
	Profile              = signalservice.Profile
	ProfileAndCredential = signalservice.ProfileAndCredential
	ProfileRequestType   = signalservice.ProfileRequestType
	ZkProfileOperations  = signalservice.ZkProfileOperations
	UnidentifiedAccess   = signalservice.UnidentifiedAccess
	AttachmentPointer    = signalservice.AttachmentPointer
	StickerManifest      = signalservice.StickerManifest
	ProgressListener     = signalservice.ProgressListener
	File                 = signalservice.File
	MessagePipe          = signalservice.MessagePipe
	PipeOption           = signalservice.PipeOption
	JournalEntry         = store.JournalEntry
)

const (
	ProfileRequestProfile              = signalservice.ProfileRequestProfile
	ProfileRequestProfileAndCredential = signalservice.ProfileRequestProfileAndCredential
)

// NewAddress builds an address from a UUID string, an E164 number or both.
// It returns nil if neither is usable.
func NewAddress(rawUUID, e164 string) *Address {
	return signalservice.NewAddress(rawUUID, e164)
}

// Error kinds. Match them with errors.Is.
var (
	ErrTransport            = signalservice.ErrTransport
	ErrNotFound             = signalservice.ErrNotFound
	ErrRateLimited          = signalservice.ErrRateLimited
	ErrUnauthorized         = signalservice.ErrUnauthorized
	ErrResponseTooLarge     = signalservice.ErrResponseTooLarge
	ErrInvalidMessage       = signalservice.ErrInvalidMessage
	ErrDigestMismatch       = signalservice.ErrDigestMismatch
	ErrInvalidProfileCipher = signalservice.ErrInvalidProfileCipher
	ErrVerificationFailed   = signalservice.ErrVerificationFailed
	ErrPipeClosed           = signalservice.ErrPipeClosed
)

// ErrNoZkOperations is returned by Open when versioned profiles are enabled
// without zero-knowledge profile operations to build and verify credentials.
var ErrNoZkOperations = errors.New("client: versioned profiles need zero-knowledge profile operations (see WithVersionedProfiles)")

const (
	defaultAPIURL = "https://chat.signal.org"
	defaultCDNURL = "https://cdn.signal.org"
)

// Client is the main entry point for receiving from Signal.
type Client struct {
	apiURL            string
	cdnURL            string
	wsURL             string
	tlsConfig         *tls.Config
	dbPath            string
	logger            *zap.Logger
	agent             string
	timeout           time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	versionedProfiles bool
	zk                ZkProfileOperations
	maxAttachmentSize int64
	debugDir          string

	creds    *Credentials
	store    *store.Store
	receiver *signalservice.Receiver
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the default chat service URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithCDNURL overrides the default CDN URL.
func WithCDNURL(url string) Option {
	return func(c *Client) { c.cdnURL = url }
}

// WithWebSocketURL overrides the message pipe endpoint.
func WithWebSocketURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
// If nil (the default), the system roots are used.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/signal-receiver/receiver.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCredentials sets the account credentials. They are saved to the
// database on Open; without them Open loads the saved account.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = &creds }
}

// WithAgent sets the agent string sent with every request.
func WithAgent(agent string) Option {
	return func(c *Client) { c.agent = agent }
}

// WithTimeout sets the read timeout of REST and CDN requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithKeepAlive sets the message pipe keep-alive interval and timeout.
func WithKeepAlive(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.keepAliveInterval = interval
		c.keepAliveTimeout = timeout
	}
}

// WithVersionedProfiles enables combined profile and credential requests
// using zk for the zero-knowledge operations. It also supplies zk to a
// configuration that sets Service.VersionedProfiles.
func WithVersionedProfiles(zk ZkProfileOperations) Option {
	return func(c *Client) {
		c.versionedProfiles = true
		c.zk = zk
	}
}

// WithMaxAttachmentSize bounds attachment and avatar downloads.
func WithMaxAttachmentSize(n int64) Option {
	return func(c *Client) { c.maxAttachmentSize = n }
}

// WithDebugDir writes the raw bytes of every envelope pushed on the message
// pipe to dir.
func WithDebugDir(dir string) Option {
	return func(c *Client) { c.debugDir = dir }
}

// ConfigOptions translates a loaded configuration into client options.
func ConfigOptions(cfg *config.Config) ([]Option, error) {
	svc := cfg.Service
	opts := []Option{
		WithAPIURL(svc.URL),
		WithCDNURL(svc.CDNURL),
		WithTimeout(svc.Timeout.Duration),
		WithKeepAlive(svc.KeepAliveInterval.Duration, svc.KeepAliveTimeout.Duration),
		WithMaxAttachmentSize(svc.MaxAttachmentSize),
	}
	if svc.WebSocketURL != "" {
		opts = append(opts, WithWebSocketURL(svc.WebSocketURL))
	}
	if svc.Agent != "" {
		opts = append(opts, WithAgent(svc.Agent))
	}
	if svc.VersionedProfiles {
		opts = append(opts, func(c *Client) { c.versionedProfiles = true })
	}
	if cfg.DataDir != "" {
		opts = append(opts, WithDBPath(filepath.Join(cfg.DataDir, "receiver.db")))
	}
	if cfg.Account != nil {
		creds, err := cfg.Account.Credentials()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCredentials(creds))
	}
	return opts, nil
}

// NewClient creates a new client. Call Open before use.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiURL:            defaultAPIURL,
		cdnURL:            defaultCDNURL,
		maxAttachmentSize: signalservice.DefaultMaxFetchSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Open opens the database, saves or loads the account credentials and
// prepares the receiver.
func (c *Client) Open(ctx context.Context) error {
	if c.versionedProfiles && c.zk == nil {
		return ErrNoZkOperations
	}
	s, err := store.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.store = s

	creds, err := c.loadCredentials(ctx)
	if err != nil {
		s.Close()
		c.store = nil
		return err
	}
	c.creds = &creds

	c.receiver = signalservice.NewReceiver(signalservice.ReceiverConfig{
		ServiceURL:        c.apiURL,
		CDNURL:            c.cdnURL,
		WSURL:             c.wsURL,
		TLSConfig:         c.tlsConfig,
		Credentials:       creds,
		Agent:             c.agent,
		Timeout:           c.timeout,
		KeepAliveInterval: c.keepAliveInterval,
		KeepAliveTimeout:  c.keepAliveTimeout,
		VersionedProfiles: c.versionedProfiles,
		ZkOperations:      c.zk,
		Resolver:          c.store,
		Logger:            c.logger,
	})
	c.logger.Info("client ready", zap.String("login", creds.Login()), zap.String("service", c.apiURL))
	return nil
}

func (c *Client) loadCredentials(ctx context.Context) (Credentials, error) {
	if c.creds != nil {
		if err := c.creds.Validate(); err != nil {
			return Credentials{}, fmt.Errorf("client: %w", err)
		}
		if err := c.store.SaveAccount(ctx, store.AccountFromCredentials(*c.creds)); err != nil {
			return Credentials{}, fmt.Errorf("client: %w", err)
		}
		return *c.creds, nil
	}
	acct, err := c.store.LoadAccount(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("client: %w", err)
	}
	if acct == nil {
		return Credentials{}, fmt.Errorf("client: no account configured or saved")
	}
	creds, err := acct.Credentials()
	if err != nil {
		return Credentials{}, fmt.Errorf("client: %w", err)
	}
	return creds, creds.Validate()
}

// Close closes the client's database connection.
func (c *Client) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// VersionedProfiles reports whether combined profile and credential
// requests are enabled.
func (c *Client) VersionedProfiles() bool {
	return c.versionedProfiles && c.zk != nil
}

// Credentials returns the active account credentials.
func (c *Client) Credentials() Credentials {
	if c.creds == nil {
		return Credentials{}
	}
	return *c.creds
}

func (c *Client) ready() error {
	if c.receiver == nil {
		return fmt.Errorf("client: not open (call Open first)")
	}
	return nil
}

// journal wraps callback so every delivered envelope is recorded first.
// Journal failures are logged; delivery does not depend on them.
func (c *Client) journal(ctx context.Context, callback func(*Envelope)) func(*Envelope) {
	return func(env *Envelope) {
		fresh, err := c.store.RecordEnvelope(ctx, env, time.Now())
		switch {
		case err != nil:
			c.logger.Warn("journal envelope", zap.String("key", env.Key()), zap.Error(err))
		case !fresh:
			c.logger.Debug("envelope redelivered", zap.String("key", env.Key()))
		}
		if callback != nil {
			callback(env)
		}
	}
}

// Receive fetches and acknowledges the queued envelopes over REST, calling
// callback for each one before it is acknowledged.
func (c *Client) Receive(ctx context.Context, callback func(*Envelope)) ([]*Envelope, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveMessages(ctx, c.journal(ctx, callback))
}

// Listen opens the message pipe and delivers envelopes to callback until
// ctx is done or the pipe closes.
func (c *Client) Listen(ctx context.Context, callback func(*Envelope), opts ...PipeOption) error {
	if err := c.ready(); err != nil {
		return err
	}
	pipe, err := c.receiver.CreateMessagePipe(ctx, c.pipeOptions(opts)...)
	if err != nil {
		return err
	}
	defer pipe.Shutdown()
	return pipe.ReadEnvelopes(ctx, c.journal(ctx, callback))
}

// Envelopes returns an iterator over envelopes pushed on the message pipe.
// Each envelope is acknowledged once the loop body for it returns. The
// iterator stops when ctx is done, the pipe closes or the caller breaks.
func (c *Client) Envelopes(ctx context.Context, opts ...PipeOption) iter.Seq2[*Envelope, error] {
	return func(yield func(*Envelope, error) bool) {
		if err := c.ready(); err != nil {
			yield(nil, err)
			return
		}
		pipe, err := c.receiver.CreateMessagePipe(ctx, c.pipeOptions(opts)...)
		if err != nil {
			yield(nil, err)
			return
		}
		defer pipe.Shutdown()

		record := c.journal(ctx, nil)
		stop := false
		for !stop {
			_, err := pipe.Read(ctx, func(env *Envelope) {
				record(env)
				stop = !yield(env, nil)
			})
			if stop {
				if err != nil {
					c.logger.Warn("acknowledge after break", zap.Error(err))
				}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(nil, err) {
					return
				}
				if errors.Is(err, ErrPipeClosed) {
					return
				}
			}
		}
	}
}

// Pipe opens a message pipe for direct use. Unidentified pipes carry no
// credentials. The caller must call Shutdown.
func (c *Client) Pipe(ctx context.Context, unidentified bool, opts ...PipeOption) (*MessagePipe, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	opts = c.pipeOptions(opts)
	if unidentified {
		return c.receiver.CreateUnidentifiedMessagePipe(ctx, opts...)
	}
	return c.receiver.CreateMessagePipe(ctx, opts...)
}

func (c *Client) pipeOptions(opts []PipeOption) []PipeOption {
	if c.debugDir == "" {
		return opts
	}
	return append([]PipeOption{signalservice.WithDumpDir(c.debugDir)}, opts...)
}

// Attachment downloads ptr into dst and returns a reader over the verified
// plaintext.
func (c *Client) Attachment(ctx context.Context, ptr *AttachmentPointer, dst File, listener ProgressListener) (io.Reader, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveAttachment(ctx, ptr, dst, c.maxAttachmentSize, listener)
}

// StickerManifest fetches the manifest of a sticker pack.
func (c *Client) StickerManifest(ctx context.Context, packID, packKey []byte) (*StickerManifest, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveStickerManifest(ctx, packID, packKey)
}

// Sticker fetches one sticker image of a pack.
func (c *Client) Sticker(ctx context.Context, packID, packKey []byte, stickerID uint32) (io.Reader, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveSticker(ctx, packID, packKey, stickerID)
}

// Profile fetches the profile of addr. A non-empty profileKey is remembered
// for the recipient.
func (c *Client) Profile(ctx context.Context, addr *Address, profileKey []byte, access *UnidentifiedAccess, requestType ProfileRequestType) (*ProfileAndCredential, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	res, err := c.receiver.RetrieveProfile(ctx, addr, profileKey, access, requestType)
	if err != nil {
		return nil, err
	}
	if len(profileKey) > 0 && addr != nil {
		if id, err := c.store.RecipientID(ctx, *addr); err != nil {
			c.logger.Warn("resolve profile recipient", zap.Stringer("address", addr), zap.Error(err))
		} else if err := c.store.SetProfileKey(ctx, id, profileKey); err != nil {
			c.logger.Warn("save profile key", zap.Int64("recipient_id", id), zap.Error(err))
		}
	}
	return res, nil
}

// ProfileByUsername fetches the profile registered under username.
func (c *Client) ProfileByUsername(ctx context.Context, username string, access *UnidentifiedAccess) (*Profile, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveProfileByUsername(ctx, username, access)
}

// UnidentifiedAccess derives the unidentified access of addr from its stored
// profile key. It fails when the profile key of addr was never seen.
func (c *Client) UnidentifiedAccess(ctx context.Context, addr *Address) (*UnidentifiedAccess, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if addr == nil {
		return nil, errors.New("client: nil address")
	}
	return signalservice.UnidentifiedAccessFor(ctx, c.store, *addr)
}

// Avatar downloads a profile avatar into dst and returns a reader over the
// decrypted image.
func (c *Client) Avatar(ctx context.Context, path string, dst File, profileKey []byte) (io.Reader, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.receiver.RetrieveProfileAvatar(ctx, path, dst, profileKey, c.maxAttachmentSize)
}

// Journal returns up to limit recently delivered envelopes, newest first.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if c.store == nil {
		return nil, fmt.Errorf("client: not open (call Open first)")
	}
	return c.store.RecentEnvelopes(ctx, limit)
}

// DecryptedProfile holds the plaintext fields of a profile.
type DecryptedProfile struct {
	Name       string
	About      string
	AboutEmoji string
	Avatar     string // CDN path, empty if no avatar
}

// DecryptProfile decrypts the encrypted fields of p with profileKey.
func DecryptProfile(p *Profile, profileKey []byte) (*DecryptedProfile, error) {
	pc, err := signalcrypto.NewProfileCipher(profileKey)
	if err != nil {
		return nil, err
	}
	name, err := decryptProfileField(p.Name, pc)
	if err != nil {
		return nil, fmt.Errorf("profile name: %w", err)
	}
	about, err := decryptProfileField(p.About, pc)
	if err != nil {
		return nil, fmt.Errorf("profile about: %w", err)
	}
	aboutEmoji, err := decryptProfileField(p.AboutEmoji, pc)
	if err != nil {
		return nil, fmt.Errorf("profile emoji: %w", err)
	}
	return &DecryptedProfile{
		Name:       name,
		About:      about,
		AboutEmoji: aboutEmoji,
		Avatar:     p.Avatar,
	}, nil
}

// decryptProfileField decodes base64 and decrypts a profile field.
// Returns ("", nil) for empty input, or an error if decode/decrypt fails.
func decryptProfileField(encoded string, pc *signalcrypto.ProfileCipher) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode profile field: %w", err)
	}
	return pc.DecryptString(data)
}
