package signalservice

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
)

// MessageReceivedCallback is invoked synchronously for every retrieved
// envelope before it is acknowledged.
type MessageReceivedCallback func(env *Envelope)

// ReceiverConfig holds configuration for creating a Receiver.
type ReceiverConfig struct {
	ServiceURL  string
	CDNURL      string
	WSURL       string // defaults to ServiceURL with a ws(s) scheme
	TLSConfig   *tls.Config
	Credentials Credentials
	Agent       string
	Timeout     time.Duration

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// VersionedProfiles enables combined profile and credential requests.
	VersionedProfiles bool
	ZkOperations      ZkProfileOperations

	// Resolver is consulted to normalize envelope sources. Optional.
	Resolver RecipientResolver
	Logger   *zap.Logger
}

// Receiver retrieves envelopes, attachments, stickers and profiles.
type Receiver struct {
	service  *Transport
	cdn      *Transport
	creds    Credentials
	auth     *BasicAuth
	wsURL    string
	tlsConf  *tls.Config
	agent    string
	profiles profileResolver
	resolver RecipientResolver
	logger   *zap.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
}

// NewReceiver creates a Receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	agent := cfg.Agent
	if agent == "" {
		agent = defaultAgent
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = websocketURL(cfg.ServiceURL)
	}
	r := &Receiver{
		service:  NewTransport(cfg.ServiceURL, cfg.TLSConfig, logger.Named("service"), WithAgent(agent)),
		cdn:      NewTransport(cfg.CDNURL, cfg.TLSConfig, logger.Named("cdn"), WithAgent(agent)),
		creds:    cfg.Credentials,
		auth:     cfg.Credentials.BasicAuth(),
		wsURL:    wsURL,
		tlsConf:  cfg.TLSConfig,
		agent:    agent,
		profiles: profileResolver{versioned: cfg.VersionedProfiles, zk: cfg.ZkOperations},
		resolver: cfg.Resolver,
		logger:   logger,

		keepAliveInterval: cfg.KeepAliveInterval,
		keepAliveTimeout:  cfg.KeepAliveTimeout,
	}
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}
	return r
}

// websocketURL maps an http(s) base URL to ws(s).
func websocketURL(serviceURL string) string {
	switch {
	case strings.HasPrefix(serviceURL, "https://"):
		return "wss://" + strings.TrimPrefix(serviceURL, "https://")
	case strings.HasPrefix(serviceURL, "http://"):
		return "ws://" + strings.TrimPrefix(serviceURL, "http://")
	default:
		return serviceURL
	}
}

// SetTimeout sets the read timeout for all service and CDN requests. Zero
// disables it.
func (r *Receiver) SetTimeout(d time.Duration) {
	r.service.SetTimeout(d)
	r.cdn.SetTimeout(d)
}

// RetrieveMessages fetches the pending envelope batch. For each envelope, in
// server order, it invokes callback, collects the envelope and then
// acknowledges it. A nil callback is a no-op.
//
// Acknowledgment failures do not stop the batch; they are returned joined
// alongside the delivered envelopes.
func (r *Receiver) RetrieveMessages(ctx context.Context, callback MessageReceivedCallback) ([]*Envelope, error) {
	if callback == nil {
		callback = func(*Envelope) {}
	}

	var list envelopeEntityList
	if err := r.service.GetJSON(ctx, "/v1/messages/", r.auth, nil, &list); err != nil {
		return nil, fmt.Errorf("retrieve messages: %w", err)
	}
	r.logger.Debug("retrieved envelope batch", zap.Int("count", len(list.Messages)), zap.Bool("more", list.More))

	results := make([]*Envelope, 0, len(list.Messages))
	var errs []error
	for i := range list.Messages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		entity := &list.Messages[i]
		env := envelopeFromEntity(entity)
		r.resolveSource(ctx, env)

		callback(env)
		instrument.EnvelopeReceived("rest")
		results = append(results, env)

		if err := r.acknowledge(ctx, entity); err != nil {
			instrument.AckFailed()
			r.logger.Warn("acknowledge failed",
				zap.String("guid", entity.ServerGUID), zap.Uint64("timestamp", entity.Timestamp), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		instrument.AckSent()
	}
	return results, errors.Join(errs...)
}

// acknowledge deletes one envelope server-side, by GUID when present,
// otherwise by source number and timestamp.
func (r *Receiver) acknowledge(ctx context.Context, e *envelopeEntity) error {
	var path string
	if e.ServerGUID != "" {
		path = "/v1/messages/uuid/" + url.PathEscape(e.ServerGUID)
	} else {
		path = "/v1/messages/" + url.PathEscape(e.Source) + "/" + strconv.FormatUint(e.Timestamp, 10)
	}
	if err := r.service.Delete(ctx, path, r.auth); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// resolveSource normalizes the envelope source through the resolver.
// Failures are logged; delivery does not depend on them.
func (r *Receiver) resolveSource(ctx context.Context, env *Envelope) {
	if r.resolver == nil || env.Source == nil {
		return
	}
	id, err := r.resolver.RecipientID(ctx, *env.Source)
	if err != nil {
		r.logger.Warn("resolve recipient", zap.Stringer("source", env.Source), zap.Error(err))
		return
	}
	r.logger.Debug("envelope",
		zap.Stringer("type", env.Type), zap.Stringer("source", env.Source),
		zap.Int64("recipient_id", id), zap.Uint64("timestamp", env.Timestamp))
}
