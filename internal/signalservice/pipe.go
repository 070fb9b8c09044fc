package signalservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
	"github.com/gwillem/signal-receiver/internal/proto"
	"github.com/gwillem/signal-receiver/internal/signalcrypto"
	"github.com/gwillem/signal-receiver/internal/signalws"
)

const defaultPipeRequestTimeout = 10 * time.Second

// PipeState is the connectivity state of a MessagePipe.
type PipeState = signalws.State

const (
	PipeConnecting   = signalws.StateConnecting
	PipeOpen         = signalws.StateOpen
	PipeReconnecting = signalws.StateReconnecting
	PipeClosed       = signalws.StateClosed
)

// ConnectivityListener receives informational pipe connectivity events.
type ConnectivityListener interface {
	OnConnecting()
	OnConnected()
	OnDisconnected()
	OnAuthenticationFailure()
}

// PipeOption configures a MessagePipe.
type PipeOption func(*pipeOptions)

type pipeOptions struct {
	listener   ConnectivityListener
	queueEmpty func()
	dumpDir    string
}

// WithConnectivityListener reports connectivity changes to l.
func WithConnectivityListener(l ConnectivityListener) PipeOption {
	return func(o *pipeOptions) { o.listener = l }
}

// WithQueueEmptyHandler sets a function called when the server reports that
// the queued backlog has been fully delivered. fn runs on the read loop.
func WithQueueEmptyHandler(fn func()) PipeOption {
	return func(o *pipeOptions) { o.queueEmpty = fn }
}

// WithDumpDir writes the raw bytes of every pushed envelope frame to dir.
func WithDumpDir(dir string) PipeOption {
	return func(o *pipeOptions) { o.dumpDir = dir }
}

// pushedEnvelope is an envelope frame awaiting the caller.
type pushedEnvelope struct {
	id  uint64
	env *Envelope
	err error
}

// MessagePipe is a persistent duplex channel that delivers pushed envelopes
// and carries correlated request/response pairs.
type MessagePipe struct {
	conn         pipeConn
	logger       *zap.Logger
	signalingKey string
	profiles     profileResolver
	opts         pipeOptions

	nextID    atomic.Uint64
	inHandler atomic.Bool // queue-empty handler running on the read loop

	mu      sync.Mutex
	pending map[uint64]chan *proto.WebSocketResponseMessage
	queue   []pushedEnvelope
	closed  bool
	cause   error

	notify   chan struct{} // signaled when queue grows
	done     chan struct{} // closed on shutdown
	loopDone chan struct{} // closed when the read loop exits
	once     sync.Once
}

// CreateMessagePipe opens an identified pipe signed with the account credentials.
func (r *Receiver) CreateMessagePipe(ctx context.Context, opts ...PipeOption) (*MessagePipe, error) {
	h := http.Header{}
	applyAuth(h, r.auth, nil)
	return r.createPipe(ctx, h, opts)
}

// CreateUnidentifiedMessagePipe opens a pipe that carries no credentials,
// for anonymous requests.
func (r *Receiver) CreateUnidentifiedMessagePipe(ctx context.Context, opts ...PipeOption) (*MessagePipe, error) {
	return r.createPipe(ctx, http.Header{}, opts)
}

func (r *Receiver) createPipe(ctx context.Context, h http.Header, opts []PipeOption) (*MessagePipe, error) {
	var o pipeOptions
	for _, opt := range opts {
		opt(&o)
	}
	h.Set("X-Signal-Agent", r.agent)
	h.Set("X-Signal-Receive-Stories", "false")

	wsOpts := []signalws.Option{
		signalws.WithHeaders(h),
		signalws.WithLogger(r.logger.Named("ws")),
		signalws.WithStateCallback(stateReporter(o.listener)),
		signalws.WithKeepAliveCallback(func(rtt time.Duration) {
			r.logger.Debug("keep-alive ok", zap.Duration("rtt", rtt))
		}),
	}
	if r.keepAliveInterval > 0 {
		wsOpts = append(wsOpts, signalws.WithKeepAliveInterval(r.keepAliveInterval))
	}
	if r.keepAliveTimeout > 0 {
		wsOpts = append(wsOpts, signalws.WithKeepAliveTimeout(r.keepAliveTimeout))
	}

	endpoint := r.wsURL + "/v1/websocket/"
	r.logger.Info("connecting message pipe", zap.String("url", endpoint))
	conn, err := signalws.DialPersistent(ctx, endpoint, r.tlsConf, wsOpts...)
	if err != nil {
		if errors.Is(err, signalws.ErrUnauthorized) {
			if o.listener != nil {
				o.listener.OnAuthenticationFailure()
			}
			return nil, fmt.Errorf("message pipe: %w: %v", ErrUnauthorized, err)
		}
		return nil, &TransportError{Op: "dial message pipe", Err: err}
	}
	return newMessagePipe(conn, r.logger.Named("pipe"), r.creds.SignalingKey, r.profiles, o), nil
}

// stateReporter translates connection states into listener events.
func stateReporter(l ConnectivityListener) func(signalws.State) {
	return func(s signalws.State) {
		if s == signalws.StateReconnecting {
			instrument.PipeReconnect()
		}
		if l == nil {
			return
		}
		switch s {
		case signalws.StateConnecting:
			l.OnConnecting()
		case signalws.StateOpen:
			l.OnConnected()
		case signalws.StateReconnecting, signalws.StateClosed:
			l.OnDisconnected()
		}
	}
}

func newMessagePipe(conn pipeConn, logger *zap.Logger, signalingKey string, profiles profileResolver, opts pipeOptions) *MessagePipe {
	p := &MessagePipe{
		conn:         conn,
		logger:       logger,
		signalingKey: signalingKey,
		profiles:     profiles,
		opts:         opts,
		pending:      make(map[uint64]chan *proto.WebSocketResponseMessage),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// State returns the current connectivity state.
func (p *MessagePipe) State() PipeState {
	select {
	case <-p.done:
		return PipeClosed
	default:
		return p.conn.State()
	}
}

func (p *MessagePipe) readLoop() {
	defer close(p.loopDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := p.conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, signalws.ErrUnauthorized) {
				if p.opts.listener != nil {
					p.opts.listener.OnAuthenticationFailure()
				}
				p.shutdown(fmt.Errorf("%w: %v", ErrUnauthorized, err))
				return
			}
			p.shutdown(err)
			return
		}

		switch msg.GetType() {
		case proto.WebSocketResponse:
			if msg.GetResponse() == nil {
				p.logger.Warn("dropping response frame without body")
				continue
			}
			p.resolve(msg.GetResponse())
		case proto.WebSocketRequest:
			if msg.GetRequest() == nil {
				p.logger.Warn("dropping request frame without body")
				continue
			}
			p.handleRequest(ctx, msg.GetRequest())
		default:
			p.logger.Debug("ignoring frame", zap.Stringer("type", msg.GetType()))
		}
	}
}

func (p *MessagePipe) resolve(resp *proto.WebSocketResponseMessage) {
	p.mu.Lock()
	ch, ok := p.pending[resp.GetID()]
	delete(p.pending, resp.GetID())
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("response without pending request", zap.Uint64("id", resp.GetID()), zap.Uint32("status", resp.GetStatus()))
		return
	}
	ch <- resp // buffered, one response per id
}

func (p *MessagePipe) handleRequest(ctx context.Context, req *proto.WebSocketRequestMessage) {
	switch {
	case req.GetVerb() == http.MethodPut && req.GetPath() == "/api/v1/message":
		env, err := p.decodeEnvelope(req)
		dumpEnvelope(p.opts.dumpDir, req, env, p.logger)
		if err != nil {
			instrument.DecryptFailure("envelope")
			p.logger.Warn("undecodable envelope frame", zap.Uint64("id", req.ID), zap.Error(err))
		}
		p.push(pushedEnvelope{id: req.ID, env: env, err: err})

	case req.GetVerb() == http.MethodPut && req.GetPath() == "/api/v1/queue/empty":
		p.logger.Info("message queue drained")
		if p.opts.queueEmpty != nil {
			p.inHandler.Store(true)
			p.opts.queueEmpty()
			p.inHandler.Store(false)
		}
		if err := p.ack(ctx, req.ID); err != nil {
			p.logger.Warn("acknowledge failed", zap.Uint64("id", req.ID), zap.Error(err))
		}

	default:
		p.logger.Debug("unhandled request", zap.String("verb", req.Verb), zap.String("path", req.Path))
		p.ack(ctx, req.ID)
	}
}

func (p *MessagePipe) decodeEnvelope(req *proto.WebSocketRequestMessage) (*Envelope, error) {
	body := req.Body
	if strings.EqualFold(req.Header("X-Signal-Key"), "true") {
		var err error
		if body, err = signalcrypto.DecryptSignalingEnvelope(body, p.signalingKey); err != nil {
			return nil, err
		}
	}
	pe, err := proto.UnmarshalEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return envelopeFromProto(pe), nil
}

func (p *MessagePipe) push(e pushedEnvelope) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, e)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *MessagePipe) pop() (pushedEnvelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return pushedEnvelope{}, false
	}
	e := p.queue[0]
	p.queue[0] = pushedEnvelope{}
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return e, true
}

func (p *MessagePipe) ack(ctx context.Context, id uint64) error {
	if id == 0 {
		return nil
	}
	if err := p.conn.SendResponse(ctx, id, http.StatusOK, "OK"); err != nil {
		instrument.AckFailed()
		return fmt.Errorf("acknowledge frame %d: %w", id, err)
	}
	instrument.AckSent()
	return nil
}

func (p *MessagePipe) closedErr() error {
	p.mu.Lock()
	cause := p.cause
	p.mu.Unlock()
	if cause == nil || errors.Is(cause, signalws.ErrClosed) {
		return ErrPipeClosed
	}
	return fmt.Errorf("%w: %w", ErrPipeClosed, cause)
}

// Read waits for the next pushed envelope, invokes callback with it and
// then acknowledges the frame. A frame that fails to decode is acknowledged
// and its error returned. If the acknowledgment fails, the delivered
// envelope is returned together with the error.
func (p *MessagePipe) Read(ctx context.Context, callback MessageReceivedCallback) (*Envelope, error) {
	for {
		select {
		case <-p.done:
			return nil, p.closedErr()
		default:
		}
		if e, ok := p.pop(); ok {
			if e.err != nil {
				if err := p.ack(ctx, e.id); err != nil {
					p.logger.Warn("acknowledge failed", zap.Uint64("id", e.id), zap.Error(err))
				}
				return nil, e.err
			}
			if callback != nil {
				callback(e.env)
			}
			instrument.EnvelopeReceived("pipe")
			if err := p.ack(ctx, e.id); err != nil {
				p.logger.Warn("acknowledge failed", zap.Uint64("id", e.id), zap.Error(err))
				return e.env, err
			}
			return e.env, nil
		}
		select {
		case <-p.notify:
		case <-p.done:
			return nil, p.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadEnvelopes reads envelopes until ctx is done or the pipe closes.
// Undecodable frames and acknowledgment failures are logged and skipped.
func (p *MessagePipe) ReadEnvelopes(ctx context.Context, callback MessageReceivedCallback) error {
	for {
		_, err := p.Read(ctx, callback)
		switch {
		case err == nil:
		case errors.Is(err, ErrPipeClosed), ctx.Err() != nil:
			return err
		default:
			p.logger.Warn("pipe read", zap.Error(err))
		}
	}
}

// Request sends a correlated request and waits for its response. Without a
// deadline on ctx it waits at most ten seconds.
func (p *MessagePipe) Request(ctx context.Context, verb, path string, body []byte, headers []string) (*proto.WebSocketResponseMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPipeRequestTimeout)
		defer cancel()
	}

	id := p.nextID.Add(1)
	ch := make(chan *proto.WebSocketResponseMessage, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedErr()
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	err := p.conn.WriteMessage(ctx, &proto.WebSocketMessage{
		Type: proto.WebSocketRequest,
		Request: &proto.WebSocketRequestMessage{
			ID:      id,
			Verb:    verb,
			Path:    path,
			Body:    body,
			Headers: headers,
		},
	})
	if err != nil {
		return nil, &TransportError{Op: verb + " " + path, Err: err}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-p.done:
		return nil, p.closedErr()
	case <-ctx.Done():
		return nil, &TransportError{Op: verb + " " + path, Err: ctx.Err()}
	}
}

// requestJSON sends a GET over the pipe and decodes a 2xx JSON response.
func (p *MessagePipe) requestJSON(ctx context.Context, path string, access *UnidentifiedAccess, result any) error {
	var headers []string
	if access != nil {
		headers = append(headers, unidentifiedAccessHeader+":"+access.Header())
	}
	resp, err := p.Request(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return err
	}
	if err := checkStatus(http.MethodGet, path, int(resp.Status), resp.Body); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("message pipe: unmarshal %s: %w", path, err)
	}
	return nil
}

// GetProfile fetches a plain profile over the pipe.
func (p *MessagePipe) GetProfile(ctx context.Context, addr *Address, access *UnidentifiedAccess) (*Profile, error) {
	path, err := plainProfilePath(addr)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := p.requestJSON(ctx, path, access, &profile); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

// GetProfileAndCredential fetches a profile over the pipe, with a profile
// key credential when the conditions of RetrieveProfile hold.
func (p *MessagePipe) GetProfileAndCredential(ctx context.Context, addr *Address, profileKey []byte, access *UnidentifiedAccess, requestType ProfileRequestType) (*ProfileAndCredential, error) {
	q, err := p.profiles.query(addr, profileKey, requestType)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := p.requestJSON(ctx, q.path, access, &profile); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p.profiles.finish(q, &profile)
}

// Shutdown closes the pipe and waits for the read loop to exit. It is
// idempotent and safe to call from any goroutine. Called from the
// queue-empty handler it returns without waiting. Pending requests fail
// with ErrPipeClosed.
func (p *MessagePipe) Shutdown() {
	p.shutdown(nil)
	if p.inHandler.Load() {
		return
	}
	<-p.loopDone
}

func (p *MessagePipe) shutdown(cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.cause = cause
		p.queue = nil
		p.mu.Unlock()
		close(p.done)
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("close websocket", zap.Error(err))
		}
		if cause != nil && !errors.Is(cause, signalws.ErrClosed) {
			p.logger.Warn("message pipe closed", zap.Error(cause))
		} else {
			p.logger.Info("message pipe closed")
		}
	})
}
