package signalws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/proto"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	defaultReconnectBackoff  = time.Second
	maxReconnectBackoff      = time.Minute
)

// ErrClosed is returned by operations on a PersistentConn after Close.
var ErrClosed = errors.New("signalws: persistent conn closed")

// State is the connectivity state of a PersistentConn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PersistentConn wraps a Conn with keep-alive heartbeats and automatic reconnection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool
	state   atomic.Int32

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration) // called on successful keep-alive
	stateCallback     func(State)
	reconnectBackoff  time.Duration
	logger            *zap.Logger

	// pendingKeepAlive tracks the ID of an outstanding keep-alive request.
	pendingKeepAlive atomic.Uint64
	keepAliveSentAt  atomic.Int64  // UnixMilli when keep-alive was sent
	keepAliveAcked   chan struct{} // signaled when keep-alive response received

	cancel context.CancelFunc // cancels the keep-alive goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a keep-alive response before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful keep-alive round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.keepAliveCallback = fn }
}

// WithStateCallback sets a function called on every connectivity state change.
// It runs on the goroutine causing the change and must not block.
func WithStateCallback(fn func(State)) Option {
	return func(pc *PersistentConn) { pc.stateCallback = fn }
}

// WithReconnectBackoff sets the initial delay between failed reconnect
// attempts. The delay doubles up to one minute.
func WithReconnectBackoff(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.reconnectBackoff = d }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(pc *PersistentConn) { pc.logger = l }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		reconnectBackoff:  defaultReconnectBackoff,
		keepAliveAcked:    make(chan struct{}, 1),
		logger:            zap.NewNop(),
	}
	for _, o := range opts {
		o(pc)
	}

	pc.setState(StateConnecting)
	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		pc.closed.Store(true)
		pc.setState(StateClosed)
		return nil, err
	}
	pc.conn = conn
	pc.setState(StateOpen)

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// State returns the current connectivity state.
func (pc *PersistentConn) State() State {
	return State(pc.state.Load())
}

func (pc *PersistentConn) setState(s State) {
	if State(pc.state.Swap(int32(s))) == s {
		return
	}
	pc.logger.Debug("websocket state", zap.String("state", s.String()), zap.String("url", pc.url))
	if pc.stateCallback != nil {
		pc.stateCallback(s)
	}
}

func (pc *PersistentConn) current() *Conn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn
}

// ReadMessage reads the next message, filtering out keep-alive responses.
// On read error, it reconnects with backoff and retries until ctx is done,
// the connection is closed or the server rejects the credentials.
func (pc *PersistentConn) ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error) {
	backoff := pc.reconnectBackoff
	for {
		if pc.closed.Load() {
			return nil, ErrClosed
		}

		conn := pc.current()
		if conn == nil {
			if err := pc.reconnect(ctx, nil); err != nil {
				if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return nil, err
				}
				pc.logger.Warn("websocket reconnect failed", zap.Error(err), zap.Duration("retry_in", backoff))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxReconnectBackoff)
			}
			continue
		}

		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if pc.closed.Load() {
				return nil, ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			pc.logger.Debug("websocket read failed", zap.Error(err))
			pc.drop(conn)
			continue
		}
		backoff = pc.reconnectBackoff

		// Filter keep-alive responses.
		if msg.GetType() == proto.WebSocketResponse {
			pendingID := pc.pendingKeepAlive.Load()
			if pendingID != 0 && msg.GetResponse().GetID() == pendingID {
				pc.handleKeepAliveResponse()
				continue
			}
		}

		return msg, nil
	}
}

// WriteMessage writes a message to the current connection.
func (pc *PersistentConn) WriteMessage(ctx context.Context, msg *proto.WebSocketMessage) error {
	if pc.closed.Load() {
		return ErrClosed
	}
	conn := pc.current()
	if conn == nil {
		return fmt.Errorf("signalws: no active connection")
	}
	return conn.WriteMessage(ctx, msg)
}

// SendResponse sends an ACK response message.
func (pc *PersistentConn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	if pc.closed.Load() {
		return ErrClosed
	}
	conn := pc.current()
	if conn == nil {
		return fmt.Errorf("signalws: no active connection")
	}
	return conn.SendResponse(ctx, id, status, message)
}

// Close stops keep-alive and closes the connection. No further reconnects will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	pc.setState(StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			conn := pc.current()
			if err := pc.sendKeepAlive(ctx, conn); err != nil {
				// Connection may be broken; reconnect will happen on next ReadMessage.
				continue
			}
			// Wait for response or timeout.
			select {
			case <-ctx.Done():
				return
			case <-pc.keepAliveAcked:
			case <-time.After(pc.keepAliveTimeout):
				if !pc.closed.Load() {
					pc.logger.Warn("keep-alive timed out, reconnecting", zap.Duration("timeout", pc.keepAliveTimeout))
					_ = pc.reconnect(ctx, conn)
				}
			}
		}
	}
}

func (pc *PersistentConn) sendKeepAlive(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return fmt.Errorf("signalws: no active connection")
	}
	id := uint64(time.Now().UnixMilli())
	pc.pendingKeepAlive.Store(id)

	// Drain any stale ack.
	select {
	case <-pc.keepAliveAcked:
	default:
	}

	msg := &proto.WebSocketMessage{
		Type: proto.WebSocketRequest,
		Request: &proto.WebSocketRequestMessage{
			ID:   id,
			Verb: http.MethodGet,
			Path: "/v1/keepalive",
		},
	}

	pc.keepAliveSentAt.Store(time.Now().UnixMilli())
	return conn.WriteMessage(ctx, msg)
}

func (pc *PersistentConn) handleKeepAliveResponse() {
	if pc.keepAliveCallback != nil {
		sentAt := pc.keepAliveSentAt.Load()
		if sentAt > 0 {
			rtt := time.Duration(time.Now().UnixMilli()-sentAt) * time.Millisecond
			pc.keepAliveCallback(rtt)
		}
	}
	pc.pendingKeepAlive.Store(0)
	select {
	case pc.keepAliveAcked <- struct{}{}:
	default:
	}
}

// drop discards a broken connection so the next ReadMessage reconnects.
func (pc *PersistentConn) drop(stale *Conn) {
	pc.mu.Lock()
	if pc.conn != stale || stale == nil {
		pc.mu.Unlock()
		return
	}
	pc.conn = nil
	pc.mu.Unlock()
	stale.CloseNow()
	if !pc.closed.Load() {
		pc.setState(StateReconnecting)
	}
}

// reconnect replaces stale with a fresh connection. If stale has already
// been replaced by a concurrent reconnect, it does nothing.
func (pc *PersistentConn) reconnect(ctx context.Context, stale *Conn) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return ErrClosed
	}
	if pc.conn != stale {
		return nil
	}

	// Close old connection if any.
	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	pc.setState(StateReconnecting)
	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("signalws: reconnect: %w", err)
	}
	pc.conn = conn
	pc.setState(StateOpen)
	return nil
}
