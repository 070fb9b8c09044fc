package signalservice

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gwillem/signal-receiver/internal/proto"
	"github.com/gwillem/signal-receiver/internal/signalws"
)

// fakeConn is an in-memory pipeConn. Frames queued on in are returned by
// ReadMessage; every write and response is recorded.
type fakeConn struct {
	in     chan *proto.WebSocketMessage
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	acks    []uint64
	written []*proto.WebSocketMessage
	onWrite func(*proto.WebSocketMessage)
	wrote   chan struct{}
	ackErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *proto.WebSocketMessage, 32),
		closed: make(chan struct{}),
		wrote:  make(chan struct{}, 32),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, signalws.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, msg *proto.WebSocketMessage) error {
	c.mu.Lock()
	c.written = append(c.written, msg)
	fn := c.onWrite
	c.mu.Unlock()
	c.wrote <- struct{}{}
	if fn != nil {
		fn(msg)
	}
	return nil
}

func (c *fakeConn) SendResponse(_ context.Context, id uint64, status uint32, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	if status == http.StatusOK {
		c.acks = append(c.acks, id)
	}
	return nil
}

func (c *fakeConn) State() signalws.State { return signalws.StateOpen }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) ackedIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

func pushFrame(id uint64, verb, path string, body []byte, headers ...string) *proto.WebSocketMessage {
	return &proto.WebSocketMessage{
		Type: proto.WebSocketRequest,
		Request: &proto.WebSocketRequestMessage{
			ID: id, Verb: verb, Path: path, Body: body, Headers: headers,
		},
	}
}

func envelopeFrame(id uint64, env *proto.Envelope, headers ...string) *proto.WebSocketMessage {
	return pushFrame(id, http.MethodPut, "/api/v1/message", env.Marshal(), headers...)
}

func newFakePipe(t *testing.T, opts ...PipeOption) (*MessagePipe, *fakeConn) {
	t.Helper()
	var o pipeOptions
	for _, opt := range opts {
		opt(&o)
	}
	conn := newFakeConn()
	p := newMessagePipe(conn, zap.NewNop(), "", profileResolver{}, o)
	t.Cleanup(p.Shutdown)
	return p, conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipeReadAcksAfterCallback(t *testing.T) {
	p, conn := newFakePipe(t)
	conn.in <- envelopeFrame(7, &proto.Envelope{
		Type:            proto.EnvelopeCiphertext,
		SourceUUID:      testAccount.String(),
		SourceDevice:    3,
		Timestamp:       1234,
		Content:         []byte("sealed"),
		ServerGUID:      "guid-7",
		ServerTimestamp: 5678,
	})

	var ackedDuringCallback []uint64
	env, err := p.Read(testContext(t), func(*Envelope) {
		ackedDuringCallback = conn.ackedIDs()
	})
	require.NoError(t, err)
	assert.Empty(t, ackedDuringCallback)
	assert.Equal(t, []uint64{7}, conn.ackedIDs())

	require.NotNil(t, env.Source)
	assert.Equal(t, testAccount, *env.Source.UUID)
	require.NotNil(t, env.SourceDevice)
	assert.Equal(t, uint32(3), *env.SourceDevice)
	assert.Equal(t, uint64(1234), env.Timestamp)
	assert.Equal(t, []byte("sealed"), env.Content)
	assert.Equal(t, "guid-7", env.Key())
}

func TestPipeReadOrder(t *testing.T) {
	p, conn := newFakePipe(t)
	for i := uint64(1); i <= 3; i++ {
		conn.in <- envelopeFrame(i, &proto.Envelope{Type: proto.EnvelopeCiphertext, Timestamp: 100 + i, SourceE164: "+1555"})
	}

	ctx := testContext(t)
	for i := uint64(1); i <= 3; i++ {
		env, err := p.Read(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 100+i, env.Timestamp)
	}
	assert.Equal(t, []uint64{1, 2, 3}, conn.ackedIDs())
}

func TestPipeReadTimeout(t *testing.T) {
	p, _ := newFakePipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Read(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PipeOpen, p.State())
}

func TestPipeUndecodableFrame(t *testing.T) {
	p, conn := newFakePipe(t)
	conn.in <- pushFrame(9, http.MethodPut, "/api/v1/message", []byte{0xff})
	conn.in <- envelopeFrame(10, &proto.Envelope{Type: proto.EnvelopeReceipt, Timestamp: 1})

	ctx := testContext(t)
	called := false
	_, err := p.Read(ctx, func(*Envelope) { called = true })
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.False(t, called)

	env, err := p.Read(ctx, nil)
	require.NoError(t, err)
	assert.True(t, env.IsReceipt())
	assert.Equal(t, []uint64{9, 10}, conn.ackedIDs())
}

func TestPipeUndecodableFrameAckFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	conn := newFakeConn()
	conn.ackErr = errors.New("connection reset")
	p := newMessagePipe(conn, zap.New(core), "", profileResolver{}, pipeOptions{})
	t.Cleanup(p.Shutdown)
	conn.in <- pushFrame(12, http.MethodPut, "/api/v1/message", []byte{0xff})

	_, err := p.Read(testContext(t), nil)
	require.ErrorIs(t, err, ErrInvalidMessage)
	failed := logs.FilterMessage("acknowledge failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(12), failed[0].ContextMap()["id"])
}

func TestPipeBodylessFrames(t *testing.T) {
	p, conn := newFakePipe(t)
	for _, raw := range [][]byte{{0x08, 0x02}, {0x08, 0x01}} {
		msg, err := proto.UnmarshalWebSocketMessage(raw)
		require.NoError(t, err)
		conn.in <- msg
	}
	conn.in <- envelopeFrame(11, &proto.Envelope{Type: proto.EnvelopeReceipt, Timestamp: 3})

	env, err := p.Read(testContext(t), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), env.Timestamp)
	assert.Equal(t, PipeOpen, p.State())
	assert.Equal(t, []uint64{11}, conn.ackedIDs())
}

// sealSignaling encrypts body under a legacy signaling key.
func sealSignaling(t *testing.T, body []byte, signalingKey string) []byte {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(signalingKey)
	require.NoError(t, err)

	padLen := aes.BlockSize - len(body)%aes.BlockSize
	padded := append(append([]byte{}, body...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	iv := randomBytes(t, aes.BlockSize)
	block, err := aes.NewCipher(key[:32])
	require.NoError(t, err)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := append([]byte{1}, iv...)
	out = append(out, ct...)
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out)
	return append(out, mac.Sum(nil)[:10]...)
}

func TestPipeSignalingKeyFrame(t *testing.T) {
	signalingKey := base64.StdEncoding.EncodeToString(randomBytes(t, 52))
	conn := newFakeConn()
	p := newMessagePipe(conn, zap.NewNop(), signalingKey, profileResolver{}, pipeOptions{})
	defer p.Shutdown()

	plain := (&proto.Envelope{Type: proto.EnvelopeCiphertext, SourceE164: "+15550002222", SourceDevice: 1, Timestamp: 42}).Marshal()
	conn.in <- pushFrame(1, http.MethodPut, "/api/v1/message", sealSignaling(t, plain, signalingKey), "X-Signal-Key: true")
	conn.in <- pushFrame(2, http.MethodPut, "/api/v1/message", sealSignaling(t, plain, base64.StdEncoding.EncodeToString(randomBytes(t, 52))), "X-Signal-Key: true")

	ctx := testContext(t)
	env, err := p.Read(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "+15550002222", env.Source.E164)
	assert.Equal(t, uint64(42), env.Timestamp)

	_, err = p.Read(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPipeQueueEmpty(t *testing.T) {
	drained := make(chan struct{}, 1)
	_, conn := newFakePipe(t, WithQueueEmptyHandler(func() { drained <- struct{}{} }))
	conn.in <- pushFrame(4, http.MethodPut, "/api/v1/queue/empty", nil)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue empty handler not called")
	}
	require.Eventually(t, func() bool { return len(conn.ackedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{4}, conn.ackedIDs())
}

func TestPipeShutdownFromQueueEmptyHandler(t *testing.T) {
	var p *MessagePipe
	returned := make(chan struct{})
	p, conn := newFakePipe(t, WithQueueEmptyHandler(func() {
		p.Shutdown()
		close(returned)
	}))
	conn.in <- pushFrame(5, http.MethodPut, "/api/v1/queue/empty", nil)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown from the queue empty handler did not return")
	}
	assert.Equal(t, PipeClosed, p.State())
	_, err := p.Read(testContext(t), nil)
	require.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipeRequestCorrelation(t *testing.T) {
	p, conn := newFakePipe(t)
	conn.onWrite = func(msg *proto.WebSocketMessage) {
		req := msg.GetRequest()
		// An unrelated push and a stray response arrive before the answer.
		conn.in <- envelopeFrame(50, &proto.Envelope{Type: proto.EnvelopeCiphertext, Timestamp: 9})
		conn.in <- &proto.WebSocketMessage{Type: proto.WebSocketResponse, Response: &proto.WebSocketResponseMessage{ID: req.ID + 1000, Status: 500}}
		conn.in <- &proto.WebSocketMessage{Type: proto.WebSocketResponse, Response: &proto.WebSocketResponseMessage{ID: req.ID, Status: 200, Body: []byte("pong")}}
	}

	ctx := testContext(t)
	resp, err := p.Request(ctx, http.MethodGet, "/v1/ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), resp.Status)
	assert.Equal(t, []byte("pong"), resp.Body)

	env, err := p.Read(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), env.Timestamp)
}

func TestPipeShutdownReleasesRequests(t *testing.T) {
	p, conn := newFakePipe(t)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), http.MethodGet, "/v1/never", nil, nil)
		errc <- err
	}()
	<-conn.wrote
	p.Shutdown()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrPipeClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request not released by shutdown")
	}

	p.Shutdown()
	assert.Equal(t, PipeClosed, p.State())

	_, err := p.Read(context.Background(), nil)
	require.ErrorIs(t, err, ErrPipeClosed)
	_, err = p.Request(context.Background(), http.MethodGet, "/v1/ping", nil, nil)
	require.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipeReadEnvelopes(t *testing.T) {
	p, conn := newFakePipe(t)
	conn.in <- envelopeFrame(1, &proto.Envelope{Type: proto.EnvelopeCiphertext, Timestamp: 1})
	conn.in <- pushFrame(2, http.MethodPut, "/api/v1/message", []byte{0xff})
	conn.in <- envelopeFrame(3, &proto.Envelope{Type: proto.EnvelopeCiphertext, Timestamp: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []uint64
	err := p.ReadEnvelopes(ctx, func(env *Envelope) {
		got = append(got, env.Timestamp)
		if len(got) == 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint64{1, 3}, got)
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) OnConnecting()            { l.add("connecting") }
func (l *recordingListener) OnConnected()             { l.add("connected") }
func (l *recordingListener) OnDisconnected()          { l.add("disconnected") }
func (l *recordingListener) OnAuthenticationFailure() { l.add("auth-failure") }

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// pipeServer accepts one websocket and answers profile requests.
type pipeServer struct {
	mu      sync.Mutex
	headers http.Header
	path    string
	reqs    []*proto.WebSocketRequestMessage
}

func (s *pipeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = r.Header.Clone()
	s.path = r.URL.Path
	s.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := proto.UnmarshalWebSocketMessage(data)
		if err != nil || msg.GetType() != proto.WebSocketRequest {
			continue
		}
		req := msg.GetRequest()
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		body, _ := json.Marshal(Profile{Name: "cGlwZQ==", Credential: []byte("proof")})
		resp := &proto.WebSocketMessage{
			Type:     proto.WebSocketResponse,
			Response: &proto.WebSocketResponseMessage{ID: req.ID, Status: 200, Body: body},
		}
		if err := ws.Write(ctx, websocket.MessageBinary, resp.Marshal()); err != nil {
			return
		}
	}
}

func TestCreateMessagePipeIdentified(t *testing.T) {
	ps := &pipeServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	listener := &recordingListener{}
	rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) { c.Agent = "test-agent" })
	p, err := rcv.CreateMessagePipe(testContext(t), WithConnectivityListener(listener))
	require.NoError(t, err)
	assert.Equal(t, PipeOpen, p.State())

	profile, err := p.GetProfile(testContext(t), AddressFromUUID(testAccount), nil)
	require.NoError(t, err)
	assert.Equal(t, "cGlwZQ==", profile.Name)
	p.Shutdown()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, "/v1/websocket/", ps.path)
	user, pass, ok := (&http.Request{Header: ps.headers}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, testAccount.String()+".2", user)
	assert.Equal(t, "hunter2", pass)
	assert.Equal(t, "test-agent", ps.headers.Get("X-Signal-Agent"))
	require.Len(t, ps.reqs, 1)
	assert.Equal(t, "/v1/profile/"+testAccount.String(), ps.reqs[0].Path)
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, listener.snapshot())
}

func TestCreateUnidentifiedMessagePipe(t *testing.T) {
	ps := &pipeServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	zk := &fakeZk{acceptResp: []byte("proof")}
	rcv := newTestReceiver(t, srv.URL, "", func(c *ReceiverConfig) {
		c.VersionedProfiles = true
		c.ZkOperations = zk
	})
	p, err := rcv.CreateUnidentifiedMessagePipe(testContext(t))
	require.NoError(t, err)
	defer p.Shutdown()

	access := &UnidentifiedAccess{AccessKey: make([]byte, UnidentifiedAccessKeyLength)}
	res, err := p.GetProfileAndCredential(testContext(t), AddressFromUUID(testAccount), randomBytes(t, 32), access, ProfileRequestProfileAndCredential)
	require.NoError(t, err)
	assert.Equal(t, ProfileKeyCredential("credential:proof"), res.Credential)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Empty(t, ps.headers.Get("Authorization"))
	require.Len(t, ps.reqs, 1)
	assert.Equal(t, "/v1/profile/"+testAccount.String()+"/0a0b0c/cafe", ps.reqs[0].Path)
	assert.Equal(t, access.Header(), ps.reqs[0].Header(unidentifiedAccessHeader))
}

func TestCreateMessagePipeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	p, err := newTestReceiver(t, srv.URL, "").CreateMessagePipe(testContext(t), WithConnectivityListener(listener))
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Nil(t, p)
	assert.Contains(t, listener.snapshot(), "auth-failure")
}
