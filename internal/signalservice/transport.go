package signalservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
)

const (
	// DefaultTimeout is the default socket read timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxFetchSize bounds CDN fetches when the caller passes no limit.
	DefaultMaxFetchSize = 100 << 20

	defaultAgent = "signal-receiver"
)

var errReadTimeout = errors.New("read timeout")

// ProgressListener is called during downloads with the expected total
// (-1 if unknown) and the number of bytes transferred so far.
type ProgressListener func(total, transferred int64)

// Transport handles low-level HTTP communication with the Signal API and CDN.
// It manages rate limiting, auth headers, size limits and request logging.
type Transport struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	agent   string

	mu      sync.Mutex
	timeout time.Duration
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithAgent sets the User-Agent and X-Signal-Agent header value.
func WithAgent(agent string) TransportOption {
	return func(t *Transport) { t.agent = agent }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// NewTransport creates a new HTTP transport rooted at baseURL.
func NewTransport(baseURL string, tlsConf *tls.Config, logger *zap.Logger, opts ...TransportOption) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
		agent:   defaultAgent,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetTimeout sets the read timeout applied to every request. The timer
// restarts on each successful body read, so long downloads only fail when
// the connection stalls. Zero or a negative value disables the timeout.
func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// Timeout returns the current read timeout.
func (t *Transport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// Do executes an HTTP request with automatic retry on 429 (Too Many Requests).
// It respects the Retry-After header, capping the wait at 10 minutes.
// Connectivity failures are returned as *TransportError.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}
	timeout := t.Timeout()

	for attempt := range maxRetries + 1 {
		ctx, cancel := context.WithCancelCause(req.Context())
		var timer *time.Timer
		if timeout > 0 {
			timer = time.AfterFunc(timeout, func() { cancel(errReadTimeout) })
		}

		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(attemptReq)
		if err != nil {
			stopTimer(timer)
			err = timeoutCause(ctx, err)
			cancel(nil)
			t.logger.Debug("http request failed",
				zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
			return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			t.logger.Debug("http request",
				zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Int("status", resp.StatusCode))
			resp.Body = &idleTimeoutBody{
				ReadCloser: resp.Body,
				ctx:        ctx,
				timer:      timer,
				timeout:    timeout,
				cancel:     cancel,
			}
			return resp, nil
		}

		// 429: drain and close before sleeping.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		stopTimer(timer)
		cancel(nil)

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		t.logger.Info("rate limited, retrying",
			zap.String("method", req.Method), zap.String("path", req.URL.Path),
			zap.Duration("wait", wait), zap.Int("attempt", attempt+1), zap.Int("max_retries", maxRetries))

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: req.Context().Err()}
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// idleTimeoutBody restarts the read timer on every read and releases it on
// Close. timer is nil when no timeout is set.
type idleTimeoutBody struct {
	io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && b.timer != nil {
		b.timer.Reset(b.timeout)
	}
	if err != nil && err != io.EOF {
		err = timeoutCause(b.ctx, err)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	stopTimer(b.timer)
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errReadTimeout) {
		return errReadTimeout
	}
	return err
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("User-Agent", t.agent)
	req.Header.Set("X-Signal-Agent", t.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call performs a signed control-plane request and returns the response body.
func (t *Transport) call(ctx context.Context, method, path string, body []byte, auth *BasicAuth, access *UnidentifiedAccess) ([]byte, error) {
	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	applyAuth(req.Header, auth, access)

	resp, err := t.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxFetchSize))
	if err != nil {
		return nil, &TransportError{Op: "read " + path, Err: err}
	}
	if err := checkStatus(method, path, resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// Get performs a GET request signed with auth, or with access when non-nil.
func (t *Transport) Get(ctx context.Context, path string, auth *BasicAuth, access *UnidentifiedAccess) ([]byte, error) {
	return t.call(ctx, http.MethodGet, path, nil, auth, access)
}

// GetJSON performs a GET request and unmarshals the response into result.
func (t *Transport) GetJSON(ctx context.Context, path string, auth *BasicAuth, access *UnidentifiedAccess, result any) error {
	body, err := t.Get(ctx, path, auth, access)
	if err != nil {
		return err
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return nil
}

// PutJSON performs a PUT request with JSON body and basic auth.
func (t *Transport) PutJSON(ctx context.Context, path string, body any, auth *BasicAuth) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}
	return t.call(ctx, http.MethodPut, path, data, auth, nil)
}

// Delete performs a DELETE request with basic auth.
func (t *Transport) Delete(ctx context.Context, path string, auth *BasicAuth) error {
	_, err := t.call(ctx, http.MethodDelete, path, nil, auth, nil)
	return err
}

// openContent starts an unauthenticated GET for a content path and enforces
// maxSize against the declared Content-Length.
func (t *Transport) openContent(ctx context.Context, path string, maxSize int64) (*http.Response, error) {
	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &StatusError{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Body: body}
	}
	if resp.ContentLength > maxSize {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: content length %d > %d", ErrResponseTooLarge, path, resp.ContentLength, maxSize)
	}
	return resp, nil
}

// Fetch downloads a content path into memory. The response may not exceed
// maxSize bytes; maxSize <= 0 means DefaultMaxFetchSize.
func (t *Transport) Fetch(ctx context.Context, path string, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := t.FetchStream(ctx, path, &buf, maxSize, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchStream downloads a content path into dst, reporting progress to
// listener (may be nil). It returns the number of bytes written. Partial
// writes to dst are left for the caller to clean up.
func (t *Transport) FetchStream(ctx context.Context, path string, dst io.Writer, maxSize int64, listener ProgressListener) (int64, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFetchSize
	}
	resp, err := t.openContent(ctx, path, maxSize)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	pw := &progressWriter{w: dst, total: resp.ContentLength, listener: listener}
	n, err := io.Copy(pw, io.LimitReader(resp.Body, maxSize+1))
	instrument.BytesDownloaded(n)
	if err != nil {
		if pw.werr != nil {
			return n, fmt.Errorf("transport: write %s: %w", path, pw.werr)
		}
		return n, &TransportError{Op: "read " + path, Err: err}
	}
	if n > maxSize {
		return n, fmt.Errorf("%w: %s: more than %d bytes", ErrResponseTooLarge, path, maxSize)
	}
	return n, nil
}

type progressWriter struct {
	w           io.Writer
	total       int64
	transferred int64
	listener    ProgressListener
	werr        error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if err != nil {
		p.werr = err
		return n, err
	}
	p.transferred += int64(n)
	if p.listener != nil {
		p.listener(p.total, p.transferred)
	}
	return n, nil
}
