// Package signalws provides protobuf-framed WebSocket communication for the
// Signal message pipe.
package signalws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gwillem/signal-receiver/internal/proto"
)

// ErrUnauthorized is returned by Dial when the server rejects the upgrade
// credentials.
var ErrUnauthorized = errors.New("signalws: unauthorized")

// Conn wraps a WebSocket connection with protobuf framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("signalws: dial: %w", err)
	}
	ws.SetReadLimit(1 << 20) // envelopes exceed the 32 KiB default

	return &Conn{ws: ws}, nil
}

// ReadMessage reads and unmarshals a WebSocketMessage from the connection.
func (c *Conn) ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("signalws: read: %w", err)
	}
	msg, err := proto.UnmarshalWebSocketMessage(data)
	if err != nil {
		return nil, fmt.Errorf("signalws: unmarshal: %w", err)
	}
	return msg, nil
}

// WriteMessage marshals and sends a WebSocketMessage.
func (c *Conn) WriteMessage(ctx context.Context, msg *proto.WebSocketMessage) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg.Marshal()); err != nil {
		return fmt.Errorf("signalws: write: %w", err)
	}
	return nil
}

// SendResponse sends a WebSocket response message (used for ACKs).
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteMessage(ctx, &proto.WebSocketMessage{
		Type: proto.WebSocketResponse,
		Response: &proto.WebSocketResponseMessage{
			ID:      id,
			Status:  status,
			Message: message,
		},
	})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
