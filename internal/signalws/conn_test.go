package signalws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/gwillem/signal-receiver/internal/proto"
)

func TestReadAndACK(t *testing.T) {
	// Server sends a request message; client reads it and sends an ACK.
	reqID := uint64(1)
	bodyBytes := []byte("test-body")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		reqMsg := &proto.WebSocketMessage{
			Type: proto.WebSocketRequest,
			Request: &proto.WebSocketRequestMessage{
				Verb:    "PUT",
				Path:    "/api/v1/message",
				ID:      reqID,
				Body:    bodyBytes,
				Headers: []string{"X-Signal-Key: false"},
			},
		}
		if err := ws.Write(r.Context(), websocket.MessageBinary, reqMsg.Marshal()); err != nil {
			t.Errorf("write: %v", err)
			return
		}

		// Read the ACK response.
		_, respData, err := ws.Read(r.Context())
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		respMsg, err := proto.UnmarshalWebSocketMessage(respData)
		if err != nil {
			t.Errorf("unmarshal resp: %v", err)
			return
		}
		if respMsg.GetType() != proto.WebSocketResponse {
			t.Errorf("expected RESPONSE, got %v", respMsg.GetType())
		}
		if respMsg.GetResponse().ID != reqID {
			t.Errorf("response id: got %d, want %d", respMsg.GetResponse().ID, reqID)
		}
		if respMsg.GetResponse().Status != 200 {
			t.Errorf("response status: got %d, want 200", respMsg.GetResponse().Status)
		}

		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if msg.GetType() != proto.WebSocketRequest {
		t.Fatalf("expected REQUEST, got %v", msg.GetType())
	}
	if msg.GetRequest().Verb != "PUT" {
		t.Fatalf("verb: got %q, want PUT", msg.GetRequest().Verb)
	}
	if msg.GetRequest().Path != "/api/v1/message" {
		t.Fatalf("path: got %q", msg.GetRequest().Path)
	}
	if string(msg.GetRequest().Body) != string(bodyBytes) {
		t.Fatalf("body mismatch")
	}
	if v := msg.GetRequest().Header("x-signal-key"); v != "false" {
		t.Fatalf("header: got %q, want false", v)
	}

	if err := conn.SendResponse(ctx, reqID, 200, "OK"); err != nil {
		t.Fatal(err)
	}
}

func TestDialUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDialSendsHeaders(t *testing.T) {
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("X-Signal-Agent")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-Signal-Agent", "signal-receiver")
	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, h)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	if ua := <-gotUA; ua != "signal-receiver" {
		t.Fatalf("X-Signal-Agent: got %q", ua)
	}
}
