package proto

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// WebSocketMessageType distinguishes requests from responses on the pipe.
type WebSocketMessageType int32

const (
	WebSocketUnknown  WebSocketMessageType = 0
	WebSocketRequest  WebSocketMessageType = 1
	WebSocketResponse WebSocketMessageType = 2
)

func (t WebSocketMessageType) String() string {
	switch t {
	case WebSocketRequest:
		return "REQUEST"
	case WebSocketResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// WebSocketRequestMessage is a request carried over the WebSocket, in either direction.
type WebSocketRequestMessage struct {
	Verb    string
	Path    string
	Body    []byte
	Headers []string
	ID      uint64
}

// WebSocketResponseMessage answers the request with the same ID.
type WebSocketResponseMessage struct {
	ID      uint64
	Status  uint32
	Message string
	Headers []string
	Body    []byte
}

// WebSocketMessage is the outer frame of every WebSocket message.
type WebSocketMessage struct {
	Type     WebSocketMessageType
	Request  *WebSocketRequestMessage
	Response *WebSocketResponseMessage
}

func (m *WebSocketMessage) GetType() WebSocketMessageType {
	if m == nil {
		return WebSocketUnknown
	}
	return m.Type
}

func (m *WebSocketMessage) GetRequest() *WebSocketRequestMessage {
	if m == nil {
		return nil
	}
	return m.Request
}

func (m *WebSocketMessage) GetResponse() *WebSocketResponseMessage {
	if m == nil {
		return nil
	}
	return m.Response
}

func (r *WebSocketRequestMessage) GetID() uint64 {
	if r == nil {
		return 0
	}
	return r.ID
}

func (r *WebSocketRequestMessage) GetVerb() string {
	if r == nil {
		return ""
	}
	return r.Verb
}

func (r *WebSocketRequestMessage) GetPath() string {
	if r == nil {
		return ""
	}
	return r.Path
}

func (r *WebSocketResponseMessage) GetID() uint64 {
	if r == nil {
		return 0
	}
	return r.ID
}

func (r *WebSocketResponseMessage) GetStatus() uint32 {
	if r == nil {
		return 0
	}
	return r.Status
}

// Header returns the value of the first "name:value" header matching name,
// compared case-insensitively.
func (r *WebSocketRequestMessage) Header(name string) string {
	if r == nil {
		return ""
	}
	return findHeader(r.Headers, name)
}

// Header returns the value of the first "name:value" header matching name.
func (r *WebSocketResponseMessage) Header(name string) string {
	if r == nil {
		return ""
	}
	return findHeader(r.Headers, name)
}

func findHeader(headers []string, name string) string {
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Marshal encodes the frame.
func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Type))
	if m.Request != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Request.marshal())
	}
	if m.Response != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Response.marshal())
	}
	return b
}

func (r *WebSocketRequestMessage) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.Verb)
	b = appendString(b, 2, r.Path)
	b = appendBytes(b, 3, r.Body)
	b = appendVarint(b, 4, r.ID)
	for _, h := range r.Headers {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

func (r *WebSocketResponseMessage) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, r.ID)
	b = appendVarint(b, 2, uint64(r.Status))
	b = appendString(b, 3, r.Message)
	b = appendBytes(b, 4, r.Body)
	for _, h := range r.Headers {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

// UnmarshalWebSocketMessage decodes a frame. Unknown fields are skipped.
func UnmarshalWebSocketMessage(data []byte) (*WebSocketMessage, error) {
	m := new(WebSocketMessage)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := d.varint(typ)
			if err != nil {
				return nil, err
			}
			m.Type = WebSocketMessageType(v)
		case 2:
			raw, err := d.bytes(typ)
			if err != nil {
				return nil, err
			}
			if m.Request, err = unmarshalRequest(raw); err != nil {
				return nil, fmt.Errorf("proto: request: %w", err)
			}
		case 3:
			raw, err := d.bytes(typ)
			if err != nil {
				return nil, err
			}
			if m.Response, err = unmarshalResponse(raw); err != nil {
				return nil, fmt.Errorf("proto: response: %w", err)
			}
		default:
			if err := d.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func unmarshalRequest(data []byte) (*WebSocketRequestMessage, error) {
	r := new(WebSocketRequestMessage)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			r.Verb, err = d.string(typ)
		case 2:
			r.Path, err = d.string(typ)
		case 3:
			r.Body, err = d.bytes(typ)
		case 4:
			r.ID, err = d.varint(typ)
		case 5:
			var h string
			if h, err = d.string(typ); err == nil {
				r.Headers = append(r.Headers, h)
			}
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func unmarshalResponse(data []byte) (*WebSocketResponseMessage, error) {
	r := new(WebSocketResponseMessage)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			r.ID, err = d.varint(typ)
		case 2:
			var v uint64
			if v, err = d.varint(typ); err == nil {
				r.Status = uint32(v)
			}
		case 3:
			r.Message, err = d.string(typ)
		case 4:
			r.Body, err = d.bytes(typ)
		case 5:
			var h string
			if h, err = d.string(typ); err == nil {
				r.Headers = append(r.Headers, h)
			}
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}
