// Package proto contains protobuf codecs for Signal's WebSocket framing,
// envelopes and sticker pack manifests.
//
// The message types are encoded directly on top of protowire so the package
// carries no generated code. Field numbers follow WebSocketResources.proto,
// SignalService.proto and Stickers.proto.
package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// decoder walks the fields of a single protobuf message.
type decoder struct {
	b []byte
}

func (d *decoder) more() bool { return len(d.b) > 0 }

func (d *decoder) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return num, typ, nil
}

func (d *decoder) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("proto: wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

// bytes returns a copy of the next length-delimited field.
func (d *decoder) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("proto: wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return append([]byte{}, v...), nil
}

func (d *decoder) string(typ protowire.Type) (string, error) {
	v, err := d.bytes(typ)
	return string(v), err
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
