package signalservice

import (
	"strconv"

	"github.com/gwillem/signal-receiver/internal/proto"
)

// Envelope is a server-delivered message container that is still encrypted
// for the local session layer.
type Envelope struct {
	Type proto.EnvelopeType

	// Source is nil for sealed-sender envelopes. SourceDevice is nil when
	// the server reported no usable device (sourceDevice <= 0).
	Source       *Address
	SourceDevice *uint32

	Timestamp       uint64
	LegacyMessage   []byte // nil if absent
	Content         []byte // nil if absent
	ServerTimestamp uint64
	ServerGUID      string // "" if absent
	Relay           string
}

func deviceOrNil(d int64) *uint32 {
	if d <= 0 {
		return nil
	}
	v := uint32(d)
	return &v
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func envelopeFromEntity(e *envelopeEntity) *Envelope {
	env := &Envelope{
		Type:            proto.EnvelopeType(e.Type),
		Source:          NewAddress(e.SourceUUID, e.Source),
		Timestamp:       e.Timestamp,
		LegacyMessage:   nilIfEmpty(e.Message),
		Content:         nilIfEmpty(e.Content),
		ServerTimestamp: e.ServerTimestamp,
		ServerGUID:      e.ServerGUID,
		Relay:           e.Relay,
	}
	if env.Source != nil {
		env.SourceDevice = deviceOrNil(int64(e.SourceDevice))
	}
	return env
}

func envelopeFromProto(p *proto.Envelope) *Envelope {
	env := &Envelope{
		Type:            p.Type,
		Source:          NewAddress(p.SourceUUID, p.SourceE164),
		Timestamp:       p.Timestamp,
		LegacyMessage:   nilIfEmpty(p.LegacyMessage),
		Content:         nilIfEmpty(p.Content),
		ServerTimestamp: p.ServerTimestamp,
		ServerGUID:      p.ServerGUID,
		Relay:           p.Relay,
	}
	if env.Source != nil {
		env.SourceDevice = deviceOrNil(int64(p.SourceDevice))
	}
	return env
}

// HasSource reports whether the envelope names its sender.
func (e *Envelope) HasSource() bool { return e.Source != nil }

// HasContent reports whether the envelope carries a Content payload.
func (e *Envelope) HasContent() bool { return e.Content != nil }

// HasLegacyMessage reports whether the envelope carries a legacy DataMessage payload.
func (e *Envelope) HasLegacyMessage() bool { return e.LegacyMessage != nil }

func (e *Envelope) IsReceipt() bool { return e.Type == proto.EnvelopeReceipt }

func (e *Envelope) IsUnidentifiedSender() bool { return e.Type == proto.EnvelopeUnidentifiedSender }

// Key identifies the envelope for acknowledgment and idempotent
// persistence: the server GUID when present, else source E164 and timestamp.
func (e *Envelope) Key() string {
	if e.ServerGUID != "" {
		return e.ServerGUID
	}
	var src string
	if e.Source != nil {
		src = e.Source.E164
	}
	return src + "/" + strconv.FormatUint(e.Timestamp, 10)
}
