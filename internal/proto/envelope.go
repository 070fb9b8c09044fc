package proto

// EnvelopeType is the kind of payload carried by an Envelope.
type EnvelopeType int32

const (
	EnvelopeUnknown            EnvelopeType = 0
	EnvelopeCiphertext         EnvelopeType = 1
	EnvelopeKeyExchange        EnvelopeType = 2
	EnvelopePrekeyBundle       EnvelopeType = 3
	EnvelopeReceipt            EnvelopeType = 5
	EnvelopeUnidentifiedSender EnvelopeType = 6
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePrekeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	case EnvelopeUnidentifiedSender:
		return "UNIDENTIFIED_SENDER"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the protobuf envelope pushed over the message pipe.
type Envelope struct {
	Type            EnvelopeType // 1
	SourceE164      string       // 2
	Relay           string       // 3
	Timestamp       uint64       // 5
	LegacyMessage   []byte       // 6
	SourceDevice    uint32       // 7
	Content         []byte       // 8
	ServerGUID      string       // 9
	ServerTimestamp uint64       // 10
	SourceUUID      string       // 11
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(e.Type))
	b = appendString(b, 2, e.SourceE164)
	b = appendString(b, 3, e.Relay)
	b = appendVarint(b, 5, e.Timestamp)
	b = appendBytes(b, 6, e.LegacyMessage)
	b = appendVarint(b, 7, uint64(e.SourceDevice))
	b = appendBytes(b, 8, e.Content)
	b = appendString(b, 9, e.ServerGUID)
	b = appendVarint(b, 10, e.ServerTimestamp)
	b = appendString(b, 11, e.SourceUUID)
	return b
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := new(Envelope)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		var v uint64
		switch num {
		case 1:
			if v, err = d.varint(typ); err == nil {
				e.Type = EnvelopeType(v)
			}
		case 2:
			e.SourceE164, err = d.string(typ)
		case 3:
			e.Relay, err = d.string(typ)
		case 5:
			e.Timestamp, err = d.varint(typ)
		case 6:
			e.LegacyMessage, err = d.bytes(typ)
		case 7:
			if v, err = d.varint(typ); err == nil {
				e.SourceDevice = uint32(v)
			}
		case 8:
			e.Content, err = d.bytes(typ)
		case 9:
			e.ServerGUID, err = d.string(typ)
		case 10:
			e.ServerTimestamp, err = d.varint(typ)
		case 11:
			e.SourceUUID, err = d.string(typ)
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}
