package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// StickerPackSticker is a single entry of a sticker pack manifest.
type StickerPackSticker struct {
	ID    uint32 // 1
	Emoji string // 2
}

// StickerPack is the decrypted manifest.proto of a sticker pack.
type StickerPack struct {
	Title    string                // 1
	Author   string                // 2
	Cover    *StickerPackSticker   // 3
	Stickers []*StickerPackSticker // 4
}

// Marshal encodes the pack.
func (p *StickerPack) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Title)
	b = appendString(b, 2, p.Author)
	if p.Cover != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Cover.marshal())
	}
	for _, s := range p.Stickers {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, s.marshal())
	}
	return b
}

func (s *StickerPackSticker) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.ID))
	b = appendString(b, 2, s.Emoji)
	return b
}

// UnmarshalStickerPack decodes a manifest. Sticker order is preserved.
func UnmarshalStickerPack(data []byte) (*StickerPack, error) {
	p := new(StickerPack)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			p.Title, err = d.string(typ)
		case 2:
			p.Author, err = d.string(typ)
		case 3, 4:
			var raw []byte
			if raw, err = d.bytes(typ); err != nil {
				break
			}
			var s *StickerPackSticker
			if s, err = unmarshalSticker(raw); err != nil {
				return nil, fmt.Errorf("proto: sticker: %w", err)
			}
			if num == 3 {
				p.Cover = s
			} else {
				p.Stickers = append(p.Stickers, s)
			}
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func unmarshalSticker(data []byte) (*StickerPackSticker, error) {
	s := new(StickerPackSticker)
	d := &decoder{b: data}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			var v uint64
			if v, err = d.varint(typ); err == nil {
				s.ID = uint32(v)
			}
		case 2:
			s.Emoji, err = d.string(typ)
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}
