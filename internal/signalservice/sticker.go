package signalservice

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/instrument"
	"github.com/gwillem/signal-receiver/internal/proto"
	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

const (
	maxStickerManifestSize = 1 << 20
	maxStickerSize         = 1 << 20
)

// StickerInfo is one sticker of a pack.
type StickerInfo struct {
	ID    uint32
	Emoji string
}

// StickerManifest describes a sticker pack. Cover is nil when the pack has
// none; Stickers keeps manifest order.
type StickerManifest struct {
	Title    string
	Author   string
	Cover    *StickerInfo
	Stickers []StickerInfo
}

// RetrieveStickerManifest fetches, decrypts and parses a sticker pack manifest.
// The pack key authenticates the data; there is no digest.
func (r *Receiver) RetrieveStickerManifest(ctx context.Context, packID, packKey []byte) (*StickerManifest, error) {
	path := "/stickers/" + hex.EncodeToString(packID) + "/manifest.proto"
	data, err := r.cdn.Fetch(ctx, path, maxStickerManifestSize)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker manifest: %w", err)
	}

	plain, err := r.openSticker(data, packKey, path)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker manifest: %w", err)
	}
	manifest, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker manifest: %w", err)
	}

	pack, err := proto.UnmarshalStickerPack(manifest)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker manifest: %w: %v", ErrInvalidMessage, err)
	}
	return manifestFromPack(pack), nil
}

func manifestFromPack(pack *proto.StickerPack) *StickerManifest {
	m := &StickerManifest{
		Title:    pack.Title,
		Author:   pack.Author,
		Stickers: make([]StickerInfo, 0, len(pack.Stickers)),
	}
	if pack.Cover != nil {
		m.Cover = &StickerInfo{ID: pack.Cover.ID, Emoji: pack.Cover.Emoji}
	}
	for _, s := range pack.Stickers {
		m.Stickers = append(m.Stickers, StickerInfo{ID: s.ID, Emoji: s.Emoji})
	}
	return m
}

// RetrieveSticker fetches one sticker of a pack and returns its decrypted bytes as a stream.
func (r *Receiver) RetrieveSticker(ctx context.Context, packID, packKey []byte, stickerID uint32) (io.Reader, error) {
	path := "/stickers/" + hex.EncodeToString(packID) + "/full/" + strconv.FormatUint(uint64(stickerID), 10)
	data, err := r.cdn.Fetch(ctx, path, maxStickerSize)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker %d: %w", stickerID, err)
	}
	plain, err := r.openSticker(data, packKey, path)
	if err != nil {
		return nil, fmt.Errorf("retrieve sticker %d: %w", stickerID, err)
	}
	return plain, nil
}

func (r *Receiver) openSticker(data, packKey []byte, path string) (io.Reader, error) {
	plain, err := signalcrypto.NewStickerReader(data, packKey)
	if err != nil {
		instrument.DecryptFailure("sticker")
		r.logger.Warn("sticker data rejected", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return plain, nil
}
