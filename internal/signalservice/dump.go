package signalservice

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gwillem/signal-receiver/internal/proto"
)

// dumpEnvelope writes the body of an envelope frame to dir for offline
// inspection. env is nil for frames that could not be decoded. No-op if dir
// is empty.
func dumpEnvelope(dir string, req *proto.WebSocketRequestMessage, env *Envelope, logger *zap.Logger) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warn("dump: mkdir", zap.String("dir", dir), zap.Error(err))
		return
	}

	path := filepath.Join(dir, dumpName(req.ID, env))
	if err := os.WriteFile(path, req.Body, 0o600); err != nil {
		logger.Warn("dump: write", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("dump: wrote envelope", zap.String("path", path), zap.Int("bytes", len(req.Body)))
}

func dumpName(id uint64, env *Envelope) string {
	if env == nil {
		return fmt.Sprintf("undecodable_%d.bin", id)
	}
	sender := "sealed"
	if env.HasSource() {
		sender = env.Source.Identifier()
		if len(sender) > 8 {
			sender = sender[:8]
		}
	}
	var device uint32
	if env.SourceDevice != nil {
		device = *env.SourceDevice
	}
	ts := env.ServerTimestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	return fmt.Sprintf("%d_%s_%s_%d.bin", ts, env.Type, sender, device)
}
