package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gwillem/signal-receiver/internal/proto"
	"github.com/gwillem/signal-receiver/internal/signalservice"
)

// JournalEntry is one delivered envelope as recorded in the journal.
type JournalEntry struct {
	Key             string
	RecipientID     int64 // 0 for envelopes without a source
	Type            proto.EnvelopeType
	SourceDevice    uint32 // 0 when absent
	Timestamp       uint64
	ServerTimestamp uint64
	ReceivedAt      time.Time
}

// RecordEnvelope journals a delivered envelope. It resolves the source to a
// recipient and marks the source device as seen. It reports false if the
// envelope was already journaled, which happens when the server redelivers
// an envelope whose acknowledgment was lost.
func (s *Store) RecordEnvelope(ctx context.Context, env *signalservice.Envelope, receivedAt time.Time) (bool, error) {
	var recipientID int64
	if env.HasSource() {
		id, err := s.RecipientID(ctx, *env.Source)
		if err != nil {
			return false, err
		}
		recipientID = id
		if env.SourceDevice != nil {
			if err := s.TouchDevice(ctx, id, *env.SourceDevice, receivedAt); err != nil {
				return false, err
			}
		}
	}

	var device sql.NullInt64
	if env.SourceDevice != nil {
		device = sql.NullInt64{Int64: int64(*env.SourceDevice), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO envelope (key, recipient_id, type, source_device, timestamp, server_timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.Key(), sql.NullInt64{Int64: recipientID, Valid: recipientID != 0}, int32(env.Type), device,
		int64(env.Timestamp), int64(env.ServerTimestamp), receivedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("store: record envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record envelope: %w", err)
	}
	return n == 1, nil
}

// RecentEnvelopes returns up to limit journal entries, newest first.
func (s *Store) RecentEnvelopes(ctx context.Context, limit int) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, COALESCE(recipient_id, 0), type, COALESCE(source_device, 0), timestamp, server_timestamp, received_at
		FROM envelope ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent envelopes: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e                  JournalEntry
			typ                int32
			ts, serverTS, recv int64
		)
		if err := rows.Scan(&e.Key, &e.RecipientID, &typ, &e.SourceDevice, &ts, &serverTS, &recv); err != nil {
			return nil, fmt.Errorf("store: scan envelope: %w", err)
		}
		e.Type = proto.EnvelopeType(typ)
		e.Timestamp, e.ServerTimestamp = uint64(ts), uint64(serverTS)
		e.ReceivedAt = time.UnixMilli(recv)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate envelopes: %w", err)
	}
	return entries, nil
}
