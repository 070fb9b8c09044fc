package store

import (
	"context"
	"fmt"
	"time"
)

// GetDevices returns the device IDs seen for a recipient, ordered by device_id.
// Returns an empty slice if no devices have been seen.
func (s *Store) GetDevices(ctx context.Context, recipientID int64) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device_id FROM recipient_device WHERE recipient_id = ? ORDER BY device_id",
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []uint32
	for rows.Next() {
		var deviceID uint32
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// TouchDevice records that deviceID of a recipient was seen at t.
// Idempotent; only last_seen moves.
func (s *Store) TouchDevice(ctx context.Context, recipientID int64, deviceID uint32, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient_device (recipient_id, device_id, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (recipient_id, device_id) DO UPDATE SET last_seen = max(last_seen, excluded.last_seen)`,
		recipientID, deviceID, t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: touch device: %w", err)
	}
	return nil
}

// LastSeen returns when a device was last seen, or the zero time if never.
func (s *Store) LastSeen(ctx context.Context, recipientID int64, deviceID uint32) (time.Time, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(last_seen), 0) FROM recipient_device WHERE recipient_id = ? AND device_id = ?",
		recipientID, deviceID,
	).Scan(&unix)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last seen: %w", err)
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0), nil
}

// RemoveDevice removes a device from a recipient's list. Idempotent - no error if not found.
func (s *Store) RemoveDevice(ctx context.Context, recipientID int64, deviceID uint32) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM recipient_device WHERE recipient_id = ? AND device_id = ?",
		recipientID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: remove device: %w", err)
	}
	return nil
}
