package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gwillem/signal-receiver/internal/signalservice"
)

// ErrEmptyAddress is returned for an address with neither UUID nor number.
var ErrEmptyAddress = errors.New("store: address has no identifier")

// Recipient is a locally known account. Either identifier may be empty.
type Recipient struct {
	ID         int64
	UUID       string
	E164       string
	ProfileKey []byte
}

// Address returns the recipient's service address.
func (r *Recipient) Address() *signalservice.Address {
	return signalservice.NewAddress(r.UUID, r.E164)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanRecipient(row *sql.Row) (*Recipient, error) {
	var (
		r          Recipient
		id, number sql.NullString
	)
	if err := row.Scan(&r.ID, &id, &number, &r.ProfileKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.UUID, r.E164 = id.String, number.String
	return &r, nil
}

func lookupRecipient(ctx context.Context, q queryer, column, value string) (*Recipient, error) {
	if value == "" {
		return nil, nil
	}
	r, err := scanRecipient(q.QueryRowContext(ctx,
		"SELECT id, uuid, e164, profile_key FROM recipient WHERE "+column+" = ?", value,
	))
	if err != nil {
		return nil, fmt.Errorf("store: lookup recipient by %s: %w", column, err)
	}
	return r, nil
}

// RecipientID returns the local id for addr, creating a recipient when none
// matches. When the UUID and the number resolve to different rows, a
// number-only row is merged into the UUID row; a number held by another UUID
// moves to the UUID row.
func (s *Store) RecipientID(ctx context.Context, addr signalservice.Address) (int64, error) {
	var rawUUID string
	if addr.UUID != nil {
		rawUUID = addr.UUID.String()
	}
	if rawUUID == "" && addr.E164 == "" {
		return 0, ErrEmptyAddress
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	byUUID, err := lookupRecipient(ctx, tx, "uuid", rawUUID)
	if err != nil {
		return 0, err
	}
	byE164, err := lookupRecipient(ctx, tx, "e164", addr.E164)
	if err != nil {
		return 0, err
	}

	var id int64
	switch {
	case byUUID == nil && byE164 == nil:
		id, err = insertRecipient(ctx, tx, rawUUID, addr.E164)

	case byE164 == nil:
		id = byUUID.ID
		if addr.E164 != "" {
			err = setNumber(ctx, tx, id, addr.E164)
		}

	case byUUID == nil:
		switch {
		case rawUUID == "":
			id = byE164.ID
		case byE164.UUID == "":
			id = byE164.ID
			_, err = tx.ExecContext(ctx, "UPDATE recipient SET uuid = ? WHERE id = ?", rawUUID, id)
		default:
			// The number now belongs to a different account.
			if err = setNumber(ctx, tx, byE164.ID, ""); err == nil {
				id, err = insertRecipient(ctx, tx, rawUUID, addr.E164)
			}
		}

	case byUUID.ID == byE164.ID:
		id = byUUID.ID

	default:
		id = byUUID.ID
		if byE164.UUID == "" {
			err = mergeRecipient(ctx, tx, byE164, byUUID)
		} else {
			err = setNumber(ctx, tx, byE164.ID, "")
		}
		if err == nil {
			err = setNumber(ctx, tx, id, addr.E164)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("store: resolve recipient %s: %w", addr.String(), err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

func insertRecipient(ctx context.Context, tx *sql.Tx, rawUUID, e164 string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO recipient (uuid, e164) VALUES (?, ?)",
		nullString(rawUUID), nullString(e164),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func setNumber(ctx context.Context, tx *sql.Tx, id int64, e164 string) error {
	_, err := tx.ExecContext(ctx, "UPDATE recipient SET e164 = ? WHERE id = ?", nullString(e164), id)
	return err
}

type statement struct {
	query string
	args  []any
}

// mergeRecipient folds the number-only row from into into and deletes from.
func mergeRecipient(ctx context.Context, tx *sql.Tx, from, into *Recipient) error {
	stmts := []statement{
		{"UPDATE OR IGNORE recipient_device SET recipient_id = ? WHERE recipient_id = ?", []any{into.ID, from.ID}},
		{"DELETE FROM recipient_device WHERE recipient_id = ?", []any{from.ID}},
		{"UPDATE envelope SET recipient_id = ? WHERE recipient_id = ?", []any{into.ID, from.ID}},
		{"DELETE FROM recipient WHERE id = ?", []any{from.ID}},
	}
	if into.ProfileKey == nil && from.ProfileKey != nil {
		stmts = append(stmts, statement{"UPDATE recipient SET profile_key = ? WHERE id = ?", []any{from.ProfileKey, into.ID}})
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("merge recipient %d into %d: %w", from.ID, into.ID, err)
		}
	}
	return nil
}

// GetRecipient returns the recipient with the given id, or nil if not found.
func (s *Store) GetRecipient(ctx context.Context, id int64) (*Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx,
		"SELECT id, uuid, e164, profile_key FROM recipient WHERE id = ?", id,
	))
	if err != nil {
		return nil, fmt.Errorf("store: get recipient: %w", err)
	}
	return r, nil
}

// GetRecipientByUUID returns the recipient with the given UUID, or nil if not found.
func (s *Store) GetRecipientByUUID(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	return lookupRecipient(ctx, s.db, "uuid", id.String())
}

// ProfileKey returns the stored profile key of addr, or nil when the
// recipient or its key is unknown. The UUID takes precedence over the number.
func (s *Store) ProfileKey(ctx context.Context, addr signalservice.Address) ([]byte, error) {
	var r *Recipient
	var err error
	if addr.UUID != nil {
		if r, err = lookupRecipient(ctx, s.db, "uuid", addr.UUID.String()); err != nil {
			return nil, err
		}
	}
	if r == nil {
		if r, err = lookupRecipient(ctx, s.db, "e164", addr.E164); err != nil {
			return nil, err
		}
	}
	if r == nil {
		return nil, nil
	}
	return r.ProfileKey, nil
}

// SetProfileKey stores the profile key of a recipient.
func (s *Store) SetProfileKey(ctx context.Context, id int64, profileKey []byte) error {
	res, err := s.db.ExecContext(ctx, "UPDATE recipient SET profile_key = ? WHERE id = ?", profileKey, id)
	if err != nil {
		return fmt.Errorf("store: set profile key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set profile key: no recipient %d", id)
	}
	return nil
}
