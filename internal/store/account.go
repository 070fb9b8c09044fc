package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gwillem/signal-receiver/internal/signalservice"
)

// Account holds the credentials needed to authenticate the receiver.
type Account struct {
	UUID         string `json:"uuid"`
	Number       string `json:"number"`
	Password     string `json:"password"`
	SignalingKey string `json:"signalingKey,omitempty"`
	DeviceID     uint32 `json:"deviceId"`
	ProfileKey   []byte `json:"profileKey,omitempty"`
}

const accountKey = "account"

// AccountFromCredentials converts service credentials into an Account.
func AccountFromCredentials(c signalservice.Credentials) *Account {
	acct := &Account{
		Number:       c.E164,
		Password:     c.Password,
		SignalingKey: c.SignalingKey,
		DeviceID:     c.DeviceID,
	}
	if c.UUID != uuid.Nil {
		acct.UUID = c.UUID.String()
	}
	return acct
}

// Credentials returns the service credentials stored in the account.
func (a *Account) Credentials() (signalservice.Credentials, error) {
	c := signalservice.Credentials{
		E164:         a.Number,
		Password:     a.Password,
		SignalingKey: a.SignalingKey,
		DeviceID:     a.DeviceID,
	}
	if a.UUID != "" {
		id, err := uuid.Parse(a.UUID)
		if err != nil {
			return c, fmt.Errorf("store: account uuid: %w", err)
		}
		c.UUID = id
	}
	return c, nil
}

// SaveAccount persists the account credentials to the database.
func (s *Store) SaveAccount(ctx context.Context, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account credentials from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount(ctx context.Context) (*Account, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}
