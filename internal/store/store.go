package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/gwillem/signal-receiver/internal/signalservice"
)

// Store wraps a SQLite database holding the account record, known
// recipients, their devices and a journal of delivered envelopes.
type Store struct {
	db *sql.DB
}

var (
	_ signalservice.RecipientResolver = (*Store)(nil)
	_ signalservice.ProfileKeyLookup  = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS recipient (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE,
	e164 TEXT UNIQUE
);
CREATE TABLE IF NOT EXISTS recipient_device (
	recipient_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (recipient_id, device_id)
);
CREATE TABLE IF NOT EXISTS envelope (
	key TEXT PRIMARY KEY,
	recipient_id INTEGER,
	type INTEGER NOT NULL,
	source_device INTEGER,
	timestamp INTEGER NOT NULL,
	server_timestamp INTEGER NOT NULL,
	received_at INTEGER NOT NULL
);
`

// DefaultDataDir returns the default data directory for signal-receiver databases.
// Uses $XDG_DATA_HOME/signal-receiver, falling back to ~/.local/share/signal-receiver.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-receiver")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/signal-receiver/receiver.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "receiver.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// A single connection serializes writers; merges run in transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies any necessary schema changes.
func runMigrations(db *sql.DB) error {
	// Migration: Add profile_key column to recipient table if it doesn't exist
	_, err := db.Exec("ALTER TABLE recipient ADD COLUMN profile_key BLOB")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add profile_key column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
