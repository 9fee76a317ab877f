// Package store persists group records, message history and per-device
// session state in a single SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	fid INTEGER UNIQUE,
	cname TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	avatar BLOB,
	max_members INTEGER NOT NULL DEFAULT 0,
	delivery_mode INTEGER NOT NULL DEFAULT 0,
	privacy_mode INTEGER NOT NULL DEFAULT 0,
	join_mode INTEGER NOT NULL DEFAULT 0,
	expiry_timer INTEGER NOT NULL DEFAULT 0,
	owner TEXT NOT NULL DEFAULT '',
	mode INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	eid INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS group_member (
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	member_set INTEGER NOT NULL,
	uid TEXT NOT NULL,
	PRIMARY KEY (group_id, uid)
);
CREATE TABLE IF NOT EXISTS group_permission (
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	permission INTEGER NOT NULL,
	uid TEXT NOT NULL,
	PRIMARY KEY (group_id, permission, uid)
);
CREATE TABLE IF NOT EXISTS message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id TEXT NOT NULL,
	direction INTEGER NOT NULL,
	command INTEGER NOT NULL,
	arg INTEGER NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	sent_at INTEGER NOT NULL DEFAULT 0,
	server_at INTEGER NOT NULL DEFAULT 0,
	when_client INTEGER NOT NULL DEFAULT 0,
	request INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS message_group ON message (group_id);
CREATE INDEX IF NOT EXISTS message_request_sent ON message (request, sent_at);
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS session_archive (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	archived_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS contact (
	aci TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS recipient_device (
	aci TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (aci, device_id)
);
CREATE TABLE IF NOT EXISTS sender_key (
	distribution_id BLOB PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sender_key_shared (
	distribution_id BLOB NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (distribution_id, address)
);
`

// DefaultDataDir returns the default data directory for ufsrv databases.
// Uses $XDG_DATA_HOME/ufsrv, falling back to ~/.local/share/ufsrv.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "ufsrv")
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/ufsrv/default.db.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	// Pragmas above are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	s := &Store{db: db, log: slog.Disabled}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// runMigrations applies any necessary schema changes.
func runMigrations(db *sql.DB) error {
	// Databases created before access keys were tracked lack the column.
	_, err := db.Exec("ALTER TABLE contact ADD COLUMN profile_key BLOB")
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

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
