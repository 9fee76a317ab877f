package store

import (
	"fmt"
	"time"
)

// LoadSession loads the active session record for one device of an address.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(address string, deviceID int) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ? AND device_id = ?",
		address, deviceID,
	).Scan(&record)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return record, nil
}

// StoreSession stores the active session record for one device of an address.
func (s *Store) StoreSession(address string, deviceID int, record []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO session (address, device_id, record) VALUES (?, ?, ?)",
		address, deviceID, record,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ArchiveSession moves the active session for a device into the archive and
// forgets which distributions that device held. The next encrypt attempt
// must establish a new session via pre-key fetch. Archiving a device without
// an active session is a no-op.
func (s *Store) ArchiveSession(address string, deviceID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO session_archive (address, device_id, record, archived_at)
		 SELECT address, device_id, record, ? FROM session WHERE address = ? AND device_id = ?`,
		time.Now().Unix(), address, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM session WHERE address = ? AND device_id = ?", address, deviceID); err != nil {
		return fmt.Errorf("store: drop active session: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sender_key_shared WHERE address = ?", DeviceAddress(address, deviceID)); err != nil {
		return fmt.Errorf("store: clear sender key shared: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ArchivedSessions returns how many archived records exist for a device.
func (s *Store) ArchivedSessions(address string, deviceID int) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session_archive WHERE address = ? AND device_id = ?",
		address, deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count archived sessions: %w", err)
	}
	return n, nil
}

// DeviceAddress formats the "aci.device" address used for distribution tracking.
func DeviceAddress(address string, deviceID int) string {
	return fmt.Sprintf("%s.%d", address, deviceID)
}
