package store

import (
	"fmt"

	"github.com/google/uuid"
)

// LoadSenderKey loads our own sender key record for a distribution.
// Returns nil if not found.
func (s *Store) LoadSenderKey(distributionID uuid.UUID) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM sender_key WHERE distribution_id = ?", distributionID[:],
	).Scan(&record)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load sender key: %w", err)
	}
	return record, nil
}

// StoreSenderKey stores our own sender key record for a distribution.
func (s *Store) StoreSenderKey(distributionID uuid.UUID, record []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO sender_key (distribution_id, record) VALUES (?, ?)",
		distributionID[:], record,
	)
	if err != nil {
		return fmt.Errorf("store: store sender key: %w", err)
	}
	return nil
}

// GetSenderKeySharedWith returns the list of "aci.deviceID" addresses that
// have received our sender key for the given distribution ID.
func (s *Store) GetSenderKeySharedWith(distributionID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT address FROM sender_key_shared WHERE distribution_id = ? ORDER BY address",
		distributionID[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: sender key shared: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// MarkSenderKeySharedWith records that the given addresses have received
// our sender key for the given distribution ID.
func (s *Store) MarkSenderKeySharedWith(distributionID uuid.UUID, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, addr := range addresses {
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO sender_key_shared (distribution_id, address) VALUES (?, ?)",
			distributionID[:], addr,
		)
		if err != nil {
			return fmt.Errorf("store: mark sender key shared: %w", err)
		}
	}
	return tx.Commit()
}

// ClearSenderKeySharedWith removes distribution tracking for one device
// address across all distribution IDs.
func (s *Store) ClearSenderKeySharedWith(address string) error {
	_, err := s.db.Exec("DELETE FROM sender_key_shared WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("store: clear sender key shared: %w", err)
	}
	return nil
}
