package store

import (
	"bytes"
	"fmt"
)

// SaveIdentityKey stores a remote identity key for the given address,
// replacing any previous one.
func (s *Store) SaveIdentityKey(address string, key []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO identity (address, public_key) VALUES (?, ?)",
		address, key,
	)
	if err != nil {
		return fmt.Errorf("store: save identity key: %w", err)
	}
	return nil
}

// GetIdentityKey loads a remote identity key for the given address.
// Returns nil, nil if no identity key exists for this address.
func (s *Store) GetIdentityKey(address string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM identity WHERE address = ?", address,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load identity key: %w", err)
	}
	return data, nil
}

// IsTrustedIdentity checks whether a remote identity key is trusted.
// Uses trust-on-first-use (TOFU): unknown identities are trusted.
func (s *Store) IsTrustedIdentity(address string, key []byte) (bool, error) {
	existing, err := s.GetIdentityKey(address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return bytes.Equal(existing, key), nil
}
