package store

import (
	"encoding/json"
	"fmt"
)

// Account holds the local credentials used to authenticate and encrypt.
// Keys are raw 32-byte X25519 values.
type Account struct {
	ACI            string `json:"aci"`
	DeviceID       int    `json:"deviceId"`
	Password       string `json:"password"`
	RegistrationID uint32 `json:"registrationId"`

	IdentityKeyPrivate []byte `json:"identityKeyPrivate"`
	IdentityKeyPublic  []byte `json:"identityKeyPublic"`
	ProfileKey         []byte `json:"profileKey"`
}

const accountKey = "account"

// SaveAccount persists the account credentials to the database.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
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
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
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
