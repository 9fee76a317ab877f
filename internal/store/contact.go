package store

import "fmt"

// Contact is a known remote account.
type Contact struct {
	ACI  string
	Name string
	// ProfileKey derives the recipient's unidentified access key. Empty when
	// the recipient has not shared a profile key with us.
	ProfileKey []byte
}

// SaveContact upserts a single contact.
func (s *Store) SaveContact(c *Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contact (aci, name, profile_key) VALUES (?, ?, ?)
		 ON CONFLICT (aci) DO UPDATE SET name = excluded.name,
		 profile_key = COALESCE(excluded.profile_key, contact.profile_key)`,
		c.ACI, c.Name, c.ProfileKey,
	)
	if err != nil {
		return fmt.Errorf("store: save contact: %w", err)
	}
	return nil
}

// GetContactByACI returns the contact for the given ACI UUID, or nil if not found.
func (s *Store) GetContactByACI(aci string) (*Contact, error) {
	var c Contact
	err := s.db.QueryRow(
		"SELECT aci, name, profile_key FROM contact WHERE aci = ?", aci,
	).Scan(&c.ACI, &c.Name, &c.ProfileKey)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get contact: %w", err)
	}
	return &c, nil
}
