package store

import (
	"fmt"
	"slices"
	"time"
)

// GetDevices returns known device IDs for a recipient, ordered by device_id.
// Returns an empty slice if no devices are cached.
func (s *Store) GetDevices(aci string) ([]int, error) {
	rows, err := s.db.Query(
		"SELECT device_id FROM recipient_device WHERE aci = ? ORDER BY device_id",
		aci,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []int
	for rows.Next() {
		var deviceID int
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

// SetDevices replaces the device list for a recipient. Devices that stay in
// the list keep their row and get a fresh last_seen.
func (s *Store) SetDevices(aci string, deviceIDs []int) error {
	current, err := s.GetDevices(aci)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range current {
		if slices.Contains(deviceIDs, d) {
			continue
		}
		if _, err := tx.Exec("DELETE FROM recipient_device WHERE aci = ? AND device_id = ?", aci, d); err != nil {
			return fmt.Errorf("store: delete device %d: %w", d, err)
		}
	}

	now := time.Now().Unix()
	for _, d := range deviceIDs {
		_, err := tx.Exec(
			`INSERT INTO recipient_device (aci, device_id, last_seen) VALUES (?, ?, ?)
			 ON CONFLICT (aci, device_id) DO UPDATE SET last_seen = excluded.last_seen`,
			aci, d, now,
		)
		if err != nil {
			return fmt.Errorf("store: upsert device %d: %w", d, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
