package signalservice

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// DistributionState tracks which device addresses hold our sender key for
// each distribution. Rows persist in the store; a per-distribution set is
// cached after first use. Addresses are only removed when their session is
// archived.
type DistributionState struct {
	store senderDataStore
	cache *xsync.MapOf[uuid.UUID, *xsync.MapOf[string, struct{}]]
}

func newDistributionState(st senderDataStore) *DistributionState {
	return &DistributionState{
		store: st,
		cache: xsync.NewMapOf[uuid.UUID, *xsync.MapOf[string, struct{}]](),
	}
}

func (d *DistributionState) set(id uuid.UUID) (*xsync.MapOf[string, struct{}], error) {
	if s, ok := d.cache.Load(id); ok {
		return s, nil
	}
	addrs, err := d.store.GetSenderKeySharedWith(id)
	if err != nil {
		return nil, fmt.Errorf("distribution: load %s: %w", id, err)
	}
	s := xsync.NewMapOf[string, struct{}]()
	for _, a := range addrs {
		s.Store(a, struct{}{})
	}
	actual, _ := d.cache.LoadOrStore(id, s)
	return actual, nil
}

// Has reports whether address holds the key for id.
func (d *DistributionState) Has(id uuid.UUID, address string) (bool, error) {
	s, err := d.set(id)
	if err != nil {
		return false, err
	}
	_, ok := s.Load(address)
	return ok, nil
}

// Mark records that addresses received the key for id.
func (d *DistributionState) Mark(id uuid.UUID, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	s, err := d.set(id)
	if err != nil {
		return err
	}
	if err := d.store.MarkSenderKeySharedWith(id, addresses); err != nil {
		return fmt.Errorf("distribution: mark: %w", err)
	}
	for _, a := range addresses {
		s.Store(a, struct{}{})
	}
	return nil
}

// Forget removes address from every distribution.
func (d *DistributionState) Forget(address string) error {
	if err := d.store.ClearSenderKeySharedWith(address); err != nil {
		return fmt.Errorf("distribution: forget: %w", err)
	}
	d.cache.Range(func(_ uuid.UUID, s *xsync.MapOf[string, struct{}]) bool {
		s.Delete(address)
		return true
	})
	return nil
}
