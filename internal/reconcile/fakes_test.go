package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/history"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// memGroups is an in-memory GroupStore.
type memGroups struct {
	groups map[string]*store.GroupRecord
	nextID int
	writes int
}

func newMemGroups() *memGroups {
	return &memGroups{groups: make(map[string]*store.GroupRecord)}
}

func (m *memGroups) get(id string) (*store.GroupRecord, error) {
	r, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("no group %q", id)
	}
	return r, nil
}

func (m *memGroups) byID(id string) *store.GroupRecord {
	r, ok := m.groups[id]
	if !ok {
		return nil
	}
	return r.Clone()
}

func (m *memGroups) only() *store.GroupRecord {
	for _, r := range m.groups {
		return r.Clone()
	}
	return nil
}

func (m *memGroups) GroupByFID(fid uint64) (*store.GroupRecord, error) {
	for _, r := range m.groups {
		if v, ok := r.FID.Get(); ok && v == fid {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memGroups) GroupByCName(cname string) (*store.GroupRecord, error) {
	for _, r := range m.groups {
		if r.CName == cname {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memGroups) CreateGroup(r *store.GroupRecord) error {
	if r.CName == "" {
		return fmt.Errorf("cname required")
	}
	if r.ID == "" {
		m.nextID++
		r.ID = fmt.Sprintf("g%d", m.nextID)
	}
	r.Normalize()
	m.groups[r.ID] = r.Clone()
	m.writes++
	return nil
}

func (m *memGroups) SaveGroup(r *store.GroupRecord) error {
	if _, err := m.get(r.ID); err != nil {
		return err
	}
	c := r.Clone()
	c.Normalize()
	m.groups[r.ID] = c
	m.writes++
	return nil
}

func (m *memGroups) update(id string, fn func(r *store.GroupRecord)) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	fn(r)
	r.Normalize()
	m.writes++
	return nil
}

func (m *memGroups) BindFID(id string, fid uint64) error {
	for _, r := range m.groups {
		if v, ok := r.FID.Get(); ok && v == fid && r.ID != id {
			r.FID = fence.FID{}
		}
	}
	return m.update(id, func(r *store.GroupRecord) { r.FID = fence.SomeFID(fid) })
}

func (m *memGroups) SetTitle(id, title string) error {
	return m.update(id, func(r *store.GroupRecord) { r.Title = title })
}

func (m *memGroups) SetCName(id, cname string) error {
	return m.update(id, func(r *store.GroupRecord) { r.CName = cname })
}

func (m *memGroups) SetDescription(id, d string) error {
	return m.update(id, func(r *store.GroupRecord) { r.Description = d })
}

func (m *memGroups) SetAvatar(id string, a *fence.AttachmentPointer) error {
	return m.update(id, func(r *store.GroupRecord) { r.Avatar = a })
}

func (m *memGroups) SetExpiryTimer(id string, s uint64) error {
	return m.update(id, func(r *store.GroupRecord) { r.ExpiryTimer = s })
}

func (m *memGroups) SetMaxMembers(id string, n uint32) error {
	return m.update(id, func(r *store.GroupRecord) { r.MaxMembers = n })
}

func (m *memGroups) SetDeliveryMode(id string, d fence.DeliveryMode) error {
	return m.update(id, func(r *store.GroupRecord) { r.DeliveryMode = d })
}

func (m *memGroups) SetMode(id string, mode store.GroupMode) error {
	return m.update(id, func(r *store.GroupRecord) { r.Mode = mode })
}

func (m *memGroups) SetActive(id string, active bool) error {
	return m.update(id, func(r *store.GroupRecord) { r.Active = active })
}

func (m *memGroups) SetEID(id string, eid uint64) error {
	return m.update(id, func(r *store.GroupRecord) { r.EID = eid })
}

func setPtr(r *store.GroupRecord, s store.MemberSet) *[]string {
	switch s {
	case store.SetMembers:
		return &r.Members
	case store.SetInvited:
		return &r.Invited
	case store.SetLinkJoin:
		return &r.LinkJoin
	}
	return &r.Banned
}

func (m *memGroups) UpdateMembers(id string, set store.MemberSet, users []string, op store.MembershipOp) error {
	return m.update(id, func(r *store.GroupRecord) {
		for _, uid := range users {
			if op == store.MembersAdd {
				for _, s := range []store.MemberSet{store.SetMembers, store.SetInvited, store.SetLinkJoin, store.SetBanned} {
					p := setPtr(r, s)
					*p = slices.DeleteFunc(*p, func(u string) bool { return u == uid })
				}
				p := setPtr(r, set)
				*p = append(*p, uid)
				continue
			}
			p := setPtr(r, set)
			*p = slices.DeleteFunc(*p, func(u string) bool { return u == uid })
		}
	})
}

func (m *memGroups) SetPermission(id string, perm fence.PermissionType, uid string, granted bool) error {
	return m.update(id, func(r *store.GroupRecord) {
		if r.Permissions == nil {
			r.Permissions = make(map[fence.PermissionType][]string)
		}
		users := slices.DeleteFunc(r.Permissions[perm], func(u string) bool { return u == uid })
		if granted {
			users = append(users, uid)
		}
		r.Permissions[perm] = users
	})
}

func (m *memGroups) DeleteGroup(id string) error {
	delete(m.groups, id)
	m.writes++
	return nil
}

type echoKey struct {
	group string
	ts    uint64
}

// memHistory is an in-memory History.
type memHistory struct {
	nextID   int64
	entries  map[int64]history.Entry
	requests map[echoKey]int64
	purged   []uint64
}

func newMemHistory() *memHistory {
	return &memHistory{entries: make(map[int64]history.Entry), requests: make(map[echoKey]int64)}
}

func (h *memHistory) Store(_ history.Correlation, e history.Entry, _ store.Direction) (int64, error) {
	h.nextID++
	h.entries[h.nextID] = e
	return h.nextID, nil
}

func (h *memHistory) StoreRequest(sentAt uint64, e history.Entry) (int64, error) {
	id, _ := h.Store(history.Correlation{SentAt: sentAt}, e, store.Outbound)
	h.requests[echoKey{e.GroupID, sentAt}] = id
	return id, nil
}

func (h *memHistory) PurgeEcho(groupID string, ts uint64) (bool, error) {
	k := echoKey{groupID, ts}
	id, ok := h.requests[k]
	if !ok {
		return false, nil
	}
	delete(h.requests, k)
	delete(h.entries, id)
	h.purged = append(h.purged, ts)
	return true, nil
}

func (h *memHistory) PurgeGroup(groupID string) error {
	for id, e := range h.entries {
		if e.GroupID == groupID {
			delete(h.entries, id)
		}
	}
	return nil
}

// last returns the body of the newest entry of a group.
func (h *memHistory) last(groupID string) string {
	var id int64
	for k, e := range h.entries {
		if e.GroupID == groupID && k > id {
			id = k
		}
	}
	return h.entries[id].Body
}

func (h *memHistory) count(groupID string) int {
	n := 0
	for _, e := range h.entries {
		if e.GroupID == groupID {
			n++
		}
	}
	return n
}

// fakeServer records repair requests.
type fakeServer struct {
	stateSyncs []uint64
	keyResyncs []uint64
}

func (f *fakeServer) RequestStateSync(_ context.Context, fid uint64) error {
	f.stateSyncs = append(f.stateSyncs, fid)
	return nil
}

func (f *fakeServer) RequestKeyResync(_ context.Context, fid uint64) error {
	f.keyResyncs = append(f.keyResyncs, fid)
	return nil
}

// fakeSender captures encoded commands.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeSender) SendCommand(_ context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, raw)
	return nil
}
