package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
)

// GroupMode is the local lifecycle state of a group record.
type GroupMode int

const (
	ModeDeviceLocal              GroupMode = 0
	ModeInvitation               GroupMode = 1
	ModeGeoBasedInvite           GroupMode = 2
	ModeUninvited                GroupMode = 3
	ModeJoinAccepted             GroupMode = 10
	ModeInvitationJoinAccepted   GroupMode = 11
	ModeGeoBasedJoin             GroupMode = 12
	ModeJoinSynced               GroupMode = 13
	ModeMakeNotConfirmed         GroupMode = 14
	ModeInvitationRejected       GroupMode = 15
	ModeLeaveAccepted            GroupMode = 20
	ModeLeaveGeoBased            GroupMode = 21
	ModeLeaveNotConfirmed        GroupMode = 22
	ModeLeaveNotConfirmedCleanup GroupMode = 23
	ModeLeaveRejected            GroupMode = 24
	ModeLinkJoinRequesting       GroupMode = 40
	ModeLinkJoinAccepted         GroupMode = 41
	ModeLinkJoinRejected         GroupMode = 42
)

// Joined reports whether m is one of the states in which the local user is
// a full member.
func (m GroupMode) Joined() bool {
	switch m {
	case ModeJoinAccepted, ModeInvitationJoinAccepted, ModeGeoBasedJoin,
		ModeJoinSynced, ModeMakeNotConfirmed:
		return true
	}
	return false
}

// Invitation reports whether m is a pending-invitation state.
func (m GroupMode) Invitation() bool {
	return m == ModeInvitation || m == ModeGeoBasedInvite
}

// MemberSet identifies one of the four disjoint membership sets.
type MemberSet int

const (
	SetMembers  MemberSet = 0
	SetInvited  MemberSet = 1
	SetLinkJoin MemberSet = 2
	SetBanned   MemberSet = 3
)

func (s MemberSet) String() string {
	switch s {
	case SetMembers:
		return "members"
	case SetInvited:
		return "invited"
	case SetLinkJoin:
		return "linkjoin"
	case SetBanned:
		return "banned"
	}
	return fmt.Sprintf("set(%d)", int(s))
}

// MembershipOp selects how UpdateMembers applies its user list.
type MembershipOp int

const (
	// MembersAdd moves each user into the set, out of any other set.
	MembersAdd MembershipOp = iota
	// MembersRemove removes each user from the set if present there.
	MembersRemove
)

// GroupRecord is the local projection of a group.
type GroupRecord struct {
	ID           string
	FID          fence.FID
	CName        string
	Title        string
	Description  string
	Avatar       *fence.AttachmentPointer
	MaxMembers   uint32
	DeliveryMode fence.DeliveryMode
	PrivacyMode  fence.PrivacyMode
	JoinMode     fence.JoinMode
	ExpiryTimer  uint64
	Owner        string

	Members  []string
	Invited  []string
	LinkJoin []string
	Banned   []string

	Permissions map[fence.PermissionType][]string

	Mode   GroupMode
	Active bool
	EID    uint64
}

// Clone returns a deep copy of r.
func (r *GroupRecord) Clone() *GroupRecord {
	c := *r
	if r.Avatar != nil {
		a := *r.Avatar
		a.Key = slices.Clone(a.Key)
		a.Digest = slices.Clone(a.Digest)
		c.Avatar = &a
	}
	c.Members = slices.Clone(r.Members)
	c.Invited = slices.Clone(r.Invited)
	c.LinkJoin = slices.Clone(r.LinkJoin)
	c.Banned = slices.Clone(r.Banned)
	if r.Permissions != nil {
		c.Permissions = make(map[fence.PermissionType][]string, len(r.Permissions))
		for k, v := range r.Permissions {
			c.Permissions[k] = slices.Clone(v)
		}
	}
	return &c
}

// Equal reports whether two normalized records hold the same state.
func (r *GroupRecord) Equal(o *GroupRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return reflect.DeepEqual(r, o)
}

// Set returns the users in one member set.
func (r *GroupRecord) Set(s MemberSet) []string {
	switch s {
	case SetMembers:
		return r.Members
	case SetInvited:
		return r.Invited
	case SetLinkJoin:
		return r.LinkJoin
	case SetBanned:
		return r.Banned
	}
	return nil
}

// Normalize sorts and deduplicates the member sets, enforces their mutual
// disjointness and collapses empty collections to nil. A user appearing in
// more than one set is kept in the first of banned, members, link-join,
// invited.
func (r *GroupRecord) Normalize() {
	seen := make(map[string]bool)
	take := func(in []string) []string {
		var out []string
		for _, uid := range in {
			if uid == "" || seen[uid] {
				continue
			}
			seen[uid] = true
			out = append(out, uid)
		}
		slices.Sort(out)
		return out
	}
	r.Banned = take(r.Banned)
	r.Members = take(r.Members)
	r.LinkJoin = take(r.LinkJoin)
	r.Invited = take(r.Invited)

	if r.Avatar != nil {
		if len(r.Avatar.Key) == 0 {
			r.Avatar.Key = nil
		}
		if len(r.Avatar.Digest) == 0 {
			r.Avatar.Digest = nil
		}
	}

	if len(r.Permissions) == 0 {
		r.Permissions = nil
		return
	}
	perms := make(map[fence.PermissionType][]string, len(r.Permissions))
	for k, users := range r.Permissions {
		u := slices.Compact(slices.Sorted(slices.Values(users)))
		if len(u) == 0 {
			continue
		}
		perms[k] = u
	}
	if len(perms) == 0 {
		perms = nil
	}
	r.Permissions = perms
}

const groupColumns = `id, fid, cname, title, description, avatar, max_members, delivery_mode,
	privacy_mode, join_mode, expiry_timer, owner, mode, active, eid`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*GroupRecord, error) {
	var (
		r      GroupRecord
		avatar []byte
	)
	err := row.Scan(&r.ID, &r.FID, &r.CName, &r.Title, &r.Description, &avatar,
		&r.MaxMembers, &r.DeliveryMode, &r.PrivacyMode, &r.JoinMode, &r.ExpiryTimer,
		&r.Owner, &r.Mode, &r.Active, &r.EID)
	if err != nil {
		return nil, err
	}
	if len(avatar) > 0 {
		var a fence.AttachmentPointer
		if err := json.Unmarshal(avatar, &a); err != nil {
			return nil, fmt.Errorf("unmarshal avatar: %w", err)
		}
		r.Avatar = &a
	}
	return &r, nil
}

func marshalAvatar(a *fence.AttachmentPointer) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (s *Store) groupWhere(where string, arg any) (*GroupRecord, error) {
	r, err := scanGroup(s.db.QueryRow("SELECT "+groupColumns+" FROM groups WHERE "+where, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load group: %w", err)
	}
	if err := s.loadMembership(r); err != nil {
		return nil, err
	}
	return r, nil
}

// GroupByID returns the group with the given local id, or nil if not found.
func (s *Store) GroupByID(id string) (*GroupRecord, error) {
	return s.groupWhere("id = ?", id)
}

// GroupByFID returns the group bound to the given server id, or nil.
func (s *Store) GroupByFID(fid uint64) (*GroupRecord, error) {
	return s.groupWhere("fid = ?", int64(fid))
}

// GroupByCName returns the group with the given canonical name, or nil.
func (s *Store) GroupByCName(cname string) (*GroupRecord, error) {
	return s.groupWhere("cname = ?", cname)
}

// AllGroups returns every stored group ordered by title.
func (s *Store) AllGroups() ([]*GroupRecord, error) {
	rows, err := s.db.Query("SELECT " + groupColumns + " FROM groups ORDER BY title, cname")
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	var groups []*GroupRecord
	for rows.Next() {
		r, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		groups = append(groups, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: iterate groups: %w", err)
	}
	for _, r := range groups {
		if err := s.loadMembership(r); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *Store) loadMembership(r *GroupRecord) error {
	rows, err := s.db.Query(
		"SELECT member_set, uid FROM group_member WHERE group_id = ? ORDER BY uid", r.ID,
	)
	if err != nil {
		return fmt.Errorf("store: load members: %w", err)
	}
	for rows.Next() {
		var (
			set MemberSet
			uid string
		)
		if err := rows.Scan(&set, &uid); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan member: %w", err)
		}
		switch set {
		case SetMembers:
			r.Members = append(r.Members, uid)
		case SetInvited:
			r.Invited = append(r.Invited, uid)
		case SetLinkJoin:
			r.LinkJoin = append(r.LinkJoin, uid)
		case SetBanned:
			r.Banned = append(r.Banned, uid)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("store: iterate members: %w", err)
	}

	prows, err := s.db.Query(
		"SELECT permission, uid FROM group_permission WHERE group_id = ? ORDER BY permission, uid", r.ID,
	)
	if err != nil {
		return fmt.Errorf("store: load permissions: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var (
			perm fence.PermissionType
			uid  string
		)
		if err := prows.Scan(&perm, &uid); err != nil {
			return fmt.Errorf("store: scan permission: %w", err)
		}
		if r.Permissions == nil {
			r.Permissions = make(map[fence.PermissionType][]string)
		}
		r.Permissions[perm] = append(r.Permissions[perm], uid)
	}
	return prows.Err()
}

// CreateGroup inserts a new group. A local id is generated when r.ID is
// empty. The canonical name is required: it is the only join key until the
// server assigns an id.
func (s *Store) CreateGroup(r *GroupRecord) error {
	if r.CName == "" {
		return fmt.Errorf("store: create group: canonical name required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Normalize()
	avatar, err := marshalAvatar(r.Avatar)
	if err != nil {
		return fmt.Errorf("store: marshal avatar: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO groups ("+groupColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.FID, r.CName, r.Title, r.Description, avatar, r.MaxMembers, r.DeliveryMode,
		r.PrivacyMode, r.JoinMode, r.ExpiryTimer, r.Owner, r.Mode, r.Active, r.EID,
	)
	if err != nil {
		return fmt.Errorf("store: insert group: %w", err)
	}
	if err := writeMembership(tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// SaveGroup overwrites every field of an existing group, including a full
// reset of its member sets and permissions. r is normalized in place.
func (s *Store) SaveGroup(r *GroupRecord) error {
	r.Normalize()
	avatar, err := marshalAvatar(r.Avatar)
	if err != nil {
		return fmt.Errorf("store: marshal avatar: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE groups SET fid = ?, cname = ?, title = ?, description = ?, avatar = ?,
		 max_members = ?, delivery_mode = ?, privacy_mode = ?, join_mode = ?, expiry_timer = ?,
		 owner = ?, mode = ?, active = ?, eid = ? WHERE id = ?`,
		r.FID, r.CName, r.Title, r.Description, avatar, r.MaxMembers, r.DeliveryMode,
		r.PrivacyMode, r.JoinMode, r.ExpiryTimer, r.Owner, r.Mode, r.Active, r.EID, r.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update group %s: %w", r.ID, sql.ErrNoRows)
	}
	if _, err := tx.Exec("DELETE FROM group_member WHERE group_id = ?", r.ID); err != nil {
		return fmt.Errorf("store: clear members: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM group_permission WHERE group_id = ?", r.ID); err != nil {
		return fmt.Errorf("store: clear permissions: %w", err)
	}
	if err := writeMembership(tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func writeMembership(tx *sql.Tx, r *GroupRecord) error {
	stmt, err := tx.Prepare("INSERT INTO group_member (group_id, member_set, uid) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()
	for _, set := range []MemberSet{SetMembers, SetInvited, SetLinkJoin, SetBanned} {
		for _, uid := range r.Set(set) {
			if _, err := stmt.Exec(r.ID, set, uid); err != nil {
				return fmt.Errorf("store: insert %s %q: %w", set, uid, err)
			}
		}
	}

	pstmt, err := tx.Prepare("INSERT INTO group_permission (group_id, permission, uid) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer pstmt.Close()
	for _, perm := range slices.Sorted(maps.Keys(r.Permissions)) {
		for _, uid := range r.Permissions[perm] {
			if _, err := pstmt.Exec(r.ID, perm, uid); err != nil {
				return fmt.Errorf("store: insert permission %d %q: %w", perm, uid, err)
			}
		}
	}
	return nil
}

// BindFID permanently associates a server id with a group. Any other record
// still claiming the same id loses it; the server's latest binding wins.
func (s *Store) BindFID(id string, fid uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE groups SET fid = NULL WHERE fid = ? AND id <> ?", int64(fid), id)
	if err != nil {
		return fmt.Errorf("store: release fid: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warnf("fid %d was bound to another group, rebinding to %s", fid, id)
	}
	if _, err := tx.Exec("UPDATE groups SET fid = ? WHERE id = ?", int64(fid), id); err != nil {
		return fmt.Errorf("store: bind fid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) setColumn(id, column string, value any) error {
	if _, err := s.db.Exec("UPDATE groups SET "+column+" = ? WHERE id = ?", value, id); err != nil {
		return fmt.Errorf("store: set %s: %w", column, err)
	}
	return nil
}

// SetTitle updates a group's display name.
func (s *Store) SetTitle(id, title string) error { return s.setColumn(id, "title", title) }

// SetCName rewrites a group's canonical name.
func (s *Store) SetCName(id, cname string) error { return s.setColumn(id, "cname", cname) }

// SetDescription updates a group's description.
func (s *Store) SetDescription(id, description string) error {
	return s.setColumn(id, "description", description)
}

// SetAvatar updates a group's avatar reference; nil clears it.
func (s *Store) SetAvatar(id string, avatar *fence.AttachmentPointer) error {
	b, err := marshalAvatar(avatar)
	if err != nil {
		return fmt.Errorf("store: marshal avatar: %w", err)
	}
	return s.setColumn(id, "avatar", b)
}

// SetExpiryTimer updates the disappearing-messages timer in seconds.
func (s *Store) SetExpiryTimer(id string, seconds uint64) error {
	return s.setColumn(id, "expiry_timer", seconds)
}

// SetMaxMembers updates the member cap.
func (s *Store) SetMaxMembers(id string, n uint32) error { return s.setColumn(id, "max_members", n) }

// SetDeliveryMode updates who may post into the group.
func (s *Store) SetDeliveryMode(id string, m fence.DeliveryMode) error {
	return s.setColumn(id, "delivery_mode", m)
}

// SetMode updates the local lifecycle mode.
func (s *Store) SetMode(id string, m GroupMode) error { return s.setColumn(id, "mode", m) }

// SetActive marks a group thread active or inactive.
func (s *Store) SetActive(id string, active bool) error { return s.setColumn(id, "active", active) }

// SetEID records the latest server event id applied to the group.
func (s *Store) SetEID(id string, eid uint64) error { return s.setColumn(id, "eid", eid) }

// UpdateMembers applies an incremental membership change to one set.
func (s *Store) UpdateMembers(id string, set MemberSet, users []string, op MembershipOp) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var query string
	switch op {
	case MembersAdd:
		query = `INSERT INTO group_member (group_id, member_set, uid) VALUES (?, ?, ?)
			ON CONFLICT (group_id, uid) DO UPDATE SET member_set = excluded.member_set`
	case MembersRemove:
		query = "DELETE FROM group_member WHERE group_id = ? AND member_set = ? AND uid = ?"
	default:
		return fmt.Errorf("store: unknown membership op %d", op)
	}
	for _, uid := range users {
		if uid == "" {
			continue
		}
		if _, err := tx.Exec(query, id, set, uid); err != nil {
			return fmt.Errorf("store: update %s %q: %w", set, uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// SetPermission grants or revokes one permission for one user.
func (s *Store) SetPermission(id string, perm fence.PermissionType, uid string, granted bool) error {
	var err error
	if granted {
		_, err = s.db.Exec(
			"INSERT OR IGNORE INTO group_permission (group_id, permission, uid) VALUES (?, ?, ?)",
			id, perm, uid,
		)
	} else {
		_, err = s.db.Exec(
			"DELETE FROM group_permission WHERE group_id = ? AND permission = ? AND uid = ?",
			id, perm, uid,
		)
	}
	if err != nil {
		return fmt.Errorf("store: set permission: %w", err)
	}
	return nil
}

// DeleteGroup removes a group with its member sets and permissions.
func (s *Store) DeleteGroup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		"DELETE FROM group_member WHERE group_id = ?",
		"DELETE FROM group_permission WHERE group_id = ?",
		"DELETE FROM groups WHERE id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("store: delete group: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
