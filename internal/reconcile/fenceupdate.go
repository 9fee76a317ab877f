package reconcile

import (
	"slices"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// selfHeal asks applyJoinedOrSynced to keep the current mode unless it is
// not a joined mode.
const selfHeal store.GroupMode = -1

// applyJoinedOrSynced makes the local record match the payload in full: it
// activates the record, binds the server id, resets every member set and
// applies all server scalars. A record is created when none exists and the
// payload names a canonical name. Nothing is written when the projected
// record equals the stored one.
func (r *Reconciler) applyJoinedOrSynced(ev *event, mode, createMode store.GroupMode) (bool, error) {
	g := ev.group
	if ev.rec == nil {
		if g.CName == "" {
			return false, nil
		}
		rec := &store.GroupRecord{CName: g.CName, Active: true, Mode: createMode}
		if mode != selfHeal {
			rec.Mode = mode
		}
		r.project(rec, g)
		if err := r.cfg.Groups.CreateGroup(rec); err != nil {
			return false, err
		}
		r.log.Infof("Created group %s fid=%s cname=%q mode=%d", rec.ID, rec.FID, rec.CName, rec.Mode)
		ev.rec, ev.mutated = rec, true
		return true, nil
	}

	rec := ev.rec
	if fid, ok := g.FID.Get(); ok {
		cur, bound := rec.FID.Get()
		if !bound || cur != fid {
			if bound {
				r.log.Warnf("Group %s fid changed %d -> %d, server wins", rec.ID, cur, fid)
			}
			if err := r.cfg.Groups.BindFID(rec.ID, fid); err != nil {
				return false, err
			}
			rec.FID = fence.SomeFID(fid)
			ev.mutated = true
		}
	}

	proj := rec.Clone()
	proj.Active = true
	r.project(proj, g)
	switch {
	case mode != selfHeal:
		proj.Mode = mode
	case !proj.Mode.Joined():
		r.log.Warnf("Group %s in non-joined mode %d on sync, resetting to joined", rec.ID, proj.Mode)
		proj.Mode = store.ModeJoinAccepted
	}
	proj.Normalize()
	if proj.Equal(rec) {
		return true, nil
	}
	if err := r.cfg.Groups.SaveGroup(proj); err != nil {
		return false, err
	}
	ev.rec, ev.mutated = proj, true
	return true, nil
}

// project overlays the payload onto rec. Member sets and permissions are an
// authoritative snapshot; scalar fields are only applied when present.
func (r *Reconciler) project(rec *store.GroupRecord, g *fence.GroupPayload) {
	if g.FID.Valid() {
		rec.FID = g.FID
	}
	if g.CName != "" && g.CName != rec.CName {
		r.log.Warnf("Group %s cname mismatch: local %q, server %q; using server", rec.ID, rec.CName, g.CName)
		rec.CName = g.CName
	}
	if g.Title != "" {
		rec.Title = g.Title
	}
	if g.Description != nil {
		rec.Description = *g.Description
	}
	if g.Avatar != nil {
		a := *g.Avatar
		a.Key = slices.Clone(a.Key)
		a.Digest = slices.Clone(a.Digest)
		rec.Avatar = &a
	}
	if g.MaxMembers != nil {
		rec.MaxMembers = *g.MaxMembers
	}
	if g.DeliveryMode != nil {
		rec.DeliveryMode = *g.DeliveryMode
	}
	if g.PrivacyMode != nil {
		rec.PrivacyMode = *g.PrivacyMode
	}
	if g.JoinMode != nil {
		rec.JoinMode = *g.JoinMode
	}
	if g.ExpiryTimer != nil {
		rec.ExpiryTimer = *g.ExpiryTimer
	}
	if g.Owner != nil {
		rec.Owner = g.Owner.UID
	}

	rec.Members = slices.Clone(g.Members)
	rec.Invited = slices.Clone(g.Invited)
	rec.LinkJoin = slices.Clone(g.LinkJoin)
	rec.Banned = slices.Clone(g.Banned)

	rec.Permissions = nil
	for _, p := range g.Permissions {
		if rec.Permissions == nil {
			rec.Permissions = make(map[fence.PermissionType][]string)
		}
		rec.Permissions[p.Type] = append(rec.Permissions[p.Type], p.Users...)
	}
	rec.Normalize()
}
