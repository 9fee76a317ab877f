package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// transitions builds the dispatch table. Pairs not listed here are no-ops.
func (r *Reconciler) transitions() map[key]transition {
	t := make(map[key]transition)
	on := func(c fence.CommandType, fn transition, args ...fence.Arg) {
		for _, a := range args {
			t[key{c, a}] = fn
		}
	}

	on(fence.CommandJoin, r.joinInvited, fence.ArgInvited, fence.ArgInvitedGeo)
	on(fence.CommandJoin, r.joinAccepted, fence.ArgAccepted, fence.ArgAcceptedInvite,
		fence.ArgCreated, fence.ArgUnchanged, fence.ArgGeoBased)
	on(fence.CommandJoin, r.joinSynced, fence.ArgSynced)
	on(fence.CommandJoin, r.joinRejected, fence.ArgRejected)

	on(fence.CommandLeave, r.leaveAccepted, fence.ArgAccepted)
	on(fence.CommandLeave, r.leaveGeoBased, fence.ArgGeoBased)
	on(fence.CommandLeave, r.leaveUninvited, fence.ArgUninvited)
	on(fence.CommandLeave, r.leaveRejected, fence.ArgRejected)
	on(fence.CommandLeave, r.leaveSynced, fence.ArgSynced)

	on(fence.CommandState, r.stateSynced, fence.ArgSynced)
	on(fence.CommandState, r.stateResync, fence.ArgResync)

	on(fence.CommandRename, r.renameUpdated, fence.ArgUpdated, fence.ArgAccepted)
	on(fence.CommandRename, r.renameRejected, fence.ArgRejected)
	on(fence.CommandDescription, r.descriptionUpdated, fence.ArgUpdated, fence.ArgAccepted)
	on(fence.CommandDescription, r.descriptionRejected, fence.ArgRejected)
	on(fence.CommandAvatar, r.avatarUpdated, fence.ArgUpdated, fence.ArgAccepted)
	on(fence.CommandAvatar, r.avatarRejected, fence.ArgRejected)

	on(fence.CommandInvite, r.inviteAdded, fence.ArgAdded, fence.ArgUnchanged)
	on(fence.CommandInvite, r.inviteDeleted, fence.ArgDeleted)
	on(fence.CommandInvite, r.inviteAcknowledged, fence.ArgAccepted, fence.ArgAcceptedPartial,
		fence.ArgInvitedGeo, fence.ArgRejected)
	on(fence.CommandInviteRejected, r.inviteRejectedSelf, fence.ArgAccepted)
	on(fence.CommandInviteRejected, r.inviteRejectedSynced, fence.ArgSynced)
	on(fence.CommandInviteDeleted, r.inviteDeletedAccepted, fence.ArgAccepted)
	on(fence.CommandInviteDeleted, r.inviteDeletedSynced, fence.ArgSynced)

	on(fence.CommandExpiryTimer, r.expiryTimer, fence.ArgUpdated, fence.ArgAccepted, fence.ArgRejected)

	on(fence.CommandPermission, r.permissionChanged, fence.ArgAdded, fence.ArgDeleted)
	on(fence.CommandPermission, r.permissionAccepted, fence.ArgAccepted)
	on(fence.CommandPermission, r.permissionRejected, fence.ArgRejected)

	on(fence.CommandMaxMembers, r.maxMembersUpdated, fence.ArgUpdated, fence.ArgAccepted)
	on(fence.CommandMaxMembers, r.maxMembersRejected, fence.ArgRejected)
	on(fence.CommandDeliveryMode, r.deliveryModeUpdated, fence.ArgUpdated, fence.ArgAccepted)
	on(fence.CommandDeliveryMode, r.deliveryModeRejected, fence.ArgRejected)

	on(fence.CommandLinkJoin, r.linkJoinAdded, fence.ArgAdded)
	on(fence.CommandLinkJoin, r.linkJoinAccepted, fence.ArgAccepted)
	on(fence.CommandLinkJoin, r.linkJoinRejected, fence.ArgRejected)
	return t
}

// Small mutators that keep ev.rec in step with the store.

func (r *Reconciler) setMode(ev *event, m store.GroupMode) error {
	if ev.rec.Mode == m {
		return nil
	}
	if err := r.cfg.Groups.SetMode(ev.rec.ID, m); err != nil {
		return err
	}
	ev.rec.Mode, ev.mutated = m, true
	return nil
}

func (r *Reconciler) setActive(ev *event, active bool) error {
	if ev.rec.Active == active {
		return nil
	}
	if err := r.cfg.Groups.SetActive(ev.rec.ID, active); err != nil {
		return err
	}
	ev.rec.Active, ev.mutated = active, true
	return nil
}

func (r *Reconciler) updateMembers(ev *event, set store.MemberSet, users []string, op store.MembershipOp) error {
	if len(users) == 0 {
		return nil
	}
	if err := r.cfg.Groups.UpdateMembers(ev.rec.ID, set, users, op); err != nil {
		return err
	}
	ev.mutated = true
	return nil
}

// targets returns the users a membership command is about: the listed users
// when present, else the originator, else the local user.
func (r *Reconciler) targets(ev *event, listed []string) []string {
	if len(listed) > 0 {
		return listed
	}
	if o := ev.cmd.Originator; o != nil && o.UID != "" {
		return []string{o.UID}
	}
	return []string{r.cfg.Self}
}

func joinMode(arg fence.Arg) store.GroupMode {
	switch arg {
	case fence.ArgAcceptedInvite:
		return store.ModeInvitationJoinAccepted
	case fence.ArgGeoBased:
		return store.ModeGeoBasedJoin
	}
	return store.ModeJoinAccepted
}

// JOIN

func (r *Reconciler) joinInvited(_ context.Context, ev *event) (Outcome, error) {
	mode := store.ModeInvitation
	if ev.cmd.Arg == fence.ArgInvitedGeo {
		mode = store.ModeGeoBasedInvite
	}
	if ev.group.CName == "" {
		return r.unknownGroup(ev)
	}

	id := ""
	if ev.rec != nil {
		if ev.rec.Active && !ev.rec.Mode.Invitation() {
			return r.failed(ev, "invitation for group %s we already hold in mode %d", ev.rec.ID, ev.rec.Mode)
		}
		// Stale or repeated invitation: start the thread over.
		id = ev.rec.ID
		if err := r.purgeGroup(ev); err != nil {
			return Outcome{}, err
		}
	}

	rec := &store.GroupRecord{ID: id, CName: ev.group.CName, Mode: mode, Active: true}
	r.project(rec, ev.group)
	if err := r.cfg.Groups.CreateGroup(rec); err != nil {
		return Outcome{}, err
	}
	ev.rec, ev.mutated, ev.deleted = rec, true, false

	inviter := "someone"
	if o := ev.cmd.Originator; o != nil && o.UID != "" {
		inviter = o.UID
	}
	return r.store(ev, fmt.Sprintf("%s invited you to %q", inviter, rec.Title))
}

func (r *Reconciler) joinAccepted(_ context.Context, ev *event) (Outcome, error) {
	mode := joinMode(ev.cmd.Arg)
	ok, err := r.applyJoinedOrSynced(ev, mode, mode)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return r.unknownGroup(ev)
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("You joined %q", ev.rec.Title))
}

func (r *Reconciler) joinSynced(_ context.Context, ev *event) (Outcome, error) {
	ok, err := r.applyJoinedOrSynced(ev, selfHeal, store.ModeJoinSynced)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return r.unknownGroup(ev)
	}
	return r.store(ev, fmt.Sprintf("Joined %q on another device", ev.rec.Title))
}

func (r *Reconciler) joinRejected(ctx context.Context, ev *event) (Outcome, error) {
	switch ev.cmd.ArgError {
	case fence.ErrorGroupDoesNotExist:
		if err := r.purgeGroup(ev); err != nil {
			return Outcome{}, err
		}
		return r.failed(ev, "group fid=%s does not exist on server", ev.group.FID)

	case fence.ErrorInviteOnly:
		r.log.Debugf("Join rejected for fid=%s: invite only", ev.group.FID)
		return Outcome{Kind: Failed}, nil

	case fence.ErrorWrongKey:
		fid, ok := r.fid(ev)
		if ok && r.cfg.Server != nil {
			if err := r.cfg.Server.RequestKeyResync(ctx, fid); err != nil {
				r.log.Errorf("Key resync for fid %d: %v", fid, err)
			}
		}
		return r.failed(ev, "wrong key for fid=%s, key resync requested", ev.group.FID)

	case fence.ErrorPermissions:
		if ev.rec == nil {
			return r.unknownGroup(ev)
		}
		if err := r.alignPermissions(ev); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: Failed}, nil
	}
	return r.failed(ev, "rejected with %s", ev.cmd.ArgError)
}

// LEAVE

func (r *Reconciler) leaveSelf(ev *event, mode store.GroupMode, body string) (Outcome, error) {
	return r.departSelf(ev, mode, body, ev.rec.Mode == store.ModeLeaveNotConfirmedCleanup)
}

// departSelf deactivates the group for the local user. With cleanup the
// record and its history are removed instead of storing body.
func (r *Reconciler) departSelf(ev *event, mode store.GroupMode, body string, cleanup bool) (Outcome, error) {
	if err := r.updateMembers(ev, store.SetMembers, []string{r.cfg.Self}, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	if err := r.setMode(ev, mode); err != nil {
		return Outcome{}, err
	}
	if err := r.setActive(ev, false); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	if cleanup {
		id := ev.rec.ID
		if err := r.purgeGroup(ev); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: Updated, GroupID: id}, nil
	}
	return r.store(ev, body)
}

func (r *Reconciler) memberLeft(ev *event, uid string) (Outcome, error) {
	if err := r.updateMembers(ev, store.SetMembers, []string{uid}, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("%s left the group", uid))
}

func (r *Reconciler) leaveAccepted(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if !r.isSelf(ev.cmd.Originator) {
		return r.memberLeft(ev, ev.cmd.Originator.UID)
	}
	return r.leaveSelf(ev, store.ModeLeaveAccepted, "You left the group")
}

func (r *Reconciler) leaveGeoBased(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if !r.isSelf(ev.cmd.Originator) {
		return r.memberLeft(ev, ev.cmd.Originator.UID)
	}
	return r.leaveSelf(ev, store.ModeLeaveGeoBased, "You left the group's area")
}

func (r *Reconciler) leaveUninvited(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	users := r.targets(ev, ev.group.Invited)
	if slices.Contains(users, r.cfg.Self) {
		if err := r.purgeGroup(ev); err != nil {
			return Outcome{}, err
		}
		r.log.Infof("Invitation to %q withdrawn", ev.group.CName)
		return Outcome{Kind: Failed}, nil
	}
	if err := r.updateMembers(ev, store.SetInvited, users, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Invitation withdrawn for %v", users))
}

func (r *Reconciler) leaveRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if ev.cmd.ArgError == fence.ErrorNotMember {
		r.log.Infof("Not a member of %q any more, removing", ev.rec.CName)
		return r.departSelf(ev, store.ModeLeaveAccepted, "", true)
	}
	if err := r.setMode(ev, store.ModeLeaveRejected); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, "Leave request rejected")
}

func (r *Reconciler) leaveSynced(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if r.isSelf(ev.cmd.Originator) {
		return r.leaveSelf(ev, store.ModeLeaveAccepted, "You left the group on another device")
	}
	return r.memberLeft(ev, ev.cmd.Originator.UID)
}

// STATE

func (r *Reconciler) stateSynced(_ context.Context, ev *event) (Outcome, error) {
	ok, err := r.applyJoinedOrSynced(ev, selfHeal, store.ModeJoinSynced)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return r.unknownGroup(ev)
	}
	return Outcome{Kind: Updated, GroupID: ev.rec.ID}, nil
}

func (r *Reconciler) stateResync(ctx context.Context, ev *event) (Outcome, error) {
	fid, ok := r.fid(ev)
	if !ok {
		return r.unknownGroup(ev)
	}
	if r.cfg.Server != nil {
		if err := r.cfg.Server.RequestStateSync(ctx, fid); err != nil {
			r.log.Errorf("State sync for fid %d: %v", fid, err)
		}
	}
	return Outcome{Kind: Updated}, nil
}

// RENAME, DESCRIPTION, AVATAR

func (r *Reconciler) renameUpdated(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	title := ev.group.Title
	if title != ev.rec.Title {
		if err := r.cfg.Groups.SetTitle(ev.rec.ID, title); err != nil {
			return Outcome{}, err
		}
		ev.rec.Title, ev.mutated = title, true
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Group renamed to %q", title))
}

func (r *Reconciler) renameRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	g := ev.group
	if g.Title != "" && g.Title != ev.rec.Title {
		if err := r.cfg.Groups.SetTitle(ev.rec.ID, g.Title); err != nil {
			return Outcome{}, err
		}
		ev.rec.Title, ev.mutated = g.Title, true
	}
	if g.CName != "" && g.CName != ev.rec.CName {
		r.log.Warnf("Group %s cname mismatch: local %q, server %q; using server", ev.rec.ID, ev.rec.CName, g.CName)
		if err := r.cfg.Groups.SetCName(ev.rec.ID, g.CName); err != nil {
			return Outcome{}, err
		}
		ev.rec.CName, ev.mutated = g.CName, true
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Rename rejected, group name is %q", ev.rec.Title))
}

func payloadDescription(g *fence.GroupPayload) string {
	if g.Description == nil {
		return ""
	}
	return *g.Description
}

func (r *Reconciler) setDescription(ev *event, d string) error {
	if d == ev.rec.Description {
		return nil
	}
	if err := r.cfg.Groups.SetDescription(ev.rec.ID, d); err != nil {
		return err
	}
	ev.rec.Description, ev.mutated = d, true
	return nil
}

func (r *Reconciler) descriptionUpdated(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if err := r.setDescription(ev, payloadDescription(ev.group)); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, "Group description updated")
}

func (r *Reconciler) descriptionRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if err := r.setDescription(ev, payloadDescription(ev.group)); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, "Description change rejected")
}

func (r *Reconciler) setAvatar(ev *event, a *fence.AttachmentPointer) error {
	if err := r.cfg.Groups.SetAvatar(ev.rec.ID, a); err != nil {
		return err
	}
	ev.rec.Avatar, ev.mutated = a, true
	return nil
}

func (r *Reconciler) avatarUpdated(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if ev.group.Avatar == nil {
		return r.failed(ev, "no avatar in payload for group %s", ev.rec.ID)
	}
	if err := r.setAvatar(ev, ev.group.Avatar); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, "Group avatar updated")
}

func (r *Reconciler) avatarRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if ev.group.Avatar != nil {
		if err := r.setAvatar(ev, ev.group.Avatar); err != nil {
			return Outcome{}, err
		}
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, "Avatar change rejected")
}

// INVITE

func (r *Reconciler) inviteAdded(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	// Full members and banned users stay where they are.
	var users []string
	for _, uid := range ev.group.Invited {
		if !slices.Contains(ev.rec.Members, uid) && !slices.Contains(ev.rec.Banned, uid) {
			users = append(users, uid)
		}
	}
	if err := r.updateMembers(ev, store.SetInvited, users, store.MembersAdd); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Invited %v", users))
}

func (r *Reconciler) inviteDeleted(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if err := r.updateMembers(ev, store.SetInvited, ev.group.Invited, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Invitation removed for %v", ev.group.Invited))
}

func (r *Reconciler) inviteAcknowledged(_ context.Context, ev *event) (Outcome, error) {
	r.log.Debugf("Invite %s acknowledged for fid=%s", ev.cmd.Arg, ev.group.FID)
	return Outcome{Kind: Failed}, nil
}

// invitationEnded removes users from the invited set. When the local user
// is among them the thread is closed.
func (r *Reconciler) invitationEnded(ev *event, users []string, body string) (Outcome, error) {
	if err := r.updateMembers(ev, store.SetInvited, users, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	if slices.Contains(users, r.cfg.Self) {
		if err := r.setMode(ev, store.ModeInvitationRejected); err != nil {
			return Outcome{}, err
		}
		if err := r.setActive(ev, false); err != nil {
			return Outcome{}, err
		}
	}
	return r.store(ev, body)
}

func (r *Reconciler) inviteRejectedSelf(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.invitationEnded(ev, []string{r.cfg.Self}, "You declined the invitation")
}

func (r *Reconciler) inviteRejectedSynced(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	users := r.targets(ev, ev.group.Invited)
	return r.invitationEnded(ev, users, fmt.Sprintf("%v declined the invitation", users))
}

func (r *Reconciler) inviteDeletedAccepted(ctx context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.inviteDeletedSynced(ctx, ev)
}

func (r *Reconciler) inviteDeletedSynced(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	users := r.targets(ev, ev.group.Invited)
	return r.invitationEnded(ev, users, fmt.Sprintf("Invitation withdrawn for %v", users))
}

// EXPIRY_TIMER, MAX_MEMBERS, DELIVERY_MODE

func (r *Reconciler) expiryTimer(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if ev.group.ExpiryTimer == nil {
		return r.failed(ev, "no expiry timer in payload")
	}
	if v := *ev.group.ExpiryTimer; v != ev.rec.ExpiryTimer {
		if err := r.cfg.Groups.SetExpiryTimer(ev.rec.ID, v); err != nil {
			return Outcome{}, err
		}
		ev.rec.ExpiryTimer, ev.mutated = v, true
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Disappearing messages set to %ds", ev.rec.ExpiryTimer))
}

func (r *Reconciler) applyMaxMembers(ev *event) (bool, error) {
	if ev.group.MaxMembers == nil {
		return false, nil
	}
	if v := *ev.group.MaxMembers; v != ev.rec.MaxMembers {
		if err := r.cfg.Groups.SetMaxMembers(ev.rec.ID, v); err != nil {
			return false, err
		}
		ev.rec.MaxMembers, ev.mutated = v, true
	}
	return true, nil
}

func (r *Reconciler) maxMembersUpdated(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	ok, err := r.applyMaxMembers(ev)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return r.failed(ev, "no max members in payload")
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Member limit set to %d", ev.rec.MaxMembers))
}

func (r *Reconciler) maxMembersRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if _, err := r.applyMaxMembers(ev); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Failed}, nil
}

func (r *Reconciler) applyDeliveryMode(ev *event) (bool, error) {
	if ev.group.DeliveryMode == nil {
		return false, nil
	}
	if v := *ev.group.DeliveryMode; v != ev.rec.DeliveryMode {
		if err := r.cfg.Groups.SetDeliveryMode(ev.rec.ID, v); err != nil {
			return false, err
		}
		ev.rec.DeliveryMode, ev.mutated = v, true
	}
	return true, nil
}

func (r *Reconciler) deliveryModeUpdated(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	ok, err := r.applyDeliveryMode(ev)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return r.failed(ev, "no delivery mode in payload")
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Delivery mode set to %d", ev.rec.DeliveryMode))
}

func (r *Reconciler) deliveryModeRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if _, err := r.applyDeliveryMode(ev); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Failed}, nil
}

// PERMISSION

func (r *Reconciler) setPermissions(ev *event, granted bool) error {
	for _, p := range ev.group.Permissions {
		for _, uid := range p.Users {
			if err := r.cfg.Groups.SetPermission(ev.rec.ID, p.Type, uid, granted); err != nil {
				return err
			}
			ev.mutated = true
		}
	}
	return nil
}

func (r *Reconciler) permissionChanged(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if len(ev.group.Permissions) == 0 {
		return r.failed(ev, "no permission in payload")
	}
	granted := ev.cmd.Arg == fence.ArgAdded
	if err := r.setPermissions(ev, granted); err != nil {
		return Outcome{}, err
	}
	verb := "revoked"
	if granted {
		verb = "granted"
	}
	return r.store(ev, fmt.Sprintf("Permission %s", verb))
}

func (r *Reconciler) permissionAccepted(_ context.Context, ev *event) (Outcome, error) {
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Failed}, nil
}

func (r *Reconciler) permissionRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if ev.cmd.ArgError != fence.ErrorPermissions {
		return r.failed(ev, "rejected with %s", ev.cmd.ArgError)
	}
	if err := r.alignPermissions(ev); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Failed}, nil
}

// alignPermissions brings local permission lists in line with the server
// after it rejected our change as inconsistent with its own view: a rejected
// removal means the server never had the user, a rejected addition means it
// already does.
func (r *Reconciler) alignPermissions(ev *event) error {
	switch ev.cmd.ArgErrorClient {
	case fence.ArgDeleted:
		return r.setPermissions(ev, false)
	case fence.ArgAdded:
		return r.setPermissions(ev, true)
	}
	r.log.Debugf("Permission rejection without client arg for group %s", ev.rec.ID)
	return nil
}

// LINK_JOIN

func (r *Reconciler) linkJoinAdded(_ context.Context, ev *event) (Outcome, error) {
	self := r.isSelf(ev.cmd.Originator)
	if ev.rec == nil {
		if !self || ev.group.CName == "" {
			return r.unknownGroup(ev)
		}
		rec := &store.GroupRecord{CName: ev.group.CName, Mode: store.ModeLinkJoinRequesting, Active: true}
		r.project(rec, ev.group)
		if err := r.cfg.Groups.CreateGroup(rec); err != nil {
			return Outcome{}, err
		}
		ev.rec, ev.mutated = rec, true
	}
	uid := r.cfg.Self
	if !self {
		uid = ev.cmd.Originator.UID
	}
	if slices.Contains(ev.rec.Banned, uid) {
		return r.failed(ev, "ignoring join request from banned user %s", uid)
	}
	if !slices.Contains(ev.rec.Members, uid) {
		if err := r.updateMembers(ev, store.SetLinkJoin, []string{uid}, store.MembersAdd); err != nil {
			return Outcome{}, err
		}
	}
	if self {
		if err := r.setMode(ev, store.ModeLinkJoinRequesting); err != nil {
			return Outcome{}, err
		}
		if err := r.purgeEcho(ev); err != nil {
			return Outcome{}, err
		}
		return r.store(ev, "Join request sent")
	}
	return r.store(ev, fmt.Sprintf("%s asked to join", uid))
}

func (r *Reconciler) linkJoinAccepted(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if r.isSelf(ev.cmd.Originator) {
		if err := r.updateMembers(ev, store.SetLinkJoin, []string{r.cfg.Self}, store.MembersRemove); err != nil {
			return Outcome{}, err
		}
		if err := r.setMode(ev, store.ModeLinkJoinAccepted); err != nil {
			return Outcome{}, err
		}
		return r.store(ev, "Your join request was approved")
	}
	uid := ev.cmd.Originator.UID
	if err := r.updateMembers(ev, store.SetLinkJoin, []string{uid}, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Approved join request from %s", uid))
}

func (r *Reconciler) linkJoinRejected(_ context.Context, ev *event) (Outcome, error) {
	if ev.rec == nil {
		return r.unknownGroup(ev)
	}
	if r.isSelf(ev.cmd.Originator) {
		if err := r.updateMembers(ev, store.SetLinkJoin, []string{r.cfg.Self}, store.MembersRemove); err != nil {
			return Outcome{}, err
		}
		if err := r.setMode(ev, store.ModeLinkJoinRejected); err != nil {
			return Outcome{}, err
		}
		if err := r.setActive(ev, false); err != nil {
			return Outcome{}, err
		}
		return r.store(ev, "Your join request was declined")
	}
	uid := ev.cmd.Originator.UID
	if err := r.updateMembers(ev, store.SetLinkJoin, []string{uid}, store.MembersRemove); err != nil {
		return Outcome{}, err
	}
	if err := r.purgeEcho(ev); err != nil {
		return Outcome{}, err
	}
	return r.store(ev, fmt.Sprintf("Declined join request from %s", uid))
}
