package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/slog"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/history"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// CommandSender delivers an encoded fence command to the server.
type CommandSender interface {
	SendCommand(ctx context.Context, raw []byte) error
}

// Requests builds outbound fence commands. Each group request leaves a
// placeholder in history keyed by its client timestamp, which the server
// echoes back as when_client so the reconciler can remove it.
//
// Requests also implements ServerCommands.
type Requests struct {
	hist   History
	sender CommandSender
	self   fence.User
	log    slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewRequests returns a request builder acting as self.
func NewRequests(hist History, sender CommandSender, self fence.User, log slog.Logger) *Requests {
	if log == nil {
		log = slog.Disabled
	}
	return &Requests{hist: hist, sender: sender, self: self, log: log, now: time.Now}
}

// ref returns the minimal payload naming rec on the server.
func ref(rec *store.GroupRecord) *fence.GroupPayload {
	return &fence.GroupPayload{FID: rec.FID, CName: rec.CName}
}

// send stamps, records and transmits one command. It returns the client
// timestamp the server will echo.
func (q *Requests) send(ctx context.Context, groupID string, c fence.Command, g *fence.GroupPayload, body string) (uint64, error) {
	ts := uint64(q.now().UnixMilli())
	c.When = ts
	self := q.self
	c.Originator = &self

	if groupID != "" {
		_, err := q.hist.StoreRequest(ts, history.Entry{
			GroupID: groupID,
			Command: c.Type,
			Arg:     c.Arg,
			Body:    body,
		})
		if err != nil {
			return 0, fmt.Errorf("reconcile: store request: %w", err)
		}
	}

	if err := q.sender.SendCommand(ctx, fence.EncodeCommand(c, g)); err != nil {
		if groupID != "" {
			if _, perr := q.hist.PurgeEcho(groupID, ts); perr != nil {
				q.log.Warnf("Unable to drop placeholder %d: %v", ts, perr)
			}
		}
		return 0, fmt.Errorf("reconcile: send %s/%s: %w", c.Type, c.Arg, err)
	}
	q.log.Debugf("Sent %s/%s for %q at %d", c.Type, c.Arg, g.CName, ts)
	return ts, nil
}

// Rename asks the server to change the group's display name.
func (q *Requests) Rename(ctx context.Context, rec *store.GroupRecord, title string) (uint64, error) {
	g := ref(rec)
	g.Title = title
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandRename, Arg: fence.ArgUpdated}, g,
		fmt.Sprintf("Renaming group to %q", title))
}

// SetDescription asks the server to change the group description.
func (q *Requests) SetDescription(ctx context.Context, rec *store.GroupRecord, description string) (uint64, error) {
	g := ref(rec)
	g.Description = &description
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandDescription, Arg: fence.ArgUpdated}, g,
		"Updating group description")
}

// Invite asks the server to invite uids.
func (q *Requests) Invite(ctx context.Context, rec *store.GroupRecord, uids []string) (uint64, error) {
	if len(uids) == 0 {
		return 0, fmt.Errorf("reconcile: invite: no users")
	}
	g := ref(rec)
	g.Invited = uids
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandInvite, Arg: fence.ArgAdded}, g,
		fmt.Sprintf("Inviting %v", uids))
}

// Leave asks the server to remove the local user from the group. With
// cleanup, the local record and its history are purged once the server
// confirms.
func (q *Requests) Leave(ctx context.Context, groups GroupStore, rec *store.GroupRecord, cleanup bool) (uint64, error) {
	mode := store.ModeLeaveNotConfirmed
	if cleanup {
		mode = store.ModeLeaveNotConfirmedCleanup
	}
	prev := rec.Mode
	if err := groups.SetMode(rec.ID, mode); err != nil {
		return 0, err
	}
	ts, err := q.send(ctx, rec.ID, fence.Command{Type: fence.CommandLeave}, ref(rec), "Leaving group")
	if err != nil {
		if rerr := groups.SetMode(rec.ID, prev); rerr != nil {
			q.log.Warnf("Unable to restore mode of %s: %v", rec.ID, rerr)
		}
		return 0, err
	}
	return ts, nil
}

// SetExpiryTimer asks the server to change the disappearing-message timer.
func (q *Requests) SetExpiryTimer(ctx context.Context, rec *store.GroupRecord, seconds uint64) (uint64, error) {
	g := ref(rec)
	g.ExpiryTimer = &seconds
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandExpiryTimer, Arg: fence.ArgUpdated}, g,
		fmt.Sprintf("Setting disappearing messages to %ds", seconds))
}

// SetMaxMembers asks the server to change the member limit.
func (q *Requests) SetMaxMembers(ctx context.Context, rec *store.GroupRecord, n uint32) (uint64, error) {
	g := ref(rec)
	g.MaxMembers = &n
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandMaxMembers, Arg: fence.ArgUpdated}, g,
		fmt.Sprintf("Setting member limit to %d", n))
}

// SetDeliveryMode asks the server to change the delivery mode.
func (q *Requests) SetDeliveryMode(ctx context.Context, rec *store.GroupRecord, m fence.DeliveryMode) (uint64, error) {
	g := ref(rec)
	g.DeliveryMode = &m
	return q.send(ctx, rec.ID, fence.Command{Type: fence.CommandDeliveryMode, Arg: fence.ArgUpdated}, g,
		fmt.Sprintf("Setting delivery mode to %d", m))
}

// RequestStateSync asks the server for a full STATE/SYNCED of fid.
func (q *Requests) RequestStateSync(ctx context.Context, fid uint64) error {
	g := &fence.GroupPayload{FID: fence.SomeFID(fid)}
	_, err := q.send(ctx, "", fence.Command{Type: fence.CommandState, Arg: fence.ArgResync}, g, "")
	return err
}

// RequestKeyResync asks the server to redistribute the group key of fid.
func (q *Requests) RequestKeyResync(ctx context.Context, fid uint64) error {
	g := &fence.GroupPayload{FID: fence.SomeFID(fid)}
	_, err := q.send(ctx, "", fence.Command{Type: fence.CommandJoin, Arg: fence.ArgResync}, g, "")
	return err
}
