// Package reconcile converges local group records to the state the ufsrv
// server pushes as fence commands.
//
// Each (command type, argument) pair names one transition. Transitions are
// looked up in a table built once by New; pairs missing from the table are a
// logged no-op so that commands added to the protocol later never fail.
//
// A Reconciler is not safe for concurrent use. Run it from a single worker:
// duplicate and reordered deliveries are absorbed by idempotent upserts, not
// by locking.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/slog"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/history"
	"github.com/unfacd/unfacd-android-sub003/internal/metrics"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// GroupStore persists group records.
type GroupStore interface {
	GroupByFID(fid uint64) (*store.GroupRecord, error)
	GroupByCName(cname string) (*store.GroupRecord, error)
	CreateGroup(r *store.GroupRecord) error
	SaveGroup(r *store.GroupRecord) error
	BindFID(id string, fid uint64) error
	SetTitle(id, title string) error
	SetCName(id, cname string) error
	SetDescription(id, description string) error
	SetAvatar(id string, avatar *fence.AttachmentPointer) error
	SetExpiryTimer(id string, seconds uint64) error
	SetMaxMembers(id string, n uint32) error
	SetDeliveryMode(id string, m fence.DeliveryMode) error
	SetMode(id string, m store.GroupMode) error
	SetActive(id string, active bool) error
	SetEID(id string, eid uint64) error
	UpdateMembers(id string, set store.MemberSet, users []string, op store.MembershipOp) error
	SetPermission(id string, perm fence.PermissionType, uid string, granted bool) error
	DeleteGroup(id string) error
}

// History persists system messages.
type History interface {
	Store(corr history.Correlation, e history.Entry, dir store.Direction) (int64, error)
	StoreRequest(sentAt uint64, e history.Entry) (int64, error)
	PurgeEcho(groupID string, clientTS uint64) (bool, error)
	PurgeGroup(groupID string) error
}

// ServerCommands asks the server to repair state the client cannot repair
// locally.
type ServerCommands interface {
	RequestStateSync(ctx context.Context, fid uint64) error
	RequestKeyResync(ctx context.Context, fid uint64) error
}

// Notifier is told, fire-and-forget, when a group thread changed.
type Notifier interface {
	ThreadUpdated(groupID string)
}

// Kind classifies the result of reconciling one command.
type Kind int

const (
	// NoOp means the (type, argument) pair has no transition.
	NoOp Kind = iota
	// Failed means the transition ran but the command was not applicable.
	Failed
	// Updated means state changed (or was confirmed) without a history entry.
	Updated
	// Stored means a system message was written to history.
	Stored
)

func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Failed:
		return "failed"
	case Updated:
		return "updated"
	case Stored:
		return "stored"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the immutable result of one reconciliation.
type Outcome struct {
	Kind Kind
	// MessageID is the history entry id when Kind is Stored.
	MessageID int64
	// GroupID is the local id of the affected group, if any.
	GroupID string
}

// Correlation returns the history correlation value: the stored message id,
// 0 for an update without history, or -1 for failures and no-ops.
func (o Outcome) Correlation() int64 {
	switch o.Kind {
	case Stored:
		return o.MessageID
	case Updated:
		return 0
	}
	return -1
}

// Config configures a Reconciler.
type Config struct {
	// Self is the local user's uid, used to tell self-targeted commands
	// apart from commands about other members.
	Self     string
	Groups   GroupStore
	History  History
	Server   ServerCommands
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      slog.Logger
}

type key struct {
	cmd fence.CommandType
	arg fence.Arg
}

type transition func(ctx context.Context, ev *event) (Outcome, error)

// Reconciler applies fence commands to the local group store.
type Reconciler struct {
	cfg   Config
	log   slog.Logger
	table map[key]transition
}

// New returns a Reconciler. Groups and History are required.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Groups == nil || cfg.History == nil {
		return nil, errors.New("reconcile: group store and history are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	r := &Reconciler{cfg: cfg, log: cfg.Log}
	r.table = r.transitions()
	return r, nil
}

// event carries one command through its transition.
type event struct {
	env   *fence.Envelope
	cmd   fence.Command
	group *fence.GroupPayload
	rec   *store.GroupRecord
	dir   store.Direction

	// mutated is set once the transition changed the store.
	mutated bool
	// deleted is set once the record was purged.
	deleted bool
}

func (ev *event) correlation() history.Correlation {
	return history.Correlation{
		SentAt:     ev.env.Timestamp,
		ServerAt:   ev.env.ServerTimestamp,
		WhenClient: ev.cmd.WhenClient,
	}
}

// ReconcileInbound applies a command received from the server.
func (r *Reconciler) ReconcileInbound(ctx context.Context, env fence.Envelope) (Outcome, error) {
	return r.reconcile(ctx, &env, store.Inbound)
}

// ReconcileOutboundEcho applies the server's echo of a command this client
// sent. History entries are recorded as outbound.
func (r *Reconciler) ReconcileOutboundEcho(ctx context.Context, env fence.Envelope) (Outcome, error) {
	return r.reconcile(ctx, &env, store.Outbound)
}

// Reconcile decodes raw and applies it as an inbound command. Undecodable
// envelopes are logged and reported as a no-op, never as an error.
func (r *Reconciler) Reconcile(ctx context.Context, raw []byte) (Outcome, error) {
	env, err := fence.Decode(raw)
	if err != nil {
		if errors.Is(err, fence.ErrRejected) {
			r.log.Warnf("Dropping envelope: %v", err)
			r.cfg.Metrics.Rejected()
			return Outcome{Kind: NoOp}, nil
		}
		return Outcome{}, err
	}
	return r.ReconcileInbound(ctx, env)
}

// ReconcileBatch applies envelopes in order. A malformed envelope never
// stops the batch; only a store fault does, in which case the outcomes
// gathered so far are returned with the error.
func (r *Reconciler) ReconcileBatch(ctx context.Context, raws [][]byte) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(raws))
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		o, err := r.Reconcile(ctx, raw)
		if err != nil {
			return outcomes, fmt.Errorf("reconcile: envelope %d: %w", i, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (r *Reconciler) reconcile(ctx context.Context, env *fence.Envelope, dir store.Direction) (Outcome, error) {
	cmd := env.Command
	fn, ok := r.table[key{cmd.Type, cmd.Arg}]
	if !ok {
		r.log.Debugf("No transition for %s/%s, ignoring", cmd.Type, cmd.Arg)
		r.cfg.Metrics.Reconciled(cmd.Type.String(), NoOp.String())
		return Outcome{Kind: NoOp}, nil
	}
	if env.Group == nil {
		// Decode rejects these; a hand-built envelope can still get here.
		r.log.Warnf("%s/%s without fence record, dropping", cmd.Type, cmd.Arg)
		r.cfg.Metrics.Reconciled(cmd.Type.String(), Failed.String())
		return Outcome{Kind: Failed}, nil
	}

	rec, err := r.lookup(env.Group)
	if err != nil {
		return Outcome{}, err
	}
	ev := &event{env: env, cmd: cmd, group: env.Group, rec: rec, dir: dir}

	if r.log.Level() <= slog.LevelDebug {
		r.log.Debugf("Reconciling %s/%s fid=%s cname=%q known=%v (%s)",
			cmd.Type, cmd.Arg, env.Group.FID, env.Group.CName, rec != nil, dir)
	}

	out, err := fn(ctx, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: %s/%s: %w", cmd.Type, cmd.Arg, err)
	}
	if out.GroupID == "" && ev.rec != nil {
		out.GroupID = ev.rec.ID
	}

	if out.Kind == Stored && !ev.deleted && ev.rec != nil && cmd.EID > ev.rec.EID {
		if err := r.cfg.Groups.SetEID(ev.rec.ID, cmd.EID); err != nil {
			return Outcome{}, fmt.Errorf("reconcile: advance eid: %w", err)
		}
	}

	r.cfg.Metrics.Reconciled(cmd.Type.String(), out.Kind.String())
	if r.cfg.Notifier != nil && out.GroupID != "" &&
		(out.Kind == Stored || out.Kind == Updated || ev.mutated) {
		r.cfg.Notifier.ThreadUpdated(out.GroupID)
	}
	return out, nil
}

// lookup finds the local record for a payload: by server id first, then by
// canonical name.
func (r *Reconciler) lookup(g *fence.GroupPayload) (*store.GroupRecord, error) {
	if fid, ok := g.FID.Get(); ok {
		rec, err := r.cfg.Groups.GroupByFID(fid)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	if g.CName == "" {
		return nil, nil
	}
	return r.cfg.Groups.GroupByCName(g.CName)
}

// isSelf reports whether u names the local user. A missing user is taken to
// be the local user: the server omits the originator on replies to our own
// requests.
func (r *Reconciler) isSelf(u *fence.User) bool {
	return u == nil || u.UID == "" || u.UID == r.cfg.Self
}

func (r *Reconciler) store(ev *event, body string) (Outcome, error) {
	if ev.rec == nil {
		return Outcome{Kind: Failed}, nil
	}
	id, err := r.cfg.History.Store(ev.correlation(), history.Entry{
		GroupID: ev.rec.ID,
		Command: ev.cmd.Type,
		Arg:     ev.cmd.Arg,
		Body:    body,
	}, ev.dir)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Stored, MessageID: id, GroupID: ev.rec.ID}, nil
}

func (r *Reconciler) purgeEcho(ev *event) error {
	if ev.rec == nil {
		return nil
	}
	_, err := r.cfg.History.PurgeEcho(ev.rec.ID, ev.cmd.WhenClient)
	return err
}

// purgeGroup deletes the record and its history.
func (r *Reconciler) purgeGroup(ev *event) error {
	if ev.rec == nil {
		return nil
	}
	if err := r.cfg.History.PurgeGroup(ev.rec.ID); err != nil {
		return err
	}
	if err := r.cfg.Groups.DeleteGroup(ev.rec.ID); err != nil {
		return err
	}
	r.log.Infof("Purged group %s (cname %q)", ev.rec.ID, ev.rec.CName)
	ev.mutated, ev.deleted = true, true
	return nil
}

func (r *Reconciler) failed(ev *event, format string, args ...any) (Outcome, error) {
	r.log.Warnf("%s/%s: "+format, append([]any{ev.cmd.Type, ev.cmd.Arg}, args...)...)
	return Outcome{Kind: Failed}, nil
}

func (r *Reconciler) unknownGroup(ev *event) (Outcome, error) {
	return r.failed(ev, "unknown group fid=%s cname=%q, dropping", ev.group.FID, ev.group.CName)
}

func (r *Reconciler) fid(ev *event) (uint64, bool) {
	if fid, ok := ev.group.FID.Get(); ok {
		return fid, true
	}
	if ev.rec != nil {
		return ev.rec.FID.Get()
	}
	return 0, false
}
