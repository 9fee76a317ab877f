// Package unfacd provides a client for ufsrv fences: it reconciles the group
// state the server pushes and delivers end-to-end encrypted messages.
package unfacd

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/history"
	"github.com/unfacd/unfacd-android-sub003/internal/logging"
	"github.com/unfacd/unfacd-android-sub003/internal/metrics"
	"github.com/unfacd/unfacd-android-sub003/internal/reconcile"
	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/signalservice"
	"github.com/unfacd/unfacd-android-sub003/internal/signalws"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// Group is a locally stored fence.
type Group = store.GroupRecord

// Message is one group history entry.
type Message = store.Message

// Outcome is the result of reconciling one envelope.
type Outcome = reconcile.Outcome

// SendResult is the per-recipient outcome of a send.
type SendResult = signalservice.SendResult

// SendOptions controls a single-recipient send.
type SendOptions = signalservice.SendOptions

// AttachmentPointer references an uploaded, encrypted attachment.
type AttachmentPointer = fence.AttachmentPointer

const (
	defaultAPIURL = "https://api.unfacd.io"
	pipePath      = "/v1/websocket/"
)

var (
	errNotLoaded    = errors.New("client: not loaded (call Load first)")
	errNotConnected = errors.New("client: pipe not connected (call Connect first)")
)

// groupNamespace derives distribution IDs for groups whose local ID is not
// itself a UUID.
var groupNamespace = uuid.MustParse("6f1d2c58-3b0e-4a53-9a51-0c7c1f5f3e2a")

// Client is the main entry point.
type Client struct {
	apiURL      string
	wsURL       string
	cdnURL      string
	tlsConfig   *tls.Config
	dbPath      string
	logger      func(subsys string) slog.Logger
	workers     int
	rateLimit   float64
	rateBurst   int
	maxEnvelope int
	metrics     *metrics.Metrics
	aci         string
	deviceID    int
	password    string

	store      *store.Store
	identity   sessioncrypto.Identity
	pipe       *signalws.PersistentConn
	service    *signalservice.Service
	history    *history.Adapter
	requests   *reconcile.Requests
	reconciler *reconcile.Reconciler
	broker     *reconcile.Broker
	log        slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the default REST API URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = strings.TrimSuffix(url, "/") }
}

// WithWSURL sets the base URL of the persistent pipe. By default it is
// derived from the API URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = strings.TrimSuffix(url, "/") }
}

// WithCDNURL sets the attachment download URL. Defaults to the API URL.
func WithCDNURL(url string) Option {
	return func(c *Client) { c.cdnURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path.
// If not set, defaults to $XDG_DATA_HOME/ufsrv/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the per-subsystem logger factory. If not set, logging is
// disabled. A *logging.Backend's Logger method fits.
func WithLogger(fn func(subsys string) slog.Logger) Option {
	return func(c *Client) { c.logger = fn }
}

// WithWorkers bounds how many recipients are sent to at once.
func WithWorkers(n int) Option {
	return func(c *Client) { c.workers = n }
}

// WithRateLimit paces transmissions to each recipient.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.rateLimit = perSecond
		c.rateBurst = burst
	}
}

// WithMaxEnvelopeSize caps the encoded content size of a single send.
func WithMaxEnvelopeSize(n int) Option {
	return func(c *Client) { c.maxEnvelope = n }
}

// WithMetrics enables Prometheus metrics. See MetricsHandler.
func WithMetrics() Option {
	return func(c *Client) { c.metrics = metrics.New() }
}

// WithLocalAddress sets the local account and device. It is required when
// the database holds no account yet.
func WithLocalAddress(aci string, deviceID int) Option {
	return func(c *Client) {
		c.aci = aci
		c.deviceID = deviceID
	}
}

// WithPassword sets the password used to authenticate to the server.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// NewClient creates a new client. Call Load before using it.
func NewClient(opts ...Option) *Client {
	c := &Client{apiURL: defaultAPIURL}
	for _, o := range opts {
		o(c)
	}
	if c.wsURL == "" {
		c.wsURL = pipeURL(c.apiURL)
	}
	c.log = c.sub(logging.SubsysPipe)
	return c
}

// Open creates a client and loads its account.
func Open(opts ...Option) (*Client, error) {
	c := NewClient(opts...)
	if err := c.Load(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func pipeURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	}
	return apiURL
}

func (c *Client) sub(subsys string) slog.Logger {
	if c.logger == nil {
		return slog.Disabled
	}
	return c.logger(subsys)
}

// Load opens the database and loads the local account, creating it from
// the local address when the database is new.
func (c *Client) Load() error {
	c.log.Debugf("Opening database path=%s", c.dbPath)
	st, err := store.Open(c.dbPath, store.WithLogger(c.sub(logging.SubsysStore)))
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.store = st

	acct, err := c.store.LoadAccount()
	if err != nil {
		return fmt.Errorf("client: load account: %w", err)
	}
	switch {
	case acct == nil && c.aci == "":
		return errors.New("client: no account found in database and no local address set")
	case acct == nil:
		if acct, err = c.createAccount(); err != nil {
			return err
		}
	case c.aci != "" && (acct.ACI != c.aci || acct.DeviceID != c.deviceID):
		return fmt.Errorf("client: database belongs to %s.%d, not %s.%d",
			acct.ACI, acct.DeviceID, c.aci, c.deviceID)
	}
	if c.password != "" && c.password != acct.Password {
		acct.Password = c.password
		if err := c.store.SaveAccount(acct); err != nil {
			return fmt.Errorf("client: save account: %w", err)
		}
	}

	c.aci = acct.ACI
	c.deviceID = acct.DeviceID
	c.password = acct.Password
	c.identity = sessioncrypto.Identity{
		KeyPair:        sessioncrypto.KeyPair{Private: acct.IdentityKeyPrivate, Public: acct.IdentityKeyPublic},
		RegistrationID: acct.RegistrationID,
	}
	if c.log.Level() <= slog.LevelDebug && len(acct.IdentityKeyPublic) >= 8 {
		c.log.Debugf("Loaded identity key fingerprint=%x", acct.IdentityKeyPublic[:8])
	}

	c.history = history.New(c.store, c.sub(logging.SubsysHistory))
	if c.broker == nil {
		c.broker = reconcile.NewBroker()
	}
	return c.initService()
}

func (c *Client) createAccount() (*store.Account, error) {
	kp, err := sessioncrypto.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("client: generate identity: %w", err)
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("client: registration id: %w", err)
	}
	acct := &store.Account{
		ACI:                c.aci,
		DeviceID:           c.deviceID,
		Password:           c.password,
		RegistrationID:     binary.BigEndian.Uint32(b[:])&0x3fff + 1,
		IdentityKeyPrivate: kp.Private,
		IdentityKeyPublic:  kp.Public,
	}
	if err := c.store.SaveAccount(acct); err != nil {
		return nil, fmt.Errorf("client: save account: %w", err)
	}
	c.log.Infof("Created account %s.%d", acct.ACI, acct.DeviceID)
	return acct, nil
}

// initService builds the delivery service and the reconciler once the
// account is known, and again whenever the pipe changes.
func (c *Client) initService() error {
	cfg := signalservice.ServiceConfig{
		APIURL:          c.apiURL,
		CDNURL:          c.cdnURL,
		TLSConfig:       c.tlsConfig,
		Store:           c.store,
		Auth:            c.auth(),
		Identity:        c.identity,
		LocalACI:        c.aci,
		LocalDeviceID:   c.deviceID,
		MaxEnvelopeSize: c.maxEnvelope,
		Workers:         c.workers,
		RateLimit:       c.rateLimit,
		RateBurst:       c.rateBurst,
		Metrics:         c.metrics,
		Logger:          c.sub(logging.SubsysSend),
		FanOutLogger:    c.sub(logging.SubsysFanOut),
	}
	if c.pipe != nil {
		cfg.Pipe = c.pipe
	}
	c.service = signalservice.NewService(cfg)

	rlog := c.sub(logging.SubsysReconcile)
	c.requests = reconcile.NewRequests(c.history, c.service,
		fence.User{UID: c.aci, Device: uint32(c.deviceID)}, rlog)
	r, err := reconcile.New(reconcile.Config{
		Self:     c.aci,
		Groups:   c.store,
		History:  c.history,
		Server:   c.requests,
		Notifier: c.broker,
		Metrics:  c.metrics,
		Log:      rlog,
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.reconciler = r
	return nil
}

func (c *Client) auth() signalservice.BasicAuth {
	return signalservice.BasicAuth{
		Username: fmt.Sprintf("%s.%d", c.aci, c.deviceID),
		Password: c.password,
	}
}

// Connect opens the persistent pipe. Sends prefer it while it is up, and
// Listen reads pushed envelopes from it.
func (c *Client) Connect(ctx context.Context) error {
	if c.store == nil {
		return errNotLoaded
	}
	if c.pipe != nil {
		return nil
	}
	pc, err := signalws.DialPersistent(ctx, c.wsURL+pipePath, c.tlsConfig,
		signalws.WithHeaders(signalservice.PipeHeaders(c.auth())),
		signalws.WithLogger(c.sub(logging.SubsysPipe)),
	)
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	c.pipe = pc
	return c.initService()
}

// Close closes the pipe and the database.
func (c *Client) Close() error {
	var errs []error
	if c.pipe != nil {
		errs = append(errs, c.pipe.Close())
		c.pipe = nil
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
	}
	return errors.Join(errs...)
}

// ACI returns the local account identifier.
func (c *Client) ACI() string { return c.aci }

// DeviceID returns the local device ID.
func (c *Client) DeviceID() int { return c.deviceID }

// Reconcile applies one encoded fence envelope to the local group store.
// Malformed envelopes and unknown commands are a no-op, never an error.
func (c *Client) Reconcile(ctx context.Context, raw []byte) (Outcome, error) {
	if c.reconciler == nil {
		return Outcome{}, errNotLoaded
	}
	return c.reconciler.Reconcile(ctx, raw)
}

// ReconcileBatch applies envelopes in order. Only a store fault stops it.
func (c *Client) ReconcileBatch(ctx context.Context, raws [][]byte) ([]Outcome, error) {
	if c.reconciler == nil {
		return nil, errNotLoaded
	}
	return c.reconciler.ReconcileBatch(ctx, raws)
}

// Listen reconciles envelopes pushed on the pipe until ctx is done.
// It returns nil when ctx ends and an error on a store fault or when the
// pipe is closed.
func (c *Client) Listen(ctx context.Context) error {
	if c.pipe == nil {
		return errNotConnected
	}
	for raw, err := range signalservice.ReceiveEnvelopes(ctx, c.pipe, c.log) {
		if err != nil {
			if errors.Is(err, signalws.ErrClosed) {
				return fmt.Errorf("client: listen: %w", err)
			}
			c.log.Warnf("Receive failed: %v", err)
			continue
		}
		o, err := c.reconciler.Reconcile(ctx, raw)
		if err != nil {
			return fmt.Errorf("client: listen: %w", err)
		}
		c.log.Tracef("Reconciled envelope kind=%s group=%s", o.Kind, o.GroupID)
	}
	return nil
}

// Subscribe returns a channel receiving the local ID of every group thread
// the reconciler changes, and a func that unsubscribes. Slow subscribers
// miss notifications.
func (c *Client) Subscribe(buf int) (<-chan string, func()) {
	if c.broker == nil {
		c.broker = reconcile.NewBroker()
	}
	return c.broker.Subscribe(buf)
}

// Send encrypts payload for every device of recipient and transmits it.
func (c *Client) Send(ctx context.Context, recipient string, payload []byte, opts SendOptions) (SendResult, error) {
	if c.service == nil {
		return SendResult{}, errNotLoaded
	}
	return c.service.Send(ctx, recipient, payload, now(), opts)
}

// SendToMany sends payload to each recipient independently. One recipient's
// failure never affects the others.
func (c *Client) SendToMany(ctx context.Context, recipients []string, payload []byte, opts SendOptions) ([]SendResult, error) {
	if c.service == nil {
		return nil, errNotLoaded
	}
	return c.service.SendToMany(ctx, recipients, payload, now(), opts), nil
}

// SendToGroup encrypts payload once with the group's sender key and sends
// it to every member.
func (c *Client) SendToGroup(ctx context.Context, groupID string, payload []byte) ([]SendResult, error) {
	if c.service == nil {
		return nil, errNotLoaded
	}
	g, err := c.group(groupID)
	if err != nil {
		return nil, err
	}
	return c.service.SendToGroup(ctx, DistributionID(g), g.Members, payload, now())
}

// DistributionID returns the sender key distribution ID used for g.
func DistributionID(g *Group) uuid.UUID {
	if id, err := uuid.Parse(g.ID); err == nil {
		return id
	}
	return uuid.NewSHA1(groupNamespace, []byte(g.ID))
}

// UploadAttachment encrypts data and uploads it.
func (c *Client) UploadAttachment(ctx context.Context, data []byte, contentType string) (*AttachmentPointer, error) {
	if c.service == nil {
		return nil, errNotLoaded
	}
	return c.service.UploadAttachment(ctx, data, contentType)
}

// DownloadAttachment fetches and decrypts the attachment ptr references.
func (c *Client) DownloadAttachment(ctx context.Context, ptr *AttachmentPointer) ([]byte, error) {
	if c.service == nil {
		return nil, errNotLoaded
	}
	return c.service.DownloadAttachment(ctx, ptr)
}

// Groups returns every group this device knows about.
func (c *Client) Groups() ([]*Group, error) {
	if c.store == nil {
		return nil, errNotLoaded
	}
	return c.store.AllGroups()
}

// GetGroup returns the group with the given local ID, or nil if unknown.
func (c *Client) GetGroup(groupID string) (*Group, error) {
	if c.store == nil {
		return nil, errNotLoaded
	}
	return c.store.GroupByID(groupID)
}

func (c *Client) group(groupID string) (*Group, error) {
	g, err := c.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("client: unknown group %q", groupID)
	}
	return g, nil
}

// History returns up to limit of the group's most recent history entries.
func (c *Client) History(groupID string, limit int) ([]*Message, error) {
	if c.store == nil {
		return nil, errNotLoaded
	}
	return c.store.Messages(groupID, limit)
}

// Rename asks the server to rename the group. It returns the request's
// client timestamp; the placeholder it leaves in history disappears when
// the server confirms.
func (c *Client) Rename(ctx context.Context, groupID, title string) (uint64, error) {
	if c.requests == nil {
		return 0, errNotLoaded
	}
	g, err := c.group(groupID)
	if err != nil {
		return 0, err
	}
	return c.requests.Rename(ctx, g, title)
}

// Invite asks the server to invite uids to the group.
func (c *Client) Invite(ctx context.Context, groupID string, uids []string) (uint64, error) {
	if c.requests == nil {
		return 0, errNotLoaded
	}
	g, err := c.group(groupID)
	if err != nil {
		return 0, err
	}
	return c.requests.Invite(ctx, g, uids)
}

// Leave asks the server to remove the local user from the group. With
// cleanup the local record is purged once the server confirms.
func (c *Client) Leave(ctx context.Context, groupID string, cleanup bool) (uint64, error) {
	if c.requests == nil {
		return 0, errNotLoaded
	}
	g, err := c.group(groupID)
	if err != nil {
		return 0, err
	}
	return c.requests.Leave(ctx, c.store, g, cleanup)
}

// MetricsHandler serves the client's metrics in the Prometheus text
// format. It is nil unless WithMetrics was given.
func (c *Client) MetricsHandler() http.Handler {
	if c.metrics == nil {
		return nil
	}
	return promhttp.HandlerFor(c.metrics.Registry(), promhttp.HandlerOpts{})
}

func now() uint64 { return uint64(time.Now().UnixMilli()) }
