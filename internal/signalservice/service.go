package signalservice

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unfacd/unfacd-android-sub003/internal/metrics"
	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// Service provides high-level access to the ufsrv API.
// It owns the channel, the delivery pipeline and the fan-out pool.
type Service struct {
	sender  *Sender
	channel *channel
	cdn     *Transport
	workers int
	metrics *metrics.Metrics
	log     slog.Logger
	fanLog  slog.Logger
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	APIURL    string
	CDNURL    string
	TLSConfig *tls.Config
	// Pipe carries requests while it is connected. Optional.
	Pipe          Pipe
	Store         *store.Store
	Auth          BasicAuth
	Identity      sessioncrypto.Identity
	LocalACI      string
	LocalDeviceID int
	// MaxEnvelopeSize defaults to DefaultMaxEnvelopeSize.
	MaxEnvelopeSize int
	// Workers bounds fan-out concurrency; defaults to DefaultWorkers.
	Workers int
	// RateLimit paces transmissions per recipient, in requests per second.
	// Zero disables pacing.
	RateLimit float64
	RateBurst int
	Metrics   *metrics.Metrics
	// Logger is used by the pipeline, FanOutLogger by group fan-out.
	Logger       slog.Logger
	FanOutLogger slog.Logger
}

// NewService creates a new ufsrv API service.
func NewService(cfg ServiceConfig) *Service {
	return newService(cfg, cfg.Store)
}

func newService(cfg ServiceConfig, st senderDataStore) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	fanLog := cfg.FanOutLogger
	if fanLog == nil {
		fanLog = log
	}
	if cfg.MaxEnvelopeSize <= 0 {
		cfg.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	cdnURL := cfg.CDNURL
	if cdnURL == "" {
		cdnURL = cfg.APIURL
	}

	ch := &channel{
		pipe:    cfg.Pipe,
		rest:    NewTransport(cfg.APIURL, cfg.TLSConfig, log),
		auth:    cfg.Auth,
		metrics: cfg.Metrics,
		log:     log,
	}
	return &Service{
		sender: &Sender{
			store:         st,
			net:           ch,
			dist:          newDistributionState(st),
			identity:      cfg.Identity,
			localACI:      cfg.LocalACI,
			localDeviceID: cfg.LocalDeviceID,
			maxEnvelope:   cfg.MaxEnvelopeSize,
			pace:          newRecipientLimiter(cfg.RateLimit, cfg.RateBurst),
			metrics:       cfg.Metrics,
			log:           log,
			locks:         xsync.NewMapOf[string, *sync.Mutex](),
			now:           time.Now,
		},
		channel: ch,
		cdn:     NewTransport(cdnURL, cfg.TLSConfig, log),
		workers: cfg.Workers,
		metrics: cfg.Metrics,
		log:     log,
		fanLog:  fanLog,
	}
}

// Sender returns the single-recipient delivery pipeline.
func (s *Service) Sender() *Sender { return s.sender }

// Send delivers payload to one recipient. See Sender.Send.
func (s *Service) Send(ctx context.Context, recipient string, payload []byte, timestamp uint64, opts SendOptions) (SendResult, error) {
	return s.sender.Send(ctx, recipient, payload, timestamp, opts)
}

// GetPreKeys fetches a recipient device's pre-key bundle.
func (s *Service) GetPreKeys(ctx context.Context, recipient string, deviceID int) (*PreKeyResponse, error) {
	return s.channel.getPreKeys(ctx, recipient, deviceID, nil)
}

// SendCommand sends an encoded fence command to the server.
func (s *Service) SendCommand(ctx context.Context, raw []byte) error {
	return s.channel.sendCommand(ctx, raw)
}
