package signalws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	defaultReconnectDelay    = time.Second
)

var (
	// ErrNotConnected is returned by Request while no connection is up.
	// Nothing was written; the request can safely go another way.
	ErrNotConnected = errors.New("signalws: not connected")
	// ErrConnectionLost means the connection broke after the request was
	// written, so it may or may not have been processed.
	ErrConnectionLost = errors.New("signalws: connection lost")
	ErrClosed         = errors.New("signalws: persistent conn closed")
)

type result struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	conn *Conn
	ch   chan result
}

// PersistentConn wraps a Conn with keep-alive heartbeats, automatic
// reconnection and request/response matching.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool
	log     slog.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration) // called on successful keep-alive
	reconnectDelay    time.Duration

	nextID   atomic.Uint64
	pending  *xsync.MapOf[uint64, pendingRequest]
	incoming chan *Request

	cancel context.CancelFunc // stops the read and keep-alive goroutines
	done   chan struct{}
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a keep-alive response before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful keep-alive round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.keepAliveCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// WithReconnectDelay sets the pause between failed reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.reconnectDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l slog.Logger) Option {
	return func(pc *PersistentConn) { pc.log = l }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		log:               slog.Disabled,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		reconnectDelay:    defaultReconnectDelay,
		pending:           xsync.NewMapOf[uint64, pendingRequest](),
		incoming:          make(chan *Request, 16),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	bgCtx, cancel := context.WithCancel(context.Background())
	pc.cancel = cancel
	go pc.readLoop(bgCtx)
	go pc.keepAliveLoop(bgCtx)

	return pc, nil
}

func (pc *PersistentConn) current() *Conn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn
}

// Connected reports whether a connection is currently up.
func (pc *PersistentConn) Connected() bool {
	return !pc.closed.Load() && pc.current() != nil
}

// Request sends a request and waits for the matching response.
func (pc *PersistentConn) Request(ctx context.Context, verb, path string, headers map[string]string, body []byte) (*Response, error) {
	if pc.closed.Load() {
		return nil, ErrClosed
	}
	conn := pc.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := pc.nextID.Add(1)
	ch := make(chan result, 1)
	pc.pending.Store(id, pendingRequest{conn: conn, ch: ch})
	defer pc.pending.Delete(id)

	err := conn.WriteMessage(ctx, &Message{
		Type:    TypeRequest,
		Request: &Request{ID: id, Verb: verb, Path: path, Headers: headers, Body: body},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.resp, r.err
	}
}

// ReadMessage returns the next request initiated by the server.
func (pc *PersistentConn) ReadMessage(ctx context.Context) (*Request, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
		return nil, ErrClosed
	case req := <-pc.incoming:
		return req, nil
	}
}

// SendResponse sends an ACK response message.
func (pc *PersistentConn) SendResponse(ctx context.Context, id uint64, status int, message string) error {
	conn := pc.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendResponse(ctx, id, status, message)
}

// Close stops keep-alive and closes the connection. No further reconnects will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	close(pc.done)
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	pc.failPending(nil, ErrClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) readLoop(ctx context.Context) {
	for {
		if pc.closed.Load() {
			return
		}
		conn := pc.current()
		if conn == nil {
			if err := pc.reconnect(ctx); err != nil {
				pc.log.Debugf("Reconnect failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(pc.reconnectDelay):
				}
			}
			continue
		}

		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			pc.failPending(conn, ErrConnectionLost)
			if pc.closed.Load() {
				return
			}
			pc.log.Debugf("Connection broken: %v", err)
			pc.drop(conn)
			continue
		}

		switch msg.Type {
		case TypeResponse:
			if msg.Response == nil {
				continue
			}
			if p, ok := pc.pending.LoadAndDelete(msg.Response.ID); ok {
				p.ch <- result{resp: msg.Response}
			}
		case TypeRequest:
			if msg.Request == nil {
				continue
			}
			select {
			case pc.incoming <- msg.Request:
			case <-ctx.Done():
				return
			}
		default:
			pc.log.Warnf("Ignoring frame of type %q", msg.Type)
		}
	}
}

// failPending fails requests written on conn, or all requests when conn is nil.
func (pc *PersistentConn) failPending(conn *Conn, err error) {
	pc.pending.Range(func(id uint64, p pendingRequest) bool {
		if conn == nil || p.conn == conn {
			if _, ok := pc.pending.LoadAndDelete(id); ok {
				p.ch <- result{err: err}
			}
		}
		return true
	})
}

// drop forgets conn unless it was already replaced.
func (pc *PersistentConn) drop(conn *Conn) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == conn {
		pc.conn.CloseNow()
		pc.conn = nil
	}
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pc.closed.Load() {
			return
		}

		kaCtx, cancel := context.WithTimeout(ctx, pc.keepAliveTimeout)
		sentAt := time.Now()
		_, err := pc.Request(kaCtx, http.MethodGet, "/v1/keepalive", nil, nil)
		cancel()
		switch {
		case err == nil:
			if pc.keepAliveCallback != nil {
				pc.keepAliveCallback(time.Since(sentAt))
			}
		case errors.Is(err, ErrNotConnected):
			// The read loop is already reconnecting.
		case ctx.Err() != nil || pc.closed.Load():
			return
		default:
			pc.log.Debugf("Keep-alive failed, reconnecting: %v", err)
			if err := pc.reconnect(ctx); err != nil {
				pc.log.Debugf("Reconnect failed: %v", err)
			}
		}
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return ErrClosed
	}

	// Close old connection if any.
	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("signalws: reconnect: %w", err)
	}
	pc.conn = conn
	return nil
}
