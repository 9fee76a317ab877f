package signalservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnregistered means the recipient has no account on the server.
	ErrUnregistered = errors.New("signalservice: recipient not registered")
	// ErrAuthorization means the server rejected our credentials.
	ErrAuthorization = errors.New("signalservice: authorization failed")
	// ErrCancelled wraps the context error when a send is abandoned.
	ErrCancelled = errors.New("signalservice: send cancelled")
	// ErrPipeUnavailable means the persistent channel is down; the request
	// was not written and may go over REST instead.
	ErrPipeUnavailable = errors.New("signalservice: pipe unavailable")
)

// RateLimitedError is returned for HTTP 429. It is never retried here.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("signalservice: rate limited, retry after %s", e.RetryAfter)
	}
	return "signalservice: rate limited"
}

// ProofRequiredError is returned for HTTP 428: the server wants a
// challenge answered before accepting more messages.
type ProofRequiredError struct {
	Token      string
	Options    []string
	RetryAfter time.Duration
}

func (e *ProofRequiredError) Error() string {
	return fmt.Sprintf("signalservice: proof required (options %s)", strings.Join(e.Options, ","))
}

// ServerRejectedError is any other non-success status.
type ServerRejectedError struct {
	Status int
	Body   string
}

func (e *ServerRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("signalservice: server rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("signalservice: server rejected request: status %d: %s", e.Status, e.Body)
}

// ContentTooLargeError is returned before any network call when the payload
// exceeds the envelope limit.
type ContentTooLargeError struct {
	Size  int
	Limit int
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("signalservice: content of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// UntrustedIdentityError means the recipient's identity key changed and the
// new key has not been accepted.
type UntrustedIdentityError struct {
	Recipient   string
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("signalservice: untrusted identity for %s", e.Recipient)
}

// NetworkError is a transport failure. The request may be retried.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "signalservice: network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// identityChangedError is raised locally when a fetched bundle carries an
// identity key other than the trusted one.
type identityChangedError struct {
	recipient string
	key       []byte
}

func (e *identityChangedError) Error() string {
	return fmt.Sprintf("signalservice: identity key changed for %s", e.recipient)
}

// mismatchedDevicesError is returned for HTTP 409.
type mismatchedDevicesError struct {
	MissingDevices []int `json:"missingDevices"`
	ExtraDevices   []int `json:"extraDevices"`
}

func (e *mismatchedDevicesError) Error() string {
	return fmt.Sprintf("signalservice: mismatched devices: missing=%v extra=%v", e.MissingDevices, e.ExtraDevices)
}

// staleDevicesError is returned for HTTP 410.
type staleDevicesError struct {
	StaleDevices []int `json:"staleDevices"`
}

func (e *staleDevicesError) Error() string {
	return fmt.Sprintf("signalservice: stale devices: %v", e.StaleDevices)
}

type groupMismatchEntry struct {
	UUID    string                 `json:"uuid"`
	Devices mismatchedDevicesError `json:"devices"`
}

// groupMismatchedDevicesError is a 409 from a multi-recipient send.
type groupMismatchedDevicesError struct {
	Entries []groupMismatchEntry
}

func (e *groupMismatchedDevicesError) Error() string {
	return fmt.Sprintf("signalservice: mismatched devices for %d recipients", len(e.Entries))
}

type groupStaleEntry struct {
	UUID    string            `json:"uuid"`
	Devices staleDevicesError `json:"devices"`
}

// groupStaleDevicesError is a 410 from a multi-recipient send.
type groupStaleDevicesError struct {
	Entries []groupStaleEntry
}

func (e *groupStaleDevicesError) Error() string {
	return fmt.Sprintf("signalservice: stale devices for %d recipients", len(e.Entries))
}

// cancelled returns ErrCancelled wrapping the context error once ctx is done.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
