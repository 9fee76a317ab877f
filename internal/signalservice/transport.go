package signalservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/decred/slog"
)

// response is a status, headers and body from either channel.
type response struct {
	status int
	header http.Header
	body   []byte
}

// Transport handles low-level HTTP communication with the ufsrv API.
// It does not retry: status handling belongs to the caller.
type Transport struct {
	baseURL string
	client  *http.Client
	log     slog.Logger
}

// NewTransport creates a new HTTP transport for the ufsrv API.
func NewTransport(baseURL string, tlsConf *tls.Config, log slog.Logger) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	if log == nil {
		log = slog.Disabled
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// Do executes an HTTP request. Transport failures come back as
// *NetworkError, or as the context error when ctx ended first.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Err: err}
	}
	t.log.Tracef("http %s %s → %d", req.Method, req.URL.Path, resp.StatusCode)
	return resp, nil
}

// Request performs method on path, which is relative to the base URL unless
// it is absolute.
func (t *Transport) Request(ctx context.Context, method, path string, header http.Header, body []byte) (*response, error) {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = t.baseURL + path
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// GetJSON performs a GET request and unmarshals a 2xx response into result.
func (t *Transport) GetJSON(ctx context.Context, path string, header http.Header, result any) error {
	resp, err := t.Request(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return err
	}
	if err := statusError(resp, nil, nil); err != nil {
		return err
	}
	if result != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, result); err != nil {
			return fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return nil
}

// statusError maps a non-2xx response to the error taxonomy. on409 and
// on410 decode endpoint-specific bodies; nil treats the status as rejected.
func statusError(resp *response, on409, on410 func([]byte) error) error {
	switch s := resp.status; {
	case s >= 200 && s < 300:
		return nil
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return ErrAuthorization
	case s == http.StatusNotFound:
		return ErrUnregistered
	case s == http.StatusConflict && on409 != nil:
		return on409(resp.body)
	case s == http.StatusGone && on410 != nil:
		return on410(resp.body)
	case s == http.StatusPreconditionRequired:
		var body proofRequiredBody
		_ = json.Unmarshal(resp.body, &body)
		return &ProofRequiredError{
			Token:      body.Token,
			Options:    body.Options,
			RetryAfter: parseRetryAfter(resp.header.Get("Retry-After")),
		}
	case s == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.header.Get("Retry-After"))}
	case s >= 500:
		// Server faults are transient and retried like network failures.
		return &NetworkError{Err: &ServerRejectedError{Status: s, Body: strings.TrimSpace(string(resp.body))}}
	}
	return &ServerRejectedError{Status: resp.status, Body: strings.TrimSpace(string(resp.body))}
}

func decodeMismatched(body []byte) error {
	var e mismatchedDevicesError
	if err := json.Unmarshal(body, &e); err != nil {
		return &ServerRejectedError{Status: http.StatusConflict, Body: string(body)}
	}
	return &e
}

func decodeStale(body []byte) error {
	var e staleDevicesError
	if err := json.Unmarshal(body, &e); err != nil {
		return &ServerRejectedError{Status: http.StatusGone, Body: string(body)}
	}
	return &e
}

func decodeGroupMismatched(body []byte) error {
	var entries []groupMismatchEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return &ServerRejectedError{Status: http.StatusConflict, Body: string(body)}
	}
	return &groupMismatchedDevicesError{Entries: entries}
}

func decodeGroupStale(body []byte) error {
	var entries []groupStaleEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return &ServerRejectedError{Status: http.StatusGone, Body: string(body)}
	}
	return &groupStaleDevicesError{Entries: entries}
}
