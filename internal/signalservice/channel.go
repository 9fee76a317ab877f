package signalservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/decred/slog"

	"github.com/unfacd/unfacd-android-sub003/internal/metrics"
	"github.com/unfacd/unfacd-android-sub003/internal/signalws"
)

// Pipe is the persistent request channel. *signalws.PersistentConn
// satisfies it.
type Pipe interface {
	Request(ctx context.Context, verb, path string, headers map[string]string, body []byte) (*signalws.Response, error)
}

// channel sends requests over the pipe when it is up and over REST when it
// is not. Any other pipe failure is returned as is: the request may have
// reached the server, so repeating it is the retry loop's decision.
type channel struct {
	pipe    Pipe
	rest    *Transport
	auth    BasicAuth
	metrics *metrics.Metrics
	log     slog.Logger
}

func (c *channel) do(ctx context.Context, method, path string, accessKey []byte, contentType string, body []byte) (*response, error) {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	if accessKey != nil {
		header.Set("Unidentified-Access-Key", base64.StdEncoding.EncodeToString(accessKey))
	} else if c.auth.Username != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
			[]byte(c.auth.Username+":"+c.auth.Password)))
	}

	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if c.pipe != nil {
		resp, err := c.viaPipe(ctx, method, path, header, body)
		if !errors.Is(err, ErrPipeUnavailable) {
			return resp, err
		}
		c.metrics.PipeFallback()
		c.log.Debugf("Pipe unavailable, sending %s %s over REST", method, path)
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.rest.Request(ctx, method, path, header, body)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return resp, nil
}

func (c *channel) viaPipe(ctx context.Context, method, path string, header http.Header, body []byte) (*response, error) {
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[k] = header.Get(k)
	}
	r, err := c.pipe.Request(ctx, method, path, headers, body)
	switch {
	case err == nil:
		h := http.Header{}
		for k, v := range r.Headers {
			h.Set(k, v)
		}
		return &response{status: r.Status, header: h, body: r.Body}, nil
	case errors.Is(err, signalws.ErrNotConnected), errors.Is(err, signalws.ErrClosed):
		return nil, fmt.Errorf("%w: %v", ErrPipeUnavailable, err)
	case ctx.Err() != nil:
		return nil, cancelled(ctx)
	}
	return nil, &NetworkError{Err: err}
}

func (c *channel) doJSON(ctx context.Context, method, path string, accessKey []byte, in any) (*response, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	return c.do(ctx, method, path, accessKey, "application/json", body)
}

func (c *channel) sendMessage(ctx context.Context, destination string, list *outgoingMessageList, accessKey []byte) (*sendMessageResponse, error) {
	resp, err := c.doJSON(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(destination), accessKey, list)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp, decodeMismatched, decodeStale); err != nil {
		return nil, err
	}
	var out sendMessageResponse
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &out); err != nil {
			return nil, fmt.Errorf("decode send response: %w", err)
		}
	}
	return &out, nil
}

func (c *channel) sendMultiRecipient(ctx context.Context, msg *multiRecipientMessage, accessKey []byte) (*multiRecipientResponse, error) {
	resp, err := c.doJSON(ctx, http.MethodPut, "/v1/messages/multi_recipient", accessKey, msg)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp, decodeGroupMismatched, decodeGroupStale); err != nil {
		return nil, err
	}
	var out multiRecipientResponse
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &out); err != nil {
			return nil, fmt.Errorf("decode multi-recipient response: %w", err)
		}
	}
	return &out, nil
}

func (c *channel) getPreKeys(ctx context.Context, recipient string, deviceID int, accessKey []byte) (*PreKeyResponse, error) {
	path := fmt.Sprintf("/v2/keys/%s/%d", url.PathEscape(recipient), deviceID)
	resp, err := c.do(ctx, http.MethodGet, path, accessKey, "", nil)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp, nil, nil); err != nil {
		return nil, err
	}
	var out PreKeyResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode pre-keys: %w", err)
	}
	return &out, nil
}

func (c *channel) sendCommand(ctx context.Context, raw []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/fence", nil, "application/x-protobuf", raw)
	if err != nil {
		return err
	}
	return statusError(resp, nil, nil)
}
