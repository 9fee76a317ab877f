// Package signalws provides the JSON-framed WebSocket channel to the ufsrv
// server. Both ends send requests and answer them with responses carrying
// the same id.
package signalws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Request is a request frame.
type Request struct {
	ID      uint64            `json:"id"`
	Verb    string            `json:"verb"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID      uint64            `json:"id"`
	Status  int               `json:"status"`
	Message string            `json:"message,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Message is one frame on the channel.
type Message struct {
	Type     string    `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Conn wraps a WebSocket connection with JSON framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("signalws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadMessage reads the next frame.
func (c *Conn) ReadMessage(ctx context.Context) (*Message, error) {
	var msg Message
	if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
		return nil, fmt.Errorf("signalws: read: %w", err)
	}
	return &msg, nil
}

// WriteMessage sends one frame.
func (c *Conn) WriteMessage(ctx context.Context, msg *Message) error {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("signalws: write: %w", err)
	}
	return nil
}

// SendResponse answers a server request (used for ACKs).
func (c *Conn) SendResponse(ctx context.Context, id uint64, status int, message string) error {
	return c.WriteMessage(ctx, &Message{
		Type:     TypeResponse,
		Response: &Response{ID: id, Status: status, Message: message},
	})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
