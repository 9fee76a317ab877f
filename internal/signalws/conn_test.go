package signalws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestReadAndACK(t *testing.T) {
	// Server sends a request message; client reads it and sends an ACK.
	const reqID = uint64(1)
	bodyBytes := []byte("test-body")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		err = wsjson.Write(r.Context(), ws, &Message{
			Type:    TypeRequest,
			Request: &Request{ID: reqID, Verb: "PUT", Path: "/v1/fence", Body: bodyBytes},
		})
		if err != nil {
			t.Errorf("write: %v", err)
			return
		}

		// Read the ACK response.
		var resp Message
		if err := wsjson.Read(r.Context(), ws, &resp); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if resp.Type != TypeResponse || resp.Response == nil {
			t.Errorf("expected response, got %+v", resp)
			return
		}
		if resp.Response.ID != reqID {
			t.Errorf("response id: got %d, want %d", resp.Response.ID, reqID)
		}
		if resp.Response.Status != 200 {
			t.Errorf("response status: got %d, want 200", resp.Response.Status)
		}

		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeRequest || msg.Request == nil {
		t.Fatalf("expected request, got %+v", msg)
	}
	if msg.Request.Verb != "PUT" || msg.Request.Path != "/v1/fence" {
		t.Fatalf("got %s %s", msg.Request.Verb, msg.Request.Path)
	}
	if string(msg.Request.Body) != string(bodyBytes) {
		t.Fatalf("body mismatch")
	}

	if err := conn.SendResponse(ctx, reqID, 200, "OK"); err != nil {
		t.Fatal(err)
	}
}
