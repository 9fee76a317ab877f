package unfacd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/reconcile"
	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/signalservice"
	"github.com/unfacd/unfacd-android-sub003/internal/signalws"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// testServer answers the REST calls a client makes. Messages are accepted
// without being decrypted.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	identity sessioncrypto.KeyPair
	signed   sessioncrypto.KeyPair

	mu       sync.Mutex
	commands [][]byte
	sends    []string
	batches  int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t}
	var err error
	if ts.identity, err = sessioncrypto.GenerateKeyPair(nil); err != nil {
		t.Fatal(err)
	}
	if ts.signed, err = sessioncrypto.GenerateKeyPair(nil); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/fence", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.commands = append(ts.commands, body)
		ts.mu.Unlock()
	})
	mux.HandleFunc("GET /v2/keys/{recipient}/{device}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signalservice.PreKeyResponse{
			IdentityKey: base64.StdEncoding.EncodeToString(ts.identity.Public),
			Devices: []signalservice.PreKeyDeviceInfo{{
				DeviceID:       1,
				RegistrationID: 55,
				SignedPreKey: &signalservice.SignedPreKeyEntity{
					KeyID:     1,
					PublicKey: base64.StdEncoding.EncodeToString(ts.signed.Public),
				},
			}},
		})
	})
	mux.HandleFunc("PUT /v1/messages/multi_recipient", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.batches++
		ts.mu.Unlock()
		io.WriteString(w, `{}`)
	})
	mux.HandleFunc("PUT /v1/messages/{recipient}", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.sends = append(ts.sends, r.PathValue("recipient"))
		ts.mu.Unlock()
		io.WriteString(w, `{"needsSync":false}`)
	})
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func openClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithLocalAddress("alice", 1),
		WithPassword("secret"),
	}
	c, err := Open(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func joinEnvelope(fid uint64, cname string, members ...string) []byte {
	return fence.Encode(fence.Envelope{
		Source:    "server",
		Timestamp: 1000,
		Command:   fence.Command{Type: fence.CommandJoin, Arg: fence.ArgAccepted},
		Group: &fence.GroupPayload{
			FID:     fence.SomeFID(fid),
			CName:   cname,
			Title:   "Alpha",
			Members: members,
		},
	})
}

func TestClientLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	if _, err := Open(WithDBPath(dbPath)); err == nil {
		t.Fatal("expected error for an empty database without a local address")
	}

	c, err := Open(WithDBPath(dbPath), WithLocalAddress("alice", 3), WithPassword("pw"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Close()

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	acct, err := s.LoadAccount()
	s.Close()
	if err != nil || acct == nil {
		t.Fatalf("account: %+v, %v", acct, err)
	}
	if acct.ACI != "alice" || acct.DeviceID != 3 || acct.Password != "pw" || len(acct.IdentityKeyPrivate) != 32 {
		t.Fatalf("account = %+v", acct)
	}
	if acct.RegistrationID == 0 || acct.RegistrationID > 0x4000 {
		t.Errorf("registration id = %d", acct.RegistrationID)
	}

	// Reopening needs no address and keeps the identity.
	c, err = Open(WithDBPath(dbPath))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c.ACI() != "alice" || c.DeviceID() != 3 {
		t.Errorf("reopened as %s.%d", c.ACI(), c.DeviceID())
	}
	c.Close()

	if _, err := Open(WithDBPath(dbPath), WithLocalAddress("bob", 1)); err == nil {
		t.Fatal("expected error for a database of another account")
	}
}

func TestClientReconcile(t *testing.T) {
	c := openClient(t)
	ctx := context.Background()
	updates, unsubscribe := c.Subscribe(4)
	defer unsubscribe()

	out, err := c.Reconcile(ctx, joinEnvelope(777, "42.alpha", "alice", "bob"))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Kind != reconcile.Stored {
		t.Fatalf("outcome = %+v", out)
	}
	select {
	case id := <-updates:
		if id != out.GroupID {
			t.Errorf("notified %q, want %q", id, out.GroupID)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	groups, err := c.Groups()
	if err != nil || len(groups) != 1 {
		t.Fatalf("groups = %v, %v", groups, err)
	}
	if fid, _ := groups[0].FID.Get(); fid != 777 || groups[0].Mode != store.ModeJoinAccepted {
		t.Errorf("group = %+v", groups[0])
	}

	// Garbage is dropped, not reported.
	out, err = c.Reconcile(ctx, []byte{0xff, 0xff, 0xff})
	if err != nil || out.Kind != reconcile.NoOp {
		t.Errorf("garbage: %+v, %v", out, err)
	}
}

func TestClientSubscribeBeforeLoad(t *testing.T) {
	c := NewClient(
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithLocalAddress("alice", 1),
	)
	updates, unsubscribe := c.Subscribe(4)
	defer unsubscribe()
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	out, err := c.Reconcile(context.Background(), joinEnvelope(31, "31.early", "alice"))
	if err != nil || out.Kind != reconcile.Stored {
		t.Fatalf("Reconcile: %+v, %v", out, err)
	}
	select {
	case id := <-updates:
		if id != out.GroupID {
			t.Errorf("notified %q, want %q", id, out.GroupID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber registered before Load got no notification")
	}
}

func TestClientRenameEcho(t *testing.T) {
	ts := newTestServer(t)
	c := openClient(t, WithAPIURL(ts.srv.URL))
	ctx := context.Background()

	out, err := c.Reconcile(ctx, joinEnvelope(777, "42.alpha", "alice"))
	if err != nil {
		t.Fatal(err)
	}
	groupID := out.GroupID

	sentAt, err := c.Rename(ctx, groupID, "Beta")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	ts.mu.Lock()
	if len(ts.commands) != 1 {
		t.Errorf("commands = %d, want 1", len(ts.commands))
	}
	ts.mu.Unlock()

	msgs, err := c.History(groupID, 10)
	if err != nil {
		t.Fatal(err)
	}
	var placeholders int
	for _, m := range msgs {
		if m.Request {
			placeholders++
		}
	}
	if placeholders != 1 {
		t.Fatalf("placeholders = %d, want 1", placeholders)
	}

	echo := fence.Encode(fence.Envelope{
		Source:    "server",
		Timestamp: sentAt + 5,
		Command: fence.Command{
			Type:       fence.CommandRename,
			Arg:        fence.ArgAccepted,
			WhenClient: sentAt,
		},
		Group: &fence.GroupPayload{FID: fence.SomeFID(777), CName: "42.alpha", Title: "Beta"},
	})
	if _, err := c.Reconcile(ctx, echo); err != nil {
		t.Fatalf("Reconcile echo: %v", err)
	}
	g, err := c.GetGroup(groupID)
	if err != nil || g.Title != "Beta" {
		t.Fatalf("group = %+v, %v", g, err)
	}
	msgs, _ = c.History(groupID, 10)
	for _, m := range msgs {
		if m.Request {
			t.Errorf("placeholder %d still present", m.ID)
		}
	}
}

func TestClientSendToGroup(t *testing.T) {
	ts := newTestServer(t)
	c := openClient(t, WithAPIURL(ts.srv.URL), WithMetrics())
	ctx := context.Background()

	out, err := c.Reconcile(ctx, joinEnvelope(9, "9.team", "alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	results, err := c.SendToGroup(ctx, out.GroupID, []byte("hello team"))
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if len(results) != 1 || results[0].Recipient != "bob" || !results[0].OK() {
		t.Fatalf("results = %+v", results)
	}
	ts.mu.Lock()
	if len(ts.sends) != 1 || ts.sends[0] != "bob" || ts.batches != 1 {
		t.Errorf("sends = %v, batches = %d", ts.sends, ts.batches)
	}
	ts.mu.Unlock()

	if _, err := c.SendToGroup(ctx, "no-such-group", []byte("x")); err == nil {
		t.Error("expected error for an unknown group")
	}

	rec := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ufsrv_") {
		t.Errorf("metrics: %d %q", rec.Code, rec.Body.String())
	}
}

func TestDistributionIDStable(t *testing.T) {
	g := &Group{ID: "local-7"}
	if DistributionID(g) != DistributionID(&Group{ID: "local-7"}) {
		t.Fatal("distribution id not deterministic")
	}
	u := "0b6f7a5e-8f3c-4c1e-9a2d-3b4c5d6e7f80"
	if DistributionID(&Group{ID: u}).String() != u {
		t.Errorf("uuid group id not used as is")
	}
}

func TestClientListen(t *testing.T) {
	env := joinEnvelope(31, "31.pushed", "alice")
	acked := make(chan uint64, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("pipe opened without credentials")
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		err = wsjson.Write(ctx, ws, &signalws.Message{
			Type:    signalws.TypeRequest,
			Request: &signalws.Request{ID: 9, Verb: http.MethodPut, Path: signalservice.PathFence, Body: env},
		})
		if err != nil {
			return
		}
		for {
			var msg signalws.Message
			if err := wsjson.Read(ctx, ws, &msg); err != nil {
				return
			}
			if msg.Type == signalws.TypeResponse && msg.Response != nil {
				select {
				case acked <- msg.Response.ID:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	c := openClient(t, WithAPIURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Listen(ctx); err == nil {
		t.Fatal("Listen without a pipe should fail")
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	updates, unsubscribe := c.Subscribe(1)
	defer unsubscribe()

	listenCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Listen(listenCtx) }()

	select {
	case <-updates:
	case <-ctx.Done():
		t.Fatal("pushed envelope was not reconciled")
	}
	select {
	case id := <-acked:
		if id != 9 {
			t.Errorf("acked %d, want 9", id)
		}
	case <-ctx.Done():
		t.Fatal("request was not acknowledged")
	}
	stop()
	if err := <-done; err != nil {
		t.Errorf("Listen: %v", err)
	}
	if g, _ := c.store.GroupByFID(31); g == nil || g.CName != "31.pushed" {
		t.Errorf("group = %+v", g)
	}
}
