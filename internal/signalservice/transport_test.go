package signalservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestTransportGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s, want GET", r.Method)
		}
		if r.URL.Path != "/v2/keys/bob/1" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("header not forwarded")
		}
		w.Write([]byte(`{"identityKey":"aWQ=","devices":[{"deviceId":1,"registrationId":77}]}`))
	}))
	defer srv.Close()

	transport := NewTransport(srv.URL+"/", nil, nil)
	var got PreKeyResponse
	if err := transport.GetJSON(context.Background(), "/v2/keys/bob/1", http.Header{"X-Test": {"yes"}}, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.IdentityKey != "aWQ=" || len(got.Devices) != 1 || got.Devices[0].RegistrationID != 77 {
		t.Errorf("got %+v", got)
	}
}

func TestTransportAbsoluteURL(t *testing.T) {
	var hit atomic.Bool
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(r.URL.Path == "/upload/x")
	}))
	defer other.Close()

	transport := NewTransport("http://127.0.0.1:1", nil, nil)
	resp, err := transport.Request(context.Background(), http.MethodPut, other.URL+"/upload/x", nil, []byte("blob"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.status != http.StatusOK || !hit.Load() {
		t.Errorf("status = %d, hit = %v", resp.status, hit.Load())
	}
}

func TestTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewTransport(url, nil, nil).Request(context.Background(), http.MethodGet, "/", nil, nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if Classify(err) != FailureNetwork {
		t.Errorf("classified as %s", Classify(err))
	}
}

func TestStatusError(t *testing.T) {
	mk := func(status int, body string) *response {
		return &response{status: status, header: http.Header{}, body: []byte(body)}
	}

	if err := statusError(mk(204, ""), nil, nil); err != nil {
		t.Errorf("204: %v", err)
	}
	if err := statusError(mk(403, ""), nil, nil); !errors.Is(err, ErrAuthorization) {
		t.Errorf("403: %v", err)
	}

	err := statusError(mk(409, `{"missingDevices":[3],"extraDevices":[2]}`), decodeMismatched, decodeStale)
	var m *mismatchedDevicesError
	if !errors.As(err, &m) || !slices.Equal(m.MissingDevices, []int{3}) || !slices.Equal(m.ExtraDevices, []int{2}) {
		t.Errorf("409: %v", err)
	}

	err = statusError(mk(410, `[{"uuid":"bob","devices":{"staleDevices":[1,2]}}]`), decodeGroupMismatched, decodeGroupStale)
	var gs *groupStaleDevicesError
	if !errors.As(err, &gs) || gs.Entries[0].UUID != "bob" || !slices.Equal(gs.Entries[0].Devices.StaleDevices, []int{1, 2}) {
		t.Errorf("group 410: %v", err)
	}

	// Without a decoder a conflict is a plain rejection.
	var sr *ServerRejectedError
	if err := statusError(mk(409, "conflict"), nil, nil); !errors.As(err, &sr) || sr.Body != "conflict" {
		t.Errorf("409 without decoder: %v", err)
	}

	rl := mk(429, "")
	rl.header.Set("Retry-After", "30")
	var rle *RateLimitedError
	if err := statusError(rl, nil, nil); !errors.As(err, &rle) || rle.RetryAfter != 30*time.Second {
		t.Errorf("429: %v", err)
	}
}

func TestRecipientLimiter(t *testing.T) {
	if l := newRecipientLimiter(0, 1); l != nil {
		t.Fatal("zero rate should disable pacing")
	}
	var nilLimiter *recipientLimiter
	if err := nilLimiter.Wait(context.Background(), "bob"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}

	l := newRecipientLimiter(0.001, 1)
	ctx := context.Background()
	if err := l.Wait(ctx, "bob"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// A different recipient has its own bucket.
	if err := l.Wait(ctx, "carol"); err != nil {
		t.Fatalf("carol: %v", err)
	}
	// Bob's bucket is empty for the next ~1000s.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "bob"); err == nil {
		t.Fatal("second wait for bob should fail")
	}
}

func TestTLSConfig(t *testing.T) {
	if cfg, err := TLSConfig(""); cfg != nil || err != nil {
		t.Fatalf("empty path: %v, %v", cfg, err)
	}
	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := TLSConfig(bad); err == nil {
		t.Fatal("expected error for a file without certificates")
	}
}
