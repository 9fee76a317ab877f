package signalservice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"testing"

	"github.com/google/uuid"
)

// lastData returns the data of the last content a device received.
func lastData(f *fakeServer, aci string, deviceID int) string {
	var out string
	dev := f.device(aci, deviceID)
	f.locked(func() {
		if n := len(dev.received); n > 0 {
			out = string(dev.received[n-1].Data)
		}
	})
	return out
}

func TestSendToGroup(t *testing.T) {
	f := newFakeServer(t)
	f.addDevice("bob", 1)
	f.addDevice("carol", 1)
	f.addDevice("carol", 2)
	svc, st := newTestService(t, f, nil)
	if err := st.SetDevices("carol", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	dist := uuid.New()

	results, err := svc.SendToGroup(ctx, dist, []string{"bob", "carol", "self", "bob"}, []byte("hi group"), 5000)
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if len(results) != 2 || results[0].Recipient != "bob" || results[1].Recipient != "carol" {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		if !r.OK() {
			t.Fatalf("%s failed: %v", r.Recipient, r.Err)
		}
	}
	if !slices.Equal(results[1].Success.Devices, []int{1, 2}) {
		t.Errorf("carol devices = %v", results[1].Success.Devices)
	}
	for _, addr := range []struct {
		aci string
		dev int
	}{{"bob", 1}, {"carol", 1}, {"carol", 2}} {
		if got := lastData(f, addr.aci, addr.dev); got != "hi group" {
			t.Errorf("%s.%d received %q", addr.aci, addr.dev, got)
		}
	}
	shared, _ := st.GetSenderKeySharedWith(dist)
	if !slices.Equal(shared, []string{"bob.1", "carol.1", "carol.2"}) {
		t.Errorf("shared with %v", shared)
	}
	f.locked(func() {
		if len(f.sends) != 2 || len(f.multi) != 1 {
			t.Fatalf("sends = %d, multi = %d", len(f.sends), len(f.multi))
		}
		if n := len(f.multi[0].Recipients); n != 2 {
			t.Errorf("batch recipients = %d, want 2", n)
		}
	})

	// Everyone holds the key now: only the batch goes out.
	if _, err := svc.SendToGroup(ctx, dist, []string{"bob", "carol"}, []byte("again"), 5001); err != nil {
		t.Fatalf("second SendToGroup: %v", err)
	}
	f.locked(func() {
		if len(f.sends) != 2 || len(f.multi) != 2 {
			t.Errorf("sends = %d, multi = %d", len(f.sends), len(f.multi))
		}
	})
	if got := lastData(f, "carol", 2); got != "again" {
		t.Errorf("carol.2 received %q", got)
	}
}

func TestSendToGroupDistributionFailure(t *testing.T) {
	f := newFakeServer(t)
	f.addDevice("bob", 1)
	svc, _ := newTestService(t, f, nil)

	results, err := svc.SendToGroup(context.Background(), uuid.New(), []string{"ghost", "bob"}, []byte("hi"), 1)
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if results[0].Recipient != "ghost" || results[0].Failure != FailureNetwork || !errors.Is(results[0].Err, ErrUnregistered) {
		t.Errorf("ghost result = %+v", results[0])
	}
	if !results[1].OK() {
		t.Errorf("bob result = %+v", results[1])
	}
	f.locked(func() {
		if len(f.multi) != 1 || len(f.multi[0].Recipients) != 1 || f.multi[0].Recipients[0].Destination != "bob" {
			t.Errorf("batch = %+v", f.multi)
		}
	})
}

func TestSendToGroupDeviceDrift(t *testing.T) {
	f := newFakeServer(t)
	f.addDevice("bob", 1)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()
	dist := uuid.New()

	if _, err := svc.SendToGroup(ctx, dist, []string{"bob"}, []byte("first"), 1); err != nil {
		t.Fatal(err)
	}

	// Bob links a second device. The batch is refused, the new device gets
	// the key and the batch is repeated.
	f.addDevice("bob", 2)
	results, err := svc.SendToGroup(ctx, dist, []string{"bob"}, []byte("second"), 2)
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if !results[0].OK() || !slices.Equal(results[0].Success.Devices, []int{1, 2}) {
		t.Fatalf("result = %+v", results[0])
	}
	if got := lastData(f, "bob", 2); got != "second" {
		t.Errorf("bob.2 received %q", got)
	}
	f.locked(func() {
		if len(f.multi) != 3 {
			t.Errorf("batches = %d, want 3", len(f.multi))
		}
	})
}

func TestSendToGroupRetryBound(t *testing.T) {
	f := newFakeServer(t)
	f.addDevice("bob", 1)
	stale := func(w http.ResponseWriter) bool {
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `[{"uuid":"bob","devices":{"staleDevices":[1]}}]`)
		return true
	}
	f.multiErr = []func(http.ResponseWriter) bool{stale, stale, stale, stale, stale}
	svc, _ := newTestService(t, f, nil)

	results, err := svc.SendToGroup(context.Background(), uuid.New(), []string{"bob"}, []byte("x"), 1)
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	var gStale *groupStaleDevicesError
	if results[0].Failure != FailureNetwork || !errors.As(results[0].Err, &gStale) {
		t.Fatalf("result = %+v", results[0])
	}
	f.locked(func() {
		if len(f.multi) != maxSendAttempts {
			t.Errorf("batches = %d, want %d", len(f.multi), maxSendAttempts)
		}
		// Each stale report archives the session, so the key is redistributed.
		if len(f.sends) != maxSendAttempts {
			t.Errorf("distributions = %d, want %d", len(f.sends), maxSendAttempts)
		}
	})
}

func TestSendToGroupRejectsLargeContent(t *testing.T) {
	f := newFakeServer(t)
	svc, _ := newTestService(t, f, func(c *ServiceConfig) { c.MaxEnvelopeSize = 1 })

	_, err := svc.SendToGroup(context.Background(), uuid.New(), []string{"bob"}, []byte("xy"), 1)
	var tooLarge *ContentTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v", err)
	}
}
