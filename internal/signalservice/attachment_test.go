package signalservice

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/signalcrypto"
)

func TestAttachmentRoundTrip(t *testing.T) {
	f := newFakeServer(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte("avatar"), 100)

	ptr, err := svc.UploadAttachment(ctx, data, "image/png")
	if err != nil {
		t.Fatalf("UploadAttachment: %v", err)
	}
	if ptr.ID != "blob1" || ptr.Size != uint64(len(data)) || ptr.ContentType != "image/png" {
		t.Fatalf("pointer = %+v", ptr)
	}
	if len(ptr.Key) != signalcrypto.AttachmentKeySize || len(ptr.Digest) != 32 {
		t.Fatalf("key %d bytes, digest %d bytes", len(ptr.Key), len(ptr.Digest))
	}
	f.locked(func() {
		if bytes.Contains(f.blobs["blob1"], data[:12]) {
			t.Error("uploaded blob contains plaintext")
		}
	})

	got, err := svc.DownloadAttachment(ctx, ptr)
	if err != nil {
		t.Fatalf("DownloadAttachment: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded data differs")
	}
}

func TestDownloadAttachmentDigestMismatch(t *testing.T) {
	f := newFakeServer(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()

	ptr, err := svc.UploadAttachment(ctx, []byte("some attachment body"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	f.locked(func() { f.corrupt = true })
	if _, err := svc.DownloadAttachment(ctx, ptr); !errors.Is(err, signalcrypto.ErrDigestMismatch) {
		t.Fatalf("err = %v, want digest mismatch", err)
	}
}

func TestDownloadAttachmentRejectsBadPointer(t *testing.T) {
	f := newFakeServer(t)
	svc, _ := newTestService(t, f, nil)

	for _, ptr := range []*fence.AttachmentPointer{nil, {ID: "x", Key: []byte{1, 2}}} {
		if _, err := svc.DownloadAttachment(context.Background(), ptr); err == nil {
			t.Errorf("pointer %+v: expected error", ptr)
		}
	}
}

func TestSendCommand(t *testing.T) {
	f := newFakeServer(t)
	svc, _ := newTestService(t, f, nil)

	if err := svc.SendCommand(context.Background(), []byte{0x0a, 0x01, 0x02}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	f.locked(func() {
		if len(f.commands) != 1 || !bytes.Equal(f.commands[0], []byte{0x0a, 0x01, 0x02}) {
			t.Errorf("commands = %x", f.commands)
		}
	})
}
