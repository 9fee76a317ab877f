package history

import (
	"path/filepath"
	"testing"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

func tempAdapter(t *testing.T) (*Adapter, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil), st
}

func TestStoreReturnsPositiveID(t *testing.T) {
	a, st := tempAdapter(t)
	id, err := a.Store(Correlation{SentAt: 10, ServerAt: 11}, Entry{GroupID: "g", Command: fence.CommandJoin, Arg: fence.ArgAccepted, Body: "joined"}, store.Inbound)
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Fatalf("id: got %d", id)
	}
	msgs, _ := st.Messages("g", 0)
	if len(msgs) != 1 || msgs[0].Body != "joined" || msgs[0].ServerAt != 11 {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestPurgeEcho(t *testing.T) {
	a, st := tempAdapter(t)
	if _, err := a.StoreRequest(500, Entry{GroupID: "g", Command: fence.CommandRename, Arg: fence.ArgUpdated}); err != nil {
		t.Fatal(err)
	}

	purged, err := a.PurgeEcho("g", 501)
	if err != nil || purged {
		t.Fatalf("wrong timestamp: purged=%v err=%v", purged, err)
	}
	purged, err = a.PurgeEcho("other", 500)
	if err != nil || purged {
		t.Fatalf("other group: purged=%v err=%v", purged, err)
	}
	purged, err = a.PurgeEcho("g", 500)
	if err != nil || !purged {
		t.Fatalf("matching timestamp: purged=%v err=%v", purged, err)
	}
	// The second purge finds nothing and is still not an error.
	purged, err = a.PurgeEcho("g", 500)
	if err != nil || purged {
		t.Fatalf("repeat: purged=%v err=%v", purged, err)
	}
	if msgs, _ := st.Messages("g", 0); len(msgs) != 0 {
		t.Fatalf("history should be empty: %+v", msgs)
	}
}

func TestPurgeEchoIgnoresZero(t *testing.T) {
	a, _ := tempAdapter(t)
	if _, err := a.StoreRequest(0, Entry{GroupID: "g"}); err != nil {
		t.Fatal(err)
	}
	if purged, _ := a.PurgeEcho("g", 0); purged {
		t.Fatal("zero timestamp must never match")
	}
}
