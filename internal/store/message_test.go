package store

import (
	"testing"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
)

func TestMessageRequestLookup(t *testing.T) {
	s := tempStore(t)
	req := &Message{GroupID: "g", Direction: Outbound, Command: fence.CommandRename, Arg: fence.ArgUpdated, SentAt: 1234, Request: true}
	if _, err := s.InsertMessage(req); err != nil {
		t.Fatal(err)
	}
	// A non-request entry with the same timestamp is never matched.
	if _, err := s.InsertMessage(&Message{GroupID: "g", SentAt: 1234}); err != nil {
		t.Fatal(err)
	}

	got, err := s.RequestBySentAt("g", 1234)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != req.ID || !got.Request {
		t.Fatalf("got %+v, want id %d", got, req.ID)
	}
	if got, _ := s.RequestBySentAt("g", 999); got != nil {
		t.Fatalf("unexpected match %+v", got)
	}

	if err := s.DeleteMessage(req.ID); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Messages("g", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Request {
		t.Fatalf("messages after delete: %+v", msgs)
	}
}

func TestMessagesLimitKeepsNewest(t *testing.T) {
	s := tempStore(t)
	for i := range 5 {
		if _, err := s.InsertMessage(&Message{GroupID: "g", SentAt: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.Messages("g", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].SentAt != 3 || msgs[1].SentAt != 4 {
		t.Fatalf("got %+v", msgs)
	}
	if err := s.DeleteGroupMessages("g"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.Messages("g", 0); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}
