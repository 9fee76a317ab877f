package fence

import (
	"errors"
	"slices"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeFullCommand(t *testing.T) {
	desc := "weekend plans"
	maxMembers := uint32(50)
	timer := uint64(3600)
	mode := DeliveryBroadcast
	env := Envelope{
		Source:          "alice",
		SourceDevice:    2,
		Timestamp:       1000,
		ServerTimestamp: 1010,
		Command: Command{
			Type:       CommandRename,
			Arg:        ArgAccepted,
			When:       1005,
			WhenClient: 999,
			EID:        17,
			Originator: &User{UID: "alice", Device: 2},
		},
		Group: &GroupPayload{
			FID:          SomeFID(777),
			CName:        "42.alpha",
			Title:        "Alpha",
			Description:  &desc,
			MaxMembers:   &maxMembers,
			DeliveryMode: &mode,
			ExpiryTimer:  &timer,
			Owner:        &User{UID: "alice"},
			Members:      []string{"alice", "bob"},
			Invited:      []string{"carol"},
			LinkJoin:     []string{"dave"},
			Banned:       []string{"eve"},
			Permissions:  []Permission{{Type: PermissionMembership, Users: []string{"alice"}}},
			Avatar:       &AttachmentPointer{ID: "att-1", Key: []byte{1, 2}, Digest: []byte{3}, Size: 42},
		},
	}

	got, err := Decode(Encode(env))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command.Type != CommandRename || got.Command.Arg != ArgAccepted {
		t.Fatalf("key: got %s/%s", got.Command.Type, got.Command.Arg)
	}
	if got.Command.WhenClient != 999 || got.Command.EID != 17 {
		t.Errorf("header: got whenClient=%d eid=%d", got.Command.WhenClient, got.Command.EID)
	}
	if got.Command.Originator == nil || got.Command.Originator.UID != "alice" || got.Command.Originator.Device != 2 {
		t.Errorf("originator: got %+v", got.Command.Originator)
	}
	g := got.Group
	if g == nil {
		t.Fatal("group payload missing")
	}
	if fid, ok := g.FID.Get(); !ok || fid != 777 {
		t.Errorf("fid: got %v", g.FID)
	}
	if g.CName != "42.alpha" || g.Title != "Alpha" {
		t.Errorf("names: got %q %q", g.CName, g.Title)
	}
	if g.Description == nil || *g.Description != desc {
		t.Errorf("description: got %v", g.Description)
	}
	if g.MaxMembers == nil || *g.MaxMembers != 50 {
		t.Errorf("max members: got %v", g.MaxMembers)
	}
	if g.DeliveryMode == nil || *g.DeliveryMode != DeliveryBroadcast {
		t.Errorf("delivery mode: got %v", g.DeliveryMode)
	}
	if g.PrivacyMode != nil {
		t.Errorf("privacy mode should be absent, got %v", *g.PrivacyMode)
	}
	if !slices.Equal(g.Members, []string{"alice", "bob"}) || !slices.Equal(g.Banned, []string{"eve"}) {
		t.Errorf("members: got %v banned %v", g.Members, g.Banned)
	}
	if users := g.PermissionUsers(PermissionMembership); !slices.Equal(users, []string{"alice"}) {
		t.Errorf("permission users: got %v", users)
	}
	if g.Avatar == nil || g.Avatar.ID != "att-1" || g.Avatar.Size != 42 {
		t.Errorf("avatar: got %+v", g.Avatar)
	}
}

func TestDecodeUnassignedFID(t *testing.T) {
	env := Envelope{
		Command: Command{Type: CommandJoin, Arg: ArgInvited},
		Group:   &GroupPayload{CName: "42.alpha"},
	}
	got, err := Decode(Encode(env))
	if err != nil {
		t.Fatal(err)
	}
	if got.Group.FID.Valid() {
		t.Fatalf("fid should be unassigned, got %v", got.Group.FID)
	}
}

func TestDecodeUsesFirstFence(t *testing.T) {
	cmd := EncodeCommand(Command{Type: CommandState, Arg: ArgSynced}, &GroupPayload{CName: "first"})
	second := encodeFence(&GroupPayload{CName: "second"})
	cmd = appendMessage(cmd, cmdFences, second)

	var raw []byte
	raw = appendMessage(raw, envCommand, cmd)

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Group.CName != "first" {
		t.Fatalf("cname: got %q, want first", got.Group.CName)
	}
}

func TestDecodeRejects(t *testing.T) {
	noHeader := appendMessage(nil, envCommand, appendMessage(nil, cmdFences, encodeFence(&GroupPayload{CName: "x"})))
	noFence := appendMessage(nil, envCommand, EncodeCommand(Command{Type: CommandJoin, Arg: ArgAccepted}, nil))
	noType := appendMessage(nil, envCommand, EncodeCommand(Command{Arg: ArgAccepted}, &GroupPayload{CName: "x"}))

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"no command", appendString(nil, envSource, "alice")},
		{"no header", noHeader},
		{"group command without fence", noFence},
		{"no command type", noType},
		{"truncated", Encode(Envelope{Command: Command{Type: CommandJoin, Arg: ArgAccepted}, Group: &GroupPayload{CName: "x"}})[:5]},
		{"garbage", []byte{0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("got %v, want ErrRejected", err)
			}
			var re *RejectError
			if !errors.As(err, &re) || re.Reason == "" {
				t.Fatalf("expected *RejectError with reason, got %#v", err)
			}
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	raw := Encode(Envelope{
		Command: Command{Type: CommandState, Arg: ArgSynced},
		Group:   &GroupPayload{CName: "42.alpha", FID: SomeFID(9)},
	})
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendString(raw, "future")
	raw = protowire.AppendTag(raw, 100, protowire.Fixed64Type)
	raw = protowire.AppendFixed64(raw, 7)

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Group.CName != "42.alpha" {
		t.Fatalf("cname: got %q", got.Group.CName)
	}
}

func TestDecodeNonGroupCommandWithoutFence(t *testing.T) {
	raw := appendMessage(nil, envCommand, EncodeCommand(Command{Type: CommandType(200), Arg: ArgAdded}, nil))
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Group != nil {
		t.Fatal("group should be nil")
	}
}

func TestFIDScanValue(t *testing.T) {
	var f FID
	if err := f.Scan(nil); err != nil || f.Valid() {
		t.Fatalf("scan nil: %v %v", f, err)
	}
	if err := f.Scan(int64(12)); err != nil {
		t.Fatal(err)
	}
	if v, ok := f.Get(); !ok || v != 12 {
		t.Fatalf("scan 12: got %v", f)
	}
	if err := f.Scan("12"); err == nil {
		t.Fatal("expected error scanning string")
	}
	v, err := FID{}.Value()
	if err != nil || v != nil {
		t.Fatalf("value of unassigned: %v %v", v, err)
	}
}

func TestCommandStrings(t *testing.T) {
	if CommandInviteDeleted.String() != "INVITE_DELETED" {
		t.Errorf("got %s", CommandInviteDeleted)
	}
	if Arg(99).String() != "ARG(99)" {
		t.Errorf("got %s", Arg(99))
	}
	if ErrorWrongKey.String() != "WRONG_KEY" {
		t.Errorf("got %s", ErrorWrongKey)
	}
}
