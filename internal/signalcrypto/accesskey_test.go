package signalcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDeriveAccessKey(t *testing.T) {
	// Known-answer vectors for access key derivation.
	tests := []struct {
		profileKey string
		accessKey  string
	}{
		{
			profileKey: "b95042a2c2d9e5b3bb09300ee408a172facd96e91b504e043a5a023dc4cff359",
			accessKey:  "24fb96d4a5e333e9d4451205b9e2faed",
		},
		{
			profileKey: "26197b17e5a2c36d8c9518c35358f123c476000db6da7565c0d41f6674462c4d",
			accessKey:  "e895c30cf780757d22f7a179708b14a1",
		},
	}

	for _, tt := range tests {
		pk, _ := hex.DecodeString(tt.profileKey)

		result, err := DeriveAccessKey(pk)
		if err != nil {
			t.Fatalf("DeriveAccessKey: %v", err)
		}

		if hex.EncodeToString(result) != tt.accessKey {
			t.Errorf("DeriveAccessKey mismatch:\ngot:  %x\nwant: %s", result, tt.accessKey)
		}
	}
}

func TestDeriveAccessKey_InvalidLength(t *testing.T) {
	_, err := DeriveAccessKey([]byte("too short"))
	if err == nil {
		t.Error("expected error for invalid profile key length")
	}
}

func TestCombineAccessKeys(t *testing.T) {
	a := bytes.Repeat([]byte{0x0f}, AccessKeySize)
	b := bytes.Repeat([]byte{0xf1}, AccessKeySize)
	got, err := CombineAccessKeys(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xfe}, AccessKeySize)) {
		t.Fatalf("got %x", got)
	}
	if _, err := CombineAccessKeys(a, []byte{1}); err == nil {
		t.Fatal("expected error for short key")
	}
}
