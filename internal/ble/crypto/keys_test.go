package crypto

import (
	"bytes"
	"testing"
)

func testKeySet() KeySet {
	return KeySet{
		Admin:  []byte("adminKeyForCrown"),
		Member: []byte("memberKeyForHome"),
		Guest:  []byte("guestKeyForGirls"),
	}
}

func TestKeySetValidate(t *testing.T) {
	if err := testKeySet().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	short := testKeySet()
	short.Member = []byte("short")
	if err := short.Validate(); err == nil {
		t.Error("Validate() should reject a short member key")
	}
}

func TestSessionChannelRoundTrip(t *testing.T) {
	keys := testKeySet()
	nonce := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}

	ours, err := keys.SessionChannel(LevelAdmin, nonce)
	if err != nil {
		t.Fatalf("SessionChannel() error = %v", err)
	}
	theirs, err := keys.SessionChannel(LevelAdmin, nonce)
	if err != nil {
		t.Fatalf("SessionChannel() error = %v", err)
	}

	sealed, err := ours.Seal([]byte{1})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(sealed) != 12+1+16 {
		t.Errorf("sealed length = %d, want %d", len(sealed), 12+1+16)
	}

	opened, err := theirs.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, []byte{1}) {
		t.Errorf("Open() = %v, want [1]", opened)
	}
}

func TestSessionChannelLevelsDiffer(t *testing.T) {
	keys := testKeySet()
	nonce := []byte{9, 9, 9}

	admin, err := keys.SessionChannel(LevelAdmin, nonce)
	if err != nil {
		t.Fatalf("SessionChannel(admin) error = %v", err)
	}
	guest, err := keys.SessionChannel(LevelGuest, nonce)
	if err != nil {
		t.Fatalf("SessionChannel(guest) error = %v", err)
	}

	sealed, err := admin.Seal([]byte("relay on"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := guest.Open(sealed); err == nil {
		t.Error("guest channel opened an admin payload")
	}
}

func TestChannelOpenShortPayload(t *testing.T) {
	ch, err := NewChannel(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewChannel() error = %v", err)
	}
	if _, err := ch.Open([]byte{1, 2, 3}); err == nil {
		t.Error("Open() should reject a truncated payload")
	}
}

func TestSessionChannelMissingKey(t *testing.T) {
	keys := testKeySet()
	keys.Guest = nil
	if _, err := keys.SessionChannel(LevelGuest, []byte{1}); err == nil {
		t.Error("SessionChannel() should fail without a guest key")
	}
}
