package crypto

import "fmt"

// KeyLength is the size of each access-level key.
const KeyLength = 16

// Level selects which access-level key a session runs under.
type Level int

const (
	LevelAdmin Level = iota
	LevelMember
	LevelGuest
)

func (l Level) String() string {
	switch l {
	case LevelAdmin:
		return "admin"
	case LevelMember:
		return "member"
	case LevelGuest:
		return "guest"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// KeySet holds the three access-level secrets installed on a peripheral.
type KeySet struct {
	Admin  []byte
	Member []byte
	Guest  []byte
}

// Validate checks every key is exactly KeyLength bytes.
func (k KeySet) Validate() error {
	for _, e := range []struct {
		name string
		key  []byte
	}{
		{"admin", k.Admin},
		{"member", k.Member},
		{"guest", k.Guest},
	} {
		if len(e.key) != KeyLength {
			return fmt.Errorf("ble/crypto: %s key must be %d bytes, got %d", e.name, KeyLength, len(e.key))
		}
	}
	return nil
}

// Key returns the secret for level l.
func (k KeySet) Key(l Level) ([]byte, error) {
	switch l {
	case LevelAdmin:
		return k.Admin, nil
	case LevelMember:
		return k.Member, nil
	case LevelGuest:
		return k.Guest, nil
	default:
		return nil, fmt.Errorf("ble/crypto: unknown level %d", int(l))
	}
}

// SessionChannel derives the channel for one connection from the key of
// level l and the nonce the peripheral handed out.
func (k KeySet) SessionChannel(l Level, nonce []byte) (*Channel, error) {
	key, err := k.Key(l)
	if err != nil {
		return nil, err
	}
	if len(key) != KeyLength {
		return nil, fmt.Errorf("ble/crypto: %s key not set", l)
	}
	derived, err := deriveSessionKey(key, nonce)
	if err != nil {
		return nil, err
	}
	return NewChannel(derived)
}
