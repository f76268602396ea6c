package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Address identifies a peripheral. On Linux this is the colon separated MAC
// ("AA:BB:CC:DD:EE:01"); on macOS CoreBluetooth hands out a per-host UUID
// instead, so both forms are accepted.
type Address string

// macLen is the length of "AA:BB:CC:DD:EE:FF".
const macLen = 17

// ParseAddress validates and normalises a peripheral address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 0:
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	case macLen:
		if !isMAC(s) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return Address(strings.ToUpper(s)), nil
	case 36:
		id, err := uuid.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		return Address(strings.ToUpper(id.String())), nil
	default:
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidAddress, s, len(s))
	}
}

// MustParseAddress is like ParseAddress but panics on error. For tests and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return string(a) }

func isMAC(s string) bool {
	for i := 0; i < len(s); i++ {
		if i%3 == 2 {
			if s[i] != ':' {
				return false
			}
			continue
		}
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
