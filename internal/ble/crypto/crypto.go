// Package crypto provides the encryption collaborator for bluenet sessions:
// the admin/member/guest key set, the ECDH P-256 setup-key handshake over
// compressed public keys, and an AES-256-GCM channel that seals command
// payloads.
package crypto

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
)

// compressedLen is the size of a SEC1 compressed P-256 point.
const compressedLen = 33

// Handshake is our side of the setup-key exchange. Each setup uses a fresh
// one.
type Handshake struct {
	priv *ecdh.PrivateKey
}

// NewHandshake generates an ephemeral P-256 key.
func NewHandshake() (*Handshake, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return &Handshake{priv: priv}, nil
}

// PublicKey returns our key in the compressed form peripherals exchange.
func (h *Handshake) PublicKey() []byte {
	return compress(h.priv.PublicKey())
}

// Channel completes the exchange with the peer's compressed key and returns
// the channel protecting the rest of setup. Both sides arrive at the same
// channel.
func (h *Handshake) Channel(peer []byte) (*Channel, error) {
	pub, err := decompress(peer)
	if err != nil {
		return nil, err
	}
	shared, err := h.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	key, err := derive(shared, nil, setupInfo)
	if err != nil {
		return nil, err
	}
	return NewChannel(key)
}

// compress turns the uncompressed encoding (0x04 || x || y) into
// (0x02 | parity(y)) || x.
func compress(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes()
	out := make([]byte, compressedLen)
	out[0] = 0x02 | raw[len(raw)-1]&1
	copy(out[1:], raw[1:compressedLen])
	return out
}

func decompress(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != compressedLen {
		return nil, fmt.Errorf("ble/crypto: compressed key must be %d bytes, got %d", compressedLen, len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("ble/crypto: invalid compression prefix 0x%02x", data[0])
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
	if x == nil {
		return nil, fmt.Errorf("ble/crypto: key is not on P-256")
	}
	raw := make([]byte, 1+2*(compressedLen-1))
	raw[0] = 0x04
	x.FillBytes(raw[1:compressedLen])
	y.FillBytes(raw[compressedLen:])
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}
