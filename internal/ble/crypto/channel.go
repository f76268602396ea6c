package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	setupInfo   = "bluenet-setup"
	sessionInfo = "bluenet-session"

	channelKeyLen = 32
)

// ErrOpen is returned when a sealed payload is truncated or fails
// authentication.
var ErrOpen = errors.New("ble/crypto: cannot open payload")

// Channel seals and opens payloads for one connection. Sealed payloads are
// iv || ciphertext || tag with a random 12-byte iv and a 16-byte tag.
type Channel struct {
	aead cipher.AEAD
}

// NewChannel creates a channel over a 32-byte derived key.
func NewChannel(key []byte) (*Channel, error) {
	if len(key) != channelKeyLen {
		return nil, fmt.Errorf("ble/crypto: channel key must be %d bytes, got %d", channelKeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return &Channel{aead: aead}, nil
}

// Seal encrypts plaintext into a fresh buffer.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	out := make([]byte, n, n+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("ble/crypto: random iv: %w", err)
	}
	return c.aead.Seal(out, out[:n], plaintext, nil), nil
}

// Open decrypts a payload produced by Seal on the other side. sealed is not
// modified.
func (c *Channel) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes is shorter than iv and tag", ErrOpen, len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return plaintext, nil
}

// deriveSessionKey binds a long-lived key to the nonce a peripheral hands
// out for one connection.
func deriveSessionKey(key, nonce []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, errors.New("ble/crypto: empty session nonce")
	}
	return derive(key, nonce, sessionInfo)
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, channelKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}
