package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChannel(t *testing.T, seed byte) *Channel {
	t.Helper()
	ch, err := NewChannel(bytes.Repeat([]byte{seed}, channelKeyLen))
	require.NoError(t, err)
	return ch
}

func TestChannelSealLayout(t *testing.T) {
	ch := testChannel(t, 1)
	plaintext := []byte("relay on")

	a, err := ch.Seal(plaintext)
	require.NoError(t, err)
	b, err := ch.Seal(plaintext)
	require.NoError(t, err)

	assert.Len(t, a, 12+len(plaintext)+16)
	assert.NotEqual(t, a[:12], b[:12], "every payload gets a fresh iv")
	assert.NotEqual(t, a, b)

	for _, sealed := range [][]byte{a, b} {
		opened, err := ch.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestChannelEmptyPayload(t *testing.T) {
	ch := testChannel(t, 2)
	sealed, err := ch.Seal(nil)
	require.NoError(t, err)
	assert.Len(t, sealed, 12+16)

	opened, err := ch.Open(sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestChannelOpenRejectsTampering(t *testing.T) {
	ch := testChannel(t, 3)
	sealed, err := ch.Seal([]byte("set dimmer 40"))
	require.NoError(t, err)

	for name, at := range map[string]int{
		"iv":         0,
		"ciphertext": 12,
		"tag":        len(sealed) - 1,
	} {
		t.Run(name, func(t *testing.T) {
			bad := bytes.Clone(sealed)
			bad[at] ^= 0x80
			_, err := ch.Open(bad)
			assert.ErrorIs(t, err, ErrOpen)
		})
	}

	_, err = testChannel(t, 4).Open(sealed)
	assert.ErrorIs(t, err, ErrOpen, "wrong key")
}

func TestChannelOpenLeavesInputIntact(t *testing.T) {
	ch := testChannel(t, 5)
	sealed, err := ch.Seal([]byte{1, 2, 3})
	require.NoError(t, err)
	before := bytes.Clone(sealed)

	_, err = ch.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, before, sealed)
}

func TestNewChannelKeyLength(t *testing.T) {
	_, err := NewChannel(make([]byte, KeyLength))
	assert.Error(t, err)
}

func TestSessionKeyDependsOnNonce(t *testing.T) {
	key := []byte("adminKeyForCrown")

	k1, err := deriveSessionKey(key, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	k2, err := deriveSessionKey(key, []byte{5, 4, 3, 2, 1})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	again, err := deriveSessionKey(key, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	_, err = deriveSessionKey(key, nil)
	assert.Error(t, err)
}
