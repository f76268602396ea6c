package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeBothSidesAgree(t *testing.T) {
	central, err := NewHandshake()
	require.NoError(t, err)
	peripheral, err := NewHandshake()
	require.NoError(t, err)

	ours, err := central.Channel(peripheral.PublicKey())
	require.NoError(t, err)
	theirs, err := peripheral.Channel(central.PublicKey())
	require.NoError(t, err)

	sealed, err := theirs.Seal([]byte("write admin key"))
	require.NoError(t, err)
	opened, err := ours.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("write admin key"), opened)
}

func TestHandshakeFreshKeys(t *testing.T) {
	a, err := NewHandshake()
	require.NoError(t, err)
	b, err := NewHandshake()
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey(), b.PublicKey())

	peer, err := NewHandshake()
	require.NoError(t, err)
	chA, err := a.Channel(peer.PublicKey())
	require.NoError(t, err)
	chB, err := b.Channel(peer.PublicKey())
	require.NoError(t, err)

	sealed, err := chA.Seal([]byte{1})
	require.NoError(t, err)
	_, err = chB.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen, "a different handshake must not share the channel")
}

func TestCompressRoundTrip(t *testing.T) {
	for range 16 {
		hs, err := NewHandshake()
		require.NoError(t, err)
		pub := hs.priv.PublicKey()

		c := hs.PublicKey()
		require.Len(t, c, compressedLen)
		raw := pub.Bytes()
		assert.Equal(t, byte(0x02|raw[len(raw)-1]&1), c[0], "prefix carries the parity of y")

		back, err := decompress(c)
		require.NoError(t, err)
		assert.True(t, pub.Equal(back))
	}
}

func TestHandshakeRejectsBadPeerKey(t *testing.T) {
	hs, err := NewHandshake()
	require.NoError(t, err)
	good := hs.PublicKey()

	badPrefix := bytes.Clone(good)
	badPrefix[0] = 0x04

	// x above the field prime.
	offCurve := append([]byte{0x02}, bytes.Repeat([]byte{0xff}, 32)...)

	for name, peer := range map[string][]byte{
		"empty":        nil,
		"truncated":    good[:32],
		"uncompressed": append(bytes.Clone(good), make([]byte, 32)...),
		"bad prefix":   badPrefix,
		"not a point":  offCurve,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := hs.Channel(peer)
			assert.Error(t, err)
		})
	}
}
