package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.False(t, isZeroKey(keyPair.Public), "public key should not be all zeros")
	assert.False(t, isZeroKey(keyPair.Private), "private key should not be all zeros")

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, keyPair.Public, other.Public)
}

func TestFromSecretKey(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(keyPair.Private)
	require.NoError(t, err)
	assert.Equal(t, keyPair.Public, restored.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	testCases := []struct {
		name      string
		message   []byte
		expectErr bool
	}{
		{"Normal message", []byte("Test message to sign"), false},
		{"Empty message", []byte{}, true},
		{"Binary data", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}, false},
		{"Long message", bytes.Repeat([]byte("A"), 1024), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			signature, err := Sign(tc.message, keyPair.Private)
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrEmptyMessage)
				return
			}
			require.NoError(t, err)

			valid, err := Verify(tc.message, signature, keyPair.Public)
			require.NoError(t, err)
			assert.True(t, valid)

			tampered := append([]byte(nil), tc.message...)
			tampered[0] ^= 0xFF
			valid, _ = Verify(tampered, signature, keyPair.Public)
			assert.False(t, valid, "verification should fail with tampered message")
		})
	}
}

func TestKeyPairWipe(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	keyPair.Wipe()
	assert.True(t, isZeroKey(keyPair.Private))
}

func TestTokenProvider(t *testing.T) {
	tp, err := NewTokenProvider()
	require.NoError(t, err)

	nodeID := bytes.Repeat([]byte{0xAB}, 20)
	token := tp.Token(nodeID, "10.0.0.1:4000")
	assert.Len(t, token, TokenSize)

	t.Run("accepts issued token", func(t *testing.T) {
		assert.True(t, tp.Verify(token, nodeID, "10.0.0.1:4000"))
	})

	t.Run("rejects other address", func(t *testing.T) {
		assert.False(t, tp.Verify(token, nodeID, "10.0.0.2:4000"))
	})

	t.Run("rejects other node", func(t *testing.T) {
		assert.False(t, tp.Verify(token, bytes.Repeat([]byte{0x01}, 20), "10.0.0.1:4000"))
	})

	t.Run("survives one rotation", func(t *testing.T) {
		require.NoError(t, tp.Rotate())
		assert.True(t, tp.Verify(token, nodeID, "10.0.0.1:4000"))

		require.NoError(t, tp.Rotate())
		assert.False(t, tp.Verify(token, nodeID, "10.0.0.1:4000"))
	})

	t.Run("rejects malformed token", func(t *testing.T) {
		assert.False(t, tp.Verify([]byte{1, 2, 3}, nodeID, "10.0.0.1:4000"))
	})
}
