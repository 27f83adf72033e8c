package kuid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mojito/dhterr"
)

func mustHex(t *testing.T, s string) KUID {
	t.Helper()
	k, err := FromHex(NodeID, s)
	require.NoError(t, err)
	return k
}

func TestNewRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 19, 21, 32} {
		_, err := New(NodeID, make([]byte, n))
		assert.True(t, errors.Is(err, dhterr.ErrInvalidIdentifier), "length %d", n)
	}

	assert.Panics(t, func() { MustNew(NodeID, []byte{1, 2, 3}) })
}

func TestXorProperties(t *testing.T) {
	for i := 0; i < 50; i++ {
		a := RandomNodeID()
		b := RandomNodeID()

		assert.True(t, a.Xor(b).Equal(b.Xor(a)))
		assert.True(t, a.Xor(a).IsZero())
		assert.True(t, a.Xor(b).Xor(b).Equal(a))
	}
}

func TestXorKind(t *testing.T) {
	a := RandomNodeID()
	b := RandomNodeID()
	v := ValueIDFromBytes([]byte("hello"))

	assert.Equal(t, NodeID, a.Xor(b).Kind())
	assert.Equal(t, Unknown, a.Xor(v).Kind())
}

func TestIsNearerUnsigned(t *testing.T) {
	target := MinNodeID
	high := mustHex(t, "8000000000000000000000000000000000000000")
	low := mustHex(t, "0100000000000000000000000000000000000000")

	// A signed comparison would treat 0x80 as negative and get this backwards.
	assert.True(t, low.IsNearer(high, target))
	assert.False(t, high.IsNearer(low, target))
	assert.False(t, low.IsNearer(low, target))
}

func TestIsNearerIsStrictTotalOrder(t *testing.T) {
	target := RandomNodeID()
	ids := make([]KUID, 30)
	for i := range ids {
		ids[i] = RandomNodeID()
	}

	for _, a := range ids {
		for _, b := range ids {
			da := a.Xor(target)
			db := b.Xor(target)
			want := da.Compare(db) < 0
			assert.Equal(t, want, a.IsNearer(b, target))
			if !a.Equal(b) {
				assert.NotEqual(t, a.IsNearer(b, target), b.IsNearer(a, target))
			}
		}
	}
}

func TestBitOperationsCopyOnWrite(t *testing.T) {
	k := MinNodeID

	set := k.WithBitSet(0)
	assert.True(t, set.BitAt(0))
	assert.False(t, k.BitAt(0), "receiver must not change")
	assert.Equal(t, "8000000000000000000000000000000000000000", set.Hex())

	set = set.WithBitSet(159)
	assert.True(t, set.BitAt(159))

	cleared := set.WithBitCleared(0)
	assert.False(t, cleared.BitAt(0))
	assert.True(t, set.BitAt(0))

	flipped := cleared.WithBitFlipped(7)
	assert.True(t, flipped.BitAt(7))
}

func TestCompareUnsigned(t *testing.T) {
	a := mustHex(t, "FF00000000000000000000000000000000000000")
	b := mustHex(t, "7F00000000000000000000000000000000000000")

	assert.Equal(t, 1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestPrefixRandom(t *testing.T) {
	prefix := RandomNodeID()

	for _, depth := range []int{0, 1, 7, 8, 13, 80, 159, 160} {
		r := PrefixRandom(prefix, depth)
		assert.GreaterOrEqual(t, prefix.CommonPrefixLen(r), depth, "depth %d", depth)
		assert.Equal(t, NodeID, r.Kind())
	}
}

func TestCommonPrefixLen(t *testing.T) {
	a := MinNodeID
	assert.Equal(t, Bits, a.CommonPrefixLen(a))
	assert.Equal(t, 0, a.CommonPrefixLen(MaxNodeID))
	assert.Equal(t, 12, a.CommonPrefixLen(a.WithBitSet(12)))
}

func TestValueID(t *testing.T) {
	v := ValueIDFromBytes([]byte("abc"))
	assert.Equal(t, ValueID, v.Kind())
	assert.Equal(t, "A9993E364706816ABA3E25717850C26C9CD0D89D", v.Hex())
}

func TestHexRoundTrip(t *testing.T) {
	k := RandomNodeID()
	parsed, err := FromHex(NodeID, k.Hex())
	require.NoError(t, err)
	assert.True(t, k.Equal(parsed))

	_, err = FromHex(NodeID, "zz")
	assert.ErrorIs(t, err, dhterr.ErrInvalidIdentifier)
}
