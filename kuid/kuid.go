// Package kuid implements the 160-bit Kademlia unique identifier used for
// node identities, value keys and message tags.
//
// A KUID is a value type; every operation that changes bits returns a new
// KUID and leaves the receiver untouched.
package kuid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"

	"github.com/opd-ai/mojito/dhterr"
)

const (
	// Length is the size of a KUID in bytes.
	Length = 20

	// Bits is the size of a KUID in bits.
	Bits = Length * 8
)

// Kind tags what a KUID identifies.
type Kind uint8

const (
	Unknown Kind = iota
	NodeID
	ValueID
	MessageID
)

// String returns a human readable name of the kind.
func (k Kind) String() string {
	switch k {
	case NodeID:
		return "NODE_ID"
	case ValueID:
		return "VALUE_ID"
	case MessageID:
		return "MESSAGE_ID"
	default:
		return "UNKNOWN_ID"
	}
}

// KUID is an immutable 160-bit identifier tagged with a Kind.
type KUID struct {
	kind Kind
	id   [Length]byte
}

var (
	// MinNodeID is the all-zero node ID.
	MinNodeID = KUID{kind: NodeID}

	// MaxNodeID is the all-ones node ID.
	MaxNodeID = KUID{kind: NodeID, id: maxBytes()}
)

func maxBytes() [Length]byte {
	var b [Length]byte
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// New creates a KUID of the given kind from a 20-byte buffer.
func New(kind Kind, b []byte) (KUID, error) {
	if len(b) != Length {
		return KUID{}, fmt.Errorf("%w: got %d bytes, want %d", dhterr.ErrInvalidIdentifier, len(b), Length)
	}
	k := KUID{kind: kind}
	copy(k.id[:], b)
	return k, nil
}

// MustNew is like New but panics on a wrong-length buffer.
func MustNew(kind Kind, b []byte) KUID {
	k, err := New(kind, b)
	if err != nil {
		panic(err)
	}
	return k
}

// FromArray creates a KUID from a fixed-size array.
func FromArray(kind Kind, b [Length]byte) KUID {
	return KUID{kind: kind, id: b}
}

// FromHex parses a 40 character hex string.
func FromHex(kind Kind, s string) (KUID, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return KUID{}, fmt.Errorf("%w: %v", dhterr.ErrInvalidIdentifier, err)
	}
	return New(kind, b)
}

// Random returns a cryptographically random KUID of the given kind.
func Random(kind Kind) KUID {
	k := KUID{kind: kind}
	if _, err := rand.Read(k.id[:]); err != nil {
		panic(fmt.Sprintf("kuid: random source failed: %v", err))
	}
	return k
}

// RandomNodeID returns a random node identifier.
func RandomNodeID() KUID {
	return Random(NodeID)
}

// ValueIDFromBytes derives a value identifier as the SHA1 digest of content.
func ValueIDFromBytes(content []byte) KUID {
	return KUID{kind: ValueID, id: sha1.Sum(content)}
}

// PrefixRandom returns a node ID that shares the first depth bits with
// prefix and has every following bit randomized.
func PrefixRandom(prefix KUID, depth int) KUID {
	r := Random(NodeID)
	if depth <= 0 {
		return r
	}
	if depth >= Bits {
		return prefix.WithKind(NodeID)
	}

	full := depth / 8
	copy(r.id[:full], prefix.id[:full])
	if rem := depth % 8; rem != 0 {
		mask := byte(0xFF << (8 - rem))
		r.id[full] = (prefix.id[full] & mask) | (r.id[full] &^ mask)
	}
	return r
}

// Kind returns the kind tag.
func (k KUID) Kind() Kind { return k.kind }

// WithKind returns a copy of k with a different kind tag.
func (k KUID) WithKind(kind Kind) KUID {
	k.kind = kind
	return k
}

// Bytes returns a copy of the raw identifier.
func (k KUID) Bytes() []byte {
	b := make([]byte, Length)
	copy(b, k.id[:])
	return b
}

// Array returns the raw identifier as an array.
func (k KUID) Array() [Length]byte { return k.id }

// Hex returns the upper-case hex encoding of the identifier.
func (k KUID) Hex() string {
	return strings.ToUpper(hex.EncodeToString(k.id[:]))
}

// String implements fmt.Stringer.
func (k KUID) String() string { return k.Hex() }

// Equal reports whether both identifiers have the same bytes. The kind is
// not compared.
func (k KUID) Equal(other KUID) bool { return k.id == other.id }

// IsZero reports whether every bit is clear.
func (k KUID) IsZero() bool { return k.id == [Length]byte{} }

// Compare orders identifiers by unsigned lexicographic byte order.
func (k KUID) Compare(other KUID) int {
	return bytes.Compare(k.id[:], other.id[:])
}

// Xor returns the XOR distance between k and other. The result keeps the
// kind when both operands share it and is Unknown otherwise.
func (k KUID) Xor(other KUID) KUID {
	kind := Unknown
	if k.kind == other.kind {
		kind = k.kind
	}
	r := KUID{kind: kind}
	for i := range r.id {
		r.id[i] = k.id[i] ^ other.id[i]
	}
	return r
}

// BitAt returns bit i where bit 0 is the most significant bit.
func (k KUID) BitAt(i int) bool {
	return k.id[i/8]&(0x80>>(i%8)) != 0
}

// WithBitSet returns a copy with bit i set.
func (k KUID) WithBitSet(i int) KUID {
	k.id[i/8] |= 0x80 >> (i % 8)
	return k
}

// WithBitCleared returns a copy with bit i cleared.
func (k KUID) WithBitCleared(i int) KUID {
	k.id[i/8] &^= 0x80 >> (i % 8)
	return k
}

// WithBitFlipped returns a copy with bit i inverted.
func (k KUID) WithBitFlipped(i int) KUID {
	k.id[i/8] ^= 0x80 >> (i % 8)
	return k
}

// CommonPrefixLen returns the number of leading bits k and other share.
func (k KUID) CommonPrefixLen(other KUID) int {
	for i := 0; i < Length; i++ {
		if x := k.id[i] ^ other.id[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// IsNearer reports whether k is strictly closer to target than other,
// comparing XOR distances as unsigned 160-bit magnitudes.
func (k KUID) IsNearer(other, target KUID) bool {
	return CompareDistance(k, other, target) < 0
}

// CompareDistance compares the XOR distances of a and b to target. It
// returns -1 when a is nearer, 1 when b is nearer and 0 when they are equal.
func CompareDistance(a, b, target KUID) int {
	for i := 0; i < Length; i++ {
		da := a.id[i] ^ target.id[i]
		db := b.id[i] ^ target.id[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
