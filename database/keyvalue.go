package database

import (
	"fmt"
	"time"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/kuid"
)

// KeyValue is one value stored under a value ID by one originator.
//
// Several originators may publish under the same key; the database keeps
// one KeyValue per (Key, Creator) pair. A KeyValue with an empty Value
// removes the pair it addresses.
type KeyValue struct {
	Key         kuid.KUID
	Value       []byte
	Creator     kuid.KUID
	CreatorAddr string
	// Sender is the node that delivered the STORE. It equals Creator for
	// direct stores and differs for values cached or replicated by a third node.
	Sender        kuid.KUID
	PublicKey     []byte
	Signature     []byte
	Local         bool
	Created       time.Time
	LastPublished time.Time
	Locations     int
}

// NewLocalValue creates a value originated by the local node.
func NewLocalValue(key kuid.KUID, value []byte, local kuid.KUID, addr string, now time.Time) *KeyValue {
	return &KeyValue{
		Key:         key.WithKind(kuid.ValueID),
		Value:       value,
		Creator:     local,
		CreatorAddr: addr,
		Sender:      local,
		Local:       true,
		Created:     now,
	}
}

// IsEmpty reports whether the value is a removal marker.
func (kv *KeyValue) IsEmpty() bool { return len(kv.Value) == 0 }

// IsDirect reports whether the value was stored by its own creator.
func (kv *KeyValue) IsDirect() bool { return kv.Sender.Equal(kv.Creator) }

// IsSigned reports whether the value carries a public key and signature.
func (kv *KeyValue) IsSigned() bool {
	return len(kv.PublicKey) > 0 && len(kv.Signature) > 0
}

// SignedData returns the bytes covered by the signature.
func (kv *KeyValue) SignedData() []byte {
	data := make([]byte, 0, 2*kuid.Length+len(kv.Value))
	data = append(data, kv.Key.Bytes()...)
	data = append(data, kv.Creator.Bytes()...)
	data = append(data, kv.Value...)
	return data
}

// Sign attaches the key pair's public key and a signature over SignedData.
func (kv *KeyValue) Sign(kp *crypto.KeyPair) error {
	sig, err := crypto.Sign(kv.SignedData(), kp.Private)
	if err != nil {
		return fmt.Errorf("sign value %s: %w", kv.Key, err)
	}
	kv.PublicKey = append([]byte(nil), kp.Public[:]...)
	kv.Signature = append([]byte(nil), sig[:]...)
	return nil
}

// VerifyWith checks the signature against publicKey.
func (kv *KeyValue) VerifyWith(publicKey [32]byte) bool {
	sig, ok := crypto.SignatureFromBytes(kv.Signature)
	if !ok {
		return false
	}
	valid, err := crypto.Verify(kv.SignedData(), sig, publicKey)
	return err == nil && valid
}

// VerifyOwn checks the signature against the value's own public key.
func (kv *KeyValue) VerifyOwn() bool {
	pub, ok := crypto.PublicKeyFromBytes(kv.PublicKey)
	if !ok {
		return false
	}
	return kv.VerifyWith(pub)
}

// Clone returns a deep copy.
func (kv *KeyValue) Clone() *KeyValue {
	c := *kv
	c.Value = append([]byte(nil), kv.Value...)
	c.PublicKey = append([]byte(nil), kv.PublicKey...)
	c.Signature = append([]byte(nil), kv.Signature...)
	return &c
}

// String implements fmt.Stringer.
func (kv *KeyValue) String() string {
	return fmt.Sprintf("%s from %s (%d bytes, local=%v)", kv.Key.Hex(), kv.Creator.Hex(), len(kv.Value), kv.Local)
}
