package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair is an Ed25519 signing key pair. Private holds the 32-byte seed.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random signing key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{}
	copy(keyPair.Public[:], pub)
	copy(keyPair.Private[:], priv.Seed())
	return keyPair, nil
}

// FromSecretKey rebuilds a key pair from its 32-byte seed.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(secretKey[:])
	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], priv.Public().(ed25519.PublicKey))
	return keyPair, nil
}

// Wipe clears the private seed.
func (kp *KeyPair) Wipe() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
