package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// ErrEmptyMessage is returned when signing or verifying an empty message.
var ErrEmptyMessage = errors.New("empty message")

// Sign creates an Ed25519 signature for a message using the private seed.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, ErrEmptyMessage
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, ErrEmptyMessage
	}
	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}

// SignatureFromBytes converts a wire signature into a Signature.
func SignatureFromBytes(b []byte) (Signature, bool) {
	var s Signature
	if len(b) != SignatureSize {
		return s, false
	}
	copy(s[:], b)
	return s, true
}

// PublicKeyFromBytes converts a wire public key into a fixed array.
func PublicKeyFromBytes(b []byte) ([32]byte, bool) {
	var k [32]byte
	if len(b) != ed25519.PublicKeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}
