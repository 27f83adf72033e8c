package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// TokenSize is the length of a security token in bytes.
const TokenSize = 16

// TokenProvider issues and checks security tokens bound to a remote node's
// identity and address. Tokens stay valid across one key rotation.
type TokenProvider struct {
	mu      sync.RWMutex
	current [32]byte
	prev    [32]byte
	hasPrev bool
}

// NewTokenProvider creates a provider with a fresh random key.
func NewTokenProvider() (*TokenProvider, error) {
	tp := &TokenProvider{}
	if _, err := rand.Read(tp.current[:]); err != nil {
		return nil, err
	}
	return tp, nil
}

// Token returns the token for the given node ID and address.
func (tp *TokenProvider) Token(nodeID []byte, addr string) []byte {
	tp.mu.RLock()
	key := tp.current
	tp.mu.RUnlock()
	return mac(key, nodeID, addr)
}

// Verify reports whether token was issued to nodeID at addr by the current
// or the previous key.
func (tp *TokenProvider) Verify(token, nodeID []byte, addr string) bool {
	if len(token) != TokenSize {
		return false
	}

	tp.mu.RLock()
	current, prev, hasPrev := tp.current, tp.prev, tp.hasPrev
	tp.mu.RUnlock()

	if subtle.ConstantTimeCompare(token, mac(current, nodeID, addr)) == 1 {
		return true
	}
	return hasPrev && subtle.ConstantTimeCompare(token, mac(prev, nodeID, addr)) == 1
}

// Rotate replaces the key. Tokens from the replaced key remain valid until
// the next rotation.
func (tp *TokenProvider) Rotate() error {
	var next [32]byte
	if _, err := rand.Read(next[:]); err != nil {
		return err
	}

	tp.mu.Lock()
	tp.prev = tp.current
	tp.hasPrev = true
	tp.current = next
	tp.mu.Unlock()

	NewLogger("TokenProvider.Rotate").Debug("Rotated security token key")
	return nil
}

func mac(key [32]byte, nodeID []byte, addr string) []byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	h.Write(nodeID)
	h.Write([]byte(addr))
	return h.Sum(nil)[:TokenSize]
}
