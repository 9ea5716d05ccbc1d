package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
)

const identityPrefix = "hmac-sha256:"

var (
	ErrHasherStopped = errors.New("identity hasher stopped")
	ErrShortHashKey  = errors.New("identity key must be at least 32 bytes")
)

// IdentityHasher maps raw client addresses to stable opaque identities.
// The key never rotates: the view ledger compares identities across the
// whole lifetime of a record.
type IdentityHasher struct {
	mu      sync.RWMutex
	key     []byte
	stopped bool
}

func NewIdentityHasher(key []byte) (*IdentityHasher, error) {
	if len(key) < 32 {
		return nil, ErrShortHashKey
	}
	h := &IdentityHasher{key: make([]byte, len(key))}
	copy(h.key, key)
	return h, nil
}

func (h *IdentityHasher) Hash(raw string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return identityPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

func (h *IdentityHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	Wipe(h.key)
	h.key = nil
}
