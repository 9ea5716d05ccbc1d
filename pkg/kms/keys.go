package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"snaplink/pkg/domain"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const DefaultMasterKeyName = "ENCRYPTION_KEY"

// ErrInvalidMasterKey is returned for both a missing and a malformed master key.
var ErrInvalidMasterKey = errors.WithMessage(domain.ErrConfiguration, "invalid master key")

// KeyManager holds the master key and wraps per-record data keys under it.
type KeyManager struct {
	mu     sync.RWMutex
	master []byte
}

// LoadMasterKey reads the operator secret called name from src and validates it.
func LoadMasterKey(ctx context.Context, src SecretSource, name string) (*KeyManager, error) {
	if src == nil {
		return nil, ErrInvalidMasterKey
	}
	if name == "" {
		name = DefaultMasterKeyName
	}
	raw, err := src.GetSecret(ctx, name)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	return NewKeyManager(raw)
}

// NewKeyManager parses a 64 character hex master key.
func NewKeyManager(raw string) (*KeyManager, error) {
	master, err := ParseMasterKey(raw)
	if err != nil {
		return nil, err
	}
	return &KeyManager{master: master}, nil
}

func ParseMasterKey(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 2*KeySize {
		return nil, ErrInvalidMasterKey
	}
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

// NewDataKey returns a fresh random 256-bit key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "read data key")
	}
	return key, nil
}

func (k *KeyManager) Wrap(dataKey []byte) ([]byte, error) {
	if len(dataKey) != KeySize {
		return nil, errors.Wrapf(domain.ErrCrypto, "data key must be %d bytes", KeySize)
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.master == nil {
		return nil, ErrInvalidMasterKey
	}
	return Seal(dataKey, k.master)
}

// Unwrap recovers a data key. A tag mismatch, a truncated blob or a payload of
// the wrong size all fail with domain.ErrCrypto.
func (k *KeyManager) Unwrap(blob []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.master == nil {
		return nil, ErrInvalidMasterKey
	}
	key, err := Open(blob, k.master)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		wipeBytes(key)
		return nil, errors.Wrap(domain.ErrCrypto, "unwrapped key has wrong size")
	}
	return key, nil
}

// DeriveKey derives an independent subkey from the master key for the given purpose.
func (k *KeyManager) DeriveKey(purpose string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.master == nil {
		return nil, ErrInvalidMasterKey
	}
	r := hkdf.New(sha256.New, k.master, nil, []byte("snaplink:"+purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return out, nil
}

func (k *KeyManager) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	wipeBytes(k.master)
	k.master = nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
