package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"snaplink/pkg/domain"

	"github.com/pkg/errors"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = NonceSize + TagSize
)

// Seal encrypts plaintext under key with AES-256-GCM and returns nonce‖tag‖ciphertext.
// This is the layout browsers decrypt with Web Crypto after reordering the tag.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, Overhead+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Open verifies and decrypts a blob produced by Seal. Any failure returns
// domain.ErrCrypto and no plaintext.
func Open(blob, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < Overhead {
		return nil, errors.Wrap(domain.ErrCrypto, "blob too short")
	}
	nonce := blob[:NonceSize]
	tag := blob[NonceSize:Overhead]
	ct := blob[Overhead:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCrypto, "open blob")
	}
	return plaintext, nil
}

// Fingerprint names a blob in logs without revealing it.
func Fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:8])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(domain.ErrCrypto, "key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCrypto, err.Error())
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCrypto, err.Error())
	}
	return aead, nil
}
