package kms

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"snaplink/pkg/domain"

	"github.com/pkg/errors"
)

func mustDataKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewDataKey()
	if err != nil {
		t.Fatalf("NewDataKey failed: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustDataKey(t)
	sizes := []int{0, 1, 100000}
	for _, n := range sizes {
		plaintext := bytes.Repeat([]byte{'x'}, n)
		blob, err := Seal(plaintext, key)
		if err != nil {
			t.Fatalf("Seal(%d bytes) failed: %v", n, err)
		}
		if len(blob) != n+Overhead {
			t.Errorf("blob length = %d, want %d", len(blob), n+Overhead)
		}
		got, err := Open(blob, key)
		if err != nil {
			t.Fatalf("Open(%d bytes) failed: %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d bytes", n)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key := mustDataKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		blob, err := Seal([]byte("same"), key)
		if err != nil {
			t.Fatal(err)
		}
		nonce := string(blob[:NonceSize])
		if seen[nonce] {
			t.Fatalf("nonce reused after %d seals", i)
		}
		seen[nonce] = true
	}
}

func TestOpenRejectsBitFlips(t *testing.T) {
	key := mustDataKey(t)
	blob, err := Seal([]byte("burn after reading"), key)
	if err != nil {
		t.Fatal(err)
	}
	for pos := 0; pos < len(blob)*8; pos += 3 {
		tampered := append([]byte(nil), blob...)
		tampered[pos/8] ^= 1 << (pos % 8)
		got, err := Open(tampered, key)
		if err == nil {
			t.Fatalf("bit flip at %d: Open succeeded", pos)
		}
		if !errors.Is(err, domain.ErrCrypto) {
			t.Fatalf("bit flip at %d: error %v is not ErrCrypto", pos, err)
		}
		if got != nil {
			t.Fatalf("bit flip at %d: plaintext surfaced", pos)
		}
	}
}

func TestOpenRejectsShortAndWrongKey(t *testing.T) {
	key := mustDataKey(t)
	if _, err := Open(make([]byte, Overhead-1), key); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("short blob: got %v, want ErrCrypto", err)
	}
	blob, _ := Seal([]byte("x"), key)
	if _, err := Open(blob, mustDataKey(t)); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("wrong key: got %v, want ErrCrypto", err)
	}
	if _, err := Seal([]byte("x"), key[:16]); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("short key: got %v, want ErrCrypto", err)
	}
}

// The stored layout is iv‖tag‖ct; a standard GCM open of iv, ct‖tag must agree.
func TestBlobLayoutMatchesStandardGCM(t *testing.T) {
	key := mustDataKey(t)
	plaintext := []byte("layout check")
	blob, err := Seal(plaintext, key)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	iv := blob[:NonceSize]
	tag := blob[NonceSize:Overhead]
	ct := blob[Overhead:]
	got, err := gcm.Open(nil, iv, append(append([]byte(nil), ct...), tag...), nil)
	if err != nil {
		t.Fatalf("standard GCM open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestFingerprint(t *testing.T) {
	key := mustDataKey(t)
	blob, _ := Seal([]byte("fingerprinted"), key)
	fp := Fingerprint(blob)
	if len(fp) != 16 || fp != Fingerprint(append([]byte(nil), blob...)) {
		t.Errorf("fingerprint %q not stable", fp)
	}
	blob[len(blob)-1] ^= 1
	if Fingerprint(blob) == fp {
		t.Error("fingerprint ignores content")
	}
}
