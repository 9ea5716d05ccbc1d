package util

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// URL-safe alphabet; 64 symbols so a byte masked to 6 bits maps without bias.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

const (
	IDLength   = 21
	maxRetries = 5
)

var ErrIDCollision = errors.New("id collision after 5 retries")

func NewID() (string, error) {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	for i := range buf {
		buf[i] = idAlphabet[buf[i]&63]
	}
	return string(buf), nil
}

// GenID draws ids until exists reports one unused. A nil exists accepts the
// first draw.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < maxRetries; retry++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return id, nil
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

// ValidID reports whether s has the shape of an id this service issues.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
