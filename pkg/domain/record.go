package domain

import (
	"time"
)

const (
	MinViews = 1
	MaxViews = 100
	IDLength = 21
)

// Record is the stored form of a link. Ciphertext and WrappedKey never leave
// the storage layer in plaintext form and are removed once the record is terminal.
type Record struct {
	ID         string     `json:"id"`
	Ciphertext []byte     `json:"-"`
	WrappedKey []byte     `json:"-"`
	MaxViews   int        `json:"max_views"`
	ViewCount  int        `json:"view_count"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func (r *Record) Exhausted() bool {
	return r.ViewCount >= r.MaxViews
}

// Terminal reports the outcome a terminal record resolves to, or OutcomeOK
// while the record is still reachable. Expiry wins over exhaustion.
func (r *Record) Terminal(now time.Time) Outcome {
	if r.Expired(now) {
		return OutcomeExpired
	}
	if r.Exhausted() {
		return OutcomeExhausted
	}
	return OutcomeOK
}

func (r *Record) RemainingViews() int {
	if n := r.MaxViews - r.ViewCount; n > 0 {
		return n
	}
	return 0
}

type Meta struct {
	RemainingViews int        `json:"remainingViews"`
	MaxViews       int        `json:"maxViews"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

type MetaResult struct {
	Outcome Outcome
	Meta    Meta
}

// Consumed is what a backend hands back after a view has been charged.
// The payload is still sealed; decryption happens above the backend.
type Consumed struct {
	Outcome        Outcome
	Ciphertext     []byte
	WrappedKey     []byte
	RemainingViews int
	ExpiresAt      *time.Time
	Repeat         bool
}

type ConsumeResult struct {
	Outcome        Outcome    `json:"-"`
	Content        string     `json:"content"`
	RemainingViews int        `json:"remainingViews"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	Burned         bool       `json:"burned"`
}

type CreateParams struct {
	Content   string
	MaxViews  int
	ExpiresIn string
}

type CreateResult struct {
	ID        string     `json:"id"`
	MaxViews  int        `json:"maxViews"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Tombstone is the payload-free marker left behind by a terminal record.
type Tombstone struct {
	ID       string
	Reason   Outcome
	BurnedAt time.Time
}
