package domain

import "fmt"

// Outcome is the closed set of results a record operation resolves to.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeExpired
	OutcomeExhausted
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeExpired:
		return "expired"
	case OutcomeExhausted:
		return "max_views"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Err returns the transport error for a non-OK outcome and nil for OutcomeOK.
func (o Outcome) Err() error {
	switch o {
	case OutcomeOK:
		return nil
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeExpired:
		return ErrExpired
	case OutcomeExhausted:
		return ErrExhausted
	case OutcomeRateLimited:
		return ErrRateLimited
	default:
		return ErrInternal
	}
}

// ParseOutcome is the inverse of String for the terminal reasons stored in tombstones.
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "expired":
		return OutcomeExpired, true
	case "max_views":
		return OutcomeExhausted, true
	}
	return OutcomeNotFound, false
}
