package svc

import (
	"time"

	"snaplink/pkg/domain"
)

const ExpiryNever = "never"

type ExpiryOption struct {
	Value    string        `json:"value"`
	Label    string        `json:"label"`
	Duration time.Duration `json:"-"`
	Seconds  int64         `json:"seconds"`
}

var expiryOptions = []ExpiryOption{
	{Value: ExpiryNever, Label: "Never"},
	{Value: "5min", Label: "5 minutes", Duration: 5 * time.Minute},
	{Value: "1hour", Label: "1 hour", Duration: time.Hour},
	{Value: "1day", Label: "1 day", Duration: 24 * time.Hour},
}

func init() {
	for i := range expiryOptions {
		expiryOptions[i].Seconds = int64(expiryOptions[i].Duration / time.Second)
	}
}

func ExpiryOptions() []ExpiryOption {
	out := make([]ExpiryOption, len(expiryOptions))
	copy(out, expiryOptions)
	return out
}

// ResolveExpiry maps a symbolic choice to an absolute time. An empty choice
// means never; anything outside the enumerated set is rejected.
func ResolveExpiry(choice string, now time.Time) (*time.Time, error) {
	if choice == "" || choice == ExpiryNever {
		return nil, nil
	}
	for _, o := range expiryOptions {
		if o.Value == choice {
			t := now.Add(o.Duration).UTC()
			return &t, nil
		}
	}
	return nil, domain.ErrInvalidExpiry
}

func ClampViews(n int) int {
	if n < domain.MinViews {
		return domain.MinViews
	}
	if n > domain.MaxViews {
		return domain.MaxViews
	}
	return n
}
