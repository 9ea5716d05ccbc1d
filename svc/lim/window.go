package lim

import (
	"context"
	"time"

	"snaplink/pkg/domain"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

const viewKeyPrefix = "view:"

// Counter performs one atomic fixed-window step for key: reset when now is
// past the stored window end, increment otherwise. A step that lands above
// limit is rolled back so rejected calls never consume budget.
type Counter interface {
	Step(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error)
	Name() string
}

type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// Window is a fixed, non-sliding window limiter keyed by viewer identity.
type Window struct {
	primary  Counter
	fallback Counter
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewWindow(primary Counter, limit int, window time.Duration) *Window {
	return &Window{
		primary: primary,
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// WithFallback sets a counter used when the primary one fails.
func (w *Window) WithFallback(c Counter) *Window {
	w.fallback = c
	return w
}

func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

func (w *Window) Limit() int            { return w.limit }
func (w *Window) Period() time.Duration { return w.window }
func (w *Window) Backend() string       { return w.primary.Name() }

// TryConsume charges one request to identity and reports whether it fits.
func (w *Window) TryConsume(ctx context.Context, identity string) (bool, error) {
	d, err := w.Check(ctx, identity)
	return d.Allowed, err
}

func (w *Window) Check(ctx context.Context, identity string) (Decision, error) {
	key := viewKeyPrefix + identity
	now := w.now()
	d, err := w.primary.Step(ctx, key, now, w.window, w.limit)
	if err == nil {
		return d, nil
	}
	if w.fallback == nil {
		return Decision{}, errors.WithMessage(domain.ErrBackendUnavailable, "rate limit: "+err.Error())
	}
	util.Warn().Err(err).Str("counter", w.primary.Name()).Msg("rate limit counter unavailable, using local fallback")
	d, err = w.fallback.Step(ctx, key, now, w.window, w.limit)
	if err != nil {
		return Decision{}, errors.WithMessage(domain.ErrBackendUnavailable, "rate limit fallback: "+err.Error())
	}
	return d, nil
}
