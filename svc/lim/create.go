package lim

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const adaptiveDuration = 60 * time.Second

// CreateLimiter is a per-identity token bucket for the create path. While
// adaptive mode is on, new buckets get half the normal rate.
type CreateLimiter struct {
	mu                sync.Mutex
	buckets           *lru.Cache[string, *rate.Limiter]
	rpm               int
	burst             int
	adaptiveModeUntil int64
	now               func() time.Time
}

func NewCreateLimiter(rpm, burst int) *CreateLimiter {
	buckets, err := lru.New[string, *rate.Limiter](maxTrackedKeys)
	if err != nil {
		panic(err)
	}
	return &CreateLimiter{
		buckets: buckets,
		rpm:     rpm,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *CreateLimiter) Allow(identity string) bool {
	return l.AllowAt(identity, l.now())
}

func (l *CreateLimiter) AllowAt(identity string, at time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(identity)
	if !ok {
		rpm, burst := l.rpm, l.burst
		if l.IsAdaptive() {
			rpm, burst = max(rpm/2, 1), max(burst/2, 1)
		}
		b = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		l.buckets.Add(identity, b)
	}
	l.mu.Unlock()
	return b.AllowN(at, 1)
}

func (l *CreateLimiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveDuration).Unix())
}

func (l *CreateLimiter) IsAdaptive() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
