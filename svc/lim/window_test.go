package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snaplink/cfg"
	"snaplink/pkg/domain"
	"snaplink/svc/db"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func openSQLiteCounter(t *testing.T) *SQLiteCounter {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "lim.db"), db.PoolOptions{})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteCounter(s.DB())
}

func counters(t *testing.T) map[string]Counter {
	out := map[string]Counter{
		"memory": NewMemoryCounter(0),
		"sqlite": openSQLiteCounter(t),
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		rdb, err := db.NewRedis(&cfg.Cfg{RedisURL: url, RedisTimeout: 2 * time.Second})
		if err != nil {
			t.Fatalf("NewRedis failed: %v", err)
		}
		t.Cleanup(func() { rdb.Close() })
		out["redis"] = NewRedisCounter(rdb)
	}
	return out
}

func TestWindowThirtyThenBlockThenReset(t *testing.T) {
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			w := NewWindow(c, 30, time.Minute).WithClock(clock.Now)
			ctx := context.Background()
			identity := "hmac-sha256:" + name + time.Now().Format(time.RFC3339Nano)
			for i := 1; i <= 30; i++ {
				ok, err := w.TryConsume(ctx, identity)
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					t.Fatalf("call %d rejected", i)
				}
			}
			ok, err := w.TryConsume(ctx, identity)
			if err != nil || ok {
				t.Fatalf("31st call: allowed=%v err=%v", ok, err)
			}
			clock.Advance(time.Minute + time.Millisecond)
			d, err := w.Check(ctx, identity)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Allowed || d.Count != 1 {
				t.Errorf("after window: allowed=%v count=%d, want true/1", d.Allowed, d.Count)
			}
		})
	}
}

func TestWindowRejectedCallsDoNotConsumeBudget(t *testing.T) {
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			w := NewWindow(c, 2, time.Minute).WithClock(clock.Now)
			ctx := context.Background()
			id := "rollback-" + name + time.Now().Format(time.RFC3339Nano)
			w.TryConsume(ctx, id)
			w.TryConsume(ctx, id)
			for i := 0; i < 5; i++ {
				d, err := w.Check(ctx, id)
				if err != nil {
					t.Fatal(err)
				}
				if d.Allowed || d.Count != 2 {
					t.Fatalf("rejected call %d: allowed=%v count=%d", i, d.Allowed, d.Count)
				}
			}
		})
	}
}

func TestWindowIdentitiesAreIndependent(t *testing.T) {
	w := NewWindow(NewMemoryCounter(0), 1, time.Minute)
	ctx := context.Background()
	if ok, _ := w.TryConsume(ctx, "a"); !ok {
		t.Fatal("a rejected")
	}
	if ok, _ := w.TryConsume(ctx, "b"); !ok {
		t.Fatal("b rejected")
	}
	if ok, _ := w.TryConsume(ctx, "a"); ok {
		t.Fatal("second a allowed")
	}
}

func TestWindowConcurrentSameIdentity(t *testing.T) {
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			w := NewWindow(c, 30, time.Minute)
			id := "concurrent-" + name + time.Now().Format(time.RFC3339Nano)
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := w.TryConsume(context.Background(), id)
					if err != nil {
						t.Error(err)
						return
					}
					if ok {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := allowed.Load(); got != 30 {
				t.Errorf("allowed = %d, want 30", got)
			}
		})
	}
}

type brokenCounter struct{}

func (brokenCounter) Step(context.Context, string, time.Time, time.Duration, int) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}
func (brokenCounter) Name() string { return "broken" }

func TestWindowFallback(t *testing.T) {
	w := NewWindow(brokenCounter{}, 5, time.Minute)
	if _, err := w.TryConsume(context.Background(), "x"); !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("got %v, want ErrBackendUnavailable", err)
	}
	w.WithFallback(NewMemoryCounter(10))
	ok, err := w.TryConsume(context.Background(), "x")
	if err != nil || !ok {
		t.Errorf("fallback: allowed=%v err=%v", ok, err)
	}
}

func TestMemoryCounterEvictsOldest(t *testing.T) {
	c := NewMemoryCounter(2)
	now := time.Now()
	for _, k := range []string{"a", "b", "c"} {
		c.Step(context.Background(), k, now, time.Minute, 10)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestSQLiteCounterPurge(t *testing.T) {
	c := openSQLiteCounter(t)
	now := time.Now()
	c.Step(context.Background(), "old", now.Add(-time.Hour), time.Minute, 10)
	c.Step(context.Background(), "new", now, time.Minute, 10)
	n, err := c.Purge(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
}

func TestCreateLimiterBurst(t *testing.T) {
	l := NewCreateLimiter(60, 3)
	at := time.Now()
	for i := 0; i < 3; i++ {
		if !l.AllowAt("ip", at) {
			t.Fatalf("call %d rejected", i)
		}
	}
	if l.AllowAt("ip", at) {
		t.Error("burst exceeded")
	}
	if !l.AllowAt("ip", at.Add(time.Second)) {
		t.Error("token not refilled after 1s at 60 rpm")
	}
	if !l.AllowAt("other", at) {
		t.Error("separate identity rejected")
	}
}

func TestCreateLimiterAdaptiveMode(t *testing.T) {
	l := NewCreateLimiter(60, 4)
	l.TriggerAdaptiveMode()
	if !l.IsAdaptive() {
		t.Fatal("adaptive mode not active")
	}
	at := time.Now()
	allowed := 0
	for i := 0; i < 4; i++ {
		if l.AllowAt("fresh", at) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d in adaptive mode, want 2", allowed)
	}
}

func TestAnomalyDetectorTriggers(t *testing.T) {
	var fired atomic.Bool
	d := NewAnomalyDetector(func() { fired.Store(true) })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	if rate := d.AdvanceWindow(); rate != 25 {
		t.Errorf("error rate = %v, want 25", rate)
	}
	if !fired.Load() {
		t.Error("anomaly callback not fired")
	}
	d.Stop()
	d.Stop()
}

func TestViewerIdentity(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"first forwarded entry", "203.0.113.7, 10.0.0.1", "", "10.0.0.2:1234", "203.0.113.7"},
		{"real ip header", "", "198.51.100.4", "10.0.0.2:1234", "198.51.100.4"},
		{"peer address", "", "", "192.0.2.9:5555", "192.0.2.9"},
		{"peer without port", "", "", "192.0.2.9", "192.0.2.9"},
		{"empty forwarded entry", " , 10.0.0.1", "", "192.0.2.9:1", "192.0.2.9"},
		{"nothing", "", "", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/links/x", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ViewerIdentity(r); got != tt.want {
				t.Errorf("ViewerIdentity = %q, want %q", got, tt.want)
			}
		})
	}
}
