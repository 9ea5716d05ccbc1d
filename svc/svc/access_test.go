package svc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snaplink/pkg/domain"
	"snaplink/pkg/kms"
	"snaplink/svc/db"
	"snaplink/svc/lim"
	"snaplink/svc/util"

	"golang.org/x/sync/errgroup"
)

const testMasterHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	access *Access
	store  db.Store
	clock  *clock
	keys   *kms.KeyManager
}

func newHarness(t *testing.T, store db.Store, viewLimit int) *harness {
	t.Helper()
	return newHarnessWithCounter(t, store, lim.NewMemoryCounter(0), viewLimit)
}

func newHarnessWithCounter(t *testing.T, store db.Store, counter lim.Counter, viewLimit int) *harness {
	t.Helper()
	keys, err := kms.NewKeyManager(testMasterHex)
	if err != nil {
		t.Fatal(err)
	}
	idKey, err := keys.DeriveKey("viewer-identity")
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := util.NewIdentityHasher(idKey)
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	window := lim.NewWindow(counter, viewLimit, time.Minute).WithClock(c.Now)
	return &harness{
		access: NewAccess(NewRecords(store, keys), window, hasher, Options{Now: c.Now}),
		store:  store,
		clock:  c,
		keys:   keys,
	}
}

func backends(t *testing.T) map[string]func() db.Store {
	return map[string]func() db.Store{
		"memory": func() db.Store { return db.NewMemory() },
		"sqlite": func() db.Store {
			s, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"), db.PoolOptions{AcquireTimeout: time.Minute})
			if err != nil {
				t.Fatalf("NewSQLite failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestSingleViewEndToEnd(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(), 30)
			ctx := context.Background()
			created, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "secret", MaxViews: 1, ExpiresIn: "never"})
			if err != nil {
				t.Fatal(err)
			}
			if created.ExpiresAt != nil || created.MaxViews != 1 || len(created.ID) != util.IDLength {
				t.Errorf("created = %+v", created)
			}
			got, err := h.access.ConsumeRecord(ctx, created.ID, "203.0.113.1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Outcome != domain.OutcomeOK || got.Content != "secret" || got.RemainingViews != 0 || !got.Burned {
				t.Errorf("first consume = %+v", got)
			}
			for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
				again, err := h.access.ConsumeRecord(ctx, created.ID, ip)
				if err != nil {
					t.Fatal(err)
				}
				if again.Outcome != domain.OutcomeExhausted || again.Content != "" {
					t.Errorf("%s: second consume = %+v", ip, again)
				}
			}
			meta, _ := h.access.GetRecordMeta(ctx, created.ID)
			if meta.Outcome != domain.OutcomeExhausted {
				t.Errorf("meta outcome = %v", meta.Outcome)
			}
		})
	}
}

func TestThreeViewersEndToEnd(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(), 30)
			ctx := context.Background()
			created, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "shared", MaxViews: 3})
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 3; i++ {
				got, err := h.access.ConsumeRecord(ctx, created.ID, fmt.Sprintf("10.0.0.%d", i))
				if err != nil {
					t.Fatal(err)
				}
				if got.Content != "shared" || got.RemainingViews != 2-i {
					t.Errorf("viewer %d: %+v", i, got)
				}
			}
			fourth, _ := h.access.ConsumeRecord(ctx, created.ID, "10.0.0.9")
			if fourth.Outcome != domain.OutcomeExhausted {
				t.Errorf("fourth = %v", fourth.Outcome)
			}
		})
	}
}

func TestRepeatViewerDoesNotBurnView(t *testing.T) {
	h := newHarness(t, db.NewMemory(), 30)
	ctx := context.Background()
	created, _ := h.access.CreateRecord(ctx, domain.CreateParams{Content: "reload me", MaxViews: 2})
	first, _ := h.access.ConsumeRecord(ctx, created.ID, "198.51.100.3")
	second, _ := h.access.ConsumeRecord(ctx, created.ID, "198.51.100.3")
	if first.Content != second.Content || first.RemainingViews != 1 || second.RemainingViews != 1 {
		t.Errorf("first=%+v second=%+v", first, second)
	}
	if second.Burned {
		t.Error("repeat view reported burned")
	}
	meta, _ := h.access.GetRecordMeta(ctx, created.ID)
	if meta.Meta.RemainingViews != 1 {
		t.Errorf("remaining = %d", meta.Meta.RemainingViews)
	}
}

func TestExpiryEndToEnd(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(), 30)
			ctx := context.Background()
			created, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "brief", MaxViews: 5, ExpiresIn: "5min"})
			if err != nil {
				t.Fatal(err)
			}
			want := h.clock.Now().Add(5 * time.Minute)
			if created.ExpiresAt == nil || !created.ExpiresAt.Equal(want) {
				t.Errorf("expiresAt = %v, want %v", created.ExpiresAt, want)
			}
			h.clock.Advance(5 * time.Minute)
			meta, _ := h.access.GetRecordMeta(ctx, created.ID)
			if meta.Outcome != domain.OutcomeExpired {
				t.Errorf("meta = %v", meta.Outcome)
			}
			got, _ := h.access.ConsumeRecord(ctx, created.ID, "1.2.3.4")
			if got.Outcome != domain.OutcomeExpired || got.Content != "" {
				t.Errorf("consume = %+v", got)
			}
			if ok, _ := h.store.Exists(ctx, created.ID); ok {
				t.Error("expired record still stored")
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, db.NewMemory(), 30)
	ctx := context.Background()
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{Content: ""}, domain.ErrContentRequired},
		{"whitespace", domain.CreateParams{Content: " \n\t "}, domain.ErrContentRequired},
		{"too long", domain.CreateParams{Content: strings.Repeat("a", 100001)}, domain.ErrContentTooLong},
		{"too long in utf16 units", domain.CreateParams{Content: strings.Repeat("😀", 50001)}, domain.ErrContentTooLong},
		{"unknown expiry", domain.CreateParams{Content: "x", ExpiresIn: "1week"}, domain.ErrInvalidExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.access.CreateRecord(ctx, tt.params); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: strings.Repeat("a", 100000)}); err != nil {
		t.Fatalf("max length rejected: %v", err)
	}
}

func TestCreateClampsAndTrims(t *testing.T) {
	h := newHarness(t, db.NewMemory(), 30)
	ctx := context.Background()
	for in, want := range map[int]int{0: 1, -5: 1, 1: 1, 100: 100, 1000: 100} {
		res, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "x", MaxViews: in})
		if err != nil {
			t.Fatal(err)
		}
		if res.MaxViews != want {
			t.Errorf("maxViews %d clamped to %d, want %d", in, res.MaxViews, want)
		}
	}
	res, _ := h.access.CreateRecord(ctx, domain.CreateParams{Content: "  padded  \n", MaxViews: 1})
	got, _ := h.access.ConsumeRecord(ctx, res.ID, "a")
	if got.Content != "padded" {
		t.Errorf("content = %q, want trimmed", got.Content)
	}
}

func TestStoredPayloadIsSealed(t *testing.T) {
	s := db.NewMemory()
	h := newHarness(t, s, 30)
	ctx := context.Background()
	res, _ := h.access.CreateRecord(ctx, domain.CreateParams{Content: "plaintext-marker", MaxViews: 2})
	c, err := s.Consume(ctx, res.ID, "inspector", h.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(c.Ciphertext), "plaintext-marker") {
		t.Error("ciphertext contains plaintext")
	}
	if len(c.WrappedKey) != kms.KeySize+kms.Overhead {
		t.Errorf("wrapped key length = %d", len(c.WrappedKey))
	}
}

func TestRateLimitedConsumeDoesNotTouchStore(t *testing.T) {
	h := newHarness(t, db.NewMemory(), 2)
	ctx := context.Background()
	res, _ := h.access.CreateRecord(ctx, domain.CreateParams{Content: "guarded", MaxViews: 10})
	h.access.ConsumeRecord(ctx, res.ID, "attacker")
	h.access.ConsumeRecord(ctx, "missing-id-000000000x", "attacker")
	got, err := h.access.ConsumeRecord(ctx, res.ID, "attacker-2")
	if err != nil || got.Outcome != domain.OutcomeOK {
		t.Fatalf("other identity: %+v %v", got, err)
	}
	blocked, err := h.access.ConsumeRecord(ctx, res.ID, "attacker")
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Outcome != domain.OutcomeRateLimited || blocked.Content != "" {
		t.Errorf("blocked = %+v", blocked)
	}
	meta, _ := h.access.GetRecordMeta(ctx, res.ID)
	if meta.Meta.RemainingViews != 8 {
		t.Errorf("remaining = %d, want 8", meta.Meta.RemainingViews)
	}
	h.clock.Advance(time.Minute + time.Second)
	if again, _ := h.access.ConsumeRecord(ctx, res.ID, "attacker"); again.Outcome != domain.OutcomeOK {
		t.Errorf("after window = %v", again.Outcome)
	}
}

func TestConcurrentConsumeEndToEnd(t *testing.T) {
	const viewers = 1000
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(), 30)
			ctx := context.Background()
			res, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "contended", MaxViews: 25})
			if err != nil {
				t.Fatal(err)
			}
			var ok, exhausted, burned atomic.Int32
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < viewers; i++ {
				ip := fmt.Sprintf("10.%d.%d.1", i/256, i%256)
				g.Go(func() error {
					got, err := h.access.ConsumeRecord(gctx, res.ID, ip)
					if err != nil {
						return err
					}
					switch got.Outcome {
					case domain.OutcomeOK:
						if got.Content != "contended" {
							return fmt.Errorf("content %q", got.Content)
						}
						ok.Add(1)
						if got.Burned {
							burned.Add(1)
						}
					case domain.OutcomeExhausted:
						exhausted.Add(1)
					default:
						return fmt.Errorf("unexpected outcome %v", got.Outcome)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if ok.Load() != 25 || exhausted.Load() != viewers-25 || burned.Load() != 1 {
				t.Errorf("ok=%d exhausted=%d burned=%d", ok.Load(), exhausted.Load(), burned.Load())
			}
		})
	}
}

// The shipped pairing: default pool options with the view counter sharing
// the record database.
func TestConcurrentConsumeSharedSQLite(t *testing.T) {
	const viewers = 1000
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "shared.db"), db.PoolOptions{})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h := newHarnessWithCounter(t, s, lim.NewSQLiteCounter(s.DB()), 30)
	ctx := context.Background()
	res, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "contended", MaxViews: 25})
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[domain.Outcome]int)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < viewers; i++ {
		ip := fmt.Sprintf("10.%d.%d.7", i/256, i%256)
		g.Go(func() error {
			got, err := h.access.ConsumeRecord(gctx, res.ID, ip)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[got.Outcome]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if counts[domain.OutcomeOK] != 25 || counts[domain.OutcomeExhausted] != viewers-25 || len(counts) != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTamperedRecordFailsClosed(t *testing.T) {
	s := db.NewMemory()
	h := newHarness(t, s, 30)
	ctx := context.Background()
	other, _ := kms.NewKeyManager(strings.Repeat("ab", 32))
	dek, _ := kms.NewDataKey()
	ct, _ := kms.Seal([]byte("hidden"), dek)
	wrapped, _ := other.Wrap(dek)
	id, _ := util.NewID()
	s.Create(ctx, &domain.Record{ID: id, Ciphertext: ct, WrappedKey: wrapped, MaxViews: 2, CreatedAt: h.clock.Now()})
	got, err := h.access.ConsumeRecord(ctx, id, "v")
	if !errors.Is(err, domain.ErrCrypto) {
		t.Fatalf("got %v, want ErrCrypto", err)
	}
	if got.Content != "" {
		t.Error("content surfaced on crypto failure")
	}
}

func TestFlippedCiphertextFailsClosed(t *testing.T) {
	s := db.NewMemory()
	h := newHarness(t, s, 30)
	ctx := context.Background()
	dek, _ := kms.NewDataKey()
	ct, _ := kms.Seal([]byte("hidden"), dek)
	ct[len(ct)-1] ^= 0x01
	wrapped, _ := h.keys.Wrap(dek)
	id, _ := util.NewID()
	s.Create(ctx, &domain.Record{ID: id, Ciphertext: ct, WrappedKey: wrapped, MaxViews: 2, CreatedAt: h.clock.Now()})
	got, err := h.access.ConsumeRecord(ctx, id, "v")
	if !errors.Is(err, domain.ErrCrypto) {
		t.Fatalf("got %v, want ErrCrypto", err)
	}
	if got.Content != "" {
		t.Error("content surfaced on crypto failure")
	}
}

func TestUnconfiguredBackend(t *testing.T) {
	h := newHarness(t, db.NewUnconfigured(), 30)
	ctx := context.Background()
	if _, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "x"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("create: %v", err)
	}
	if _, err := h.access.ConsumeRecord(ctx, "V1StGXR8_Z5jdHi6B-myT", "v"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("consume: %v", err)
	}
	st := h.access.Status(ctx)
	if st.Storage != "none" || st.Connected || st.Durable {
		t.Errorf("status = %+v", st)
	}
}

func TestShutdownRejectsNewOperations(t *testing.T) {
	h := newHarness(t, db.NewMemory(), 30)
	ctx := context.Background()
	if err := h.access.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.access.CreateRecord(ctx, domain.CreateParams{Content: "late"}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("got %v", err)
	}
}

func TestCountAndCleaner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			h := newHarness(t, store, 30)
			ctx := context.Background()
			h.access.CreateRecord(ctx, domain.CreateParams{Content: "a", ExpiresIn: "5min"})
			h.access.CreateRecord(ctx, domain.CreateParams{Content: "b", ExpiresIn: "1day"})
			h.access.CreateRecord(ctx, domain.CreateParams{Content: "c"})
			if n, _ := h.access.Count(ctx); n != 3 {
				t.Errorf("count = %d, want 3", n)
			}
			h.clock.Advance(time.Hour)
			c := NewCleaner(store, time.Minute, 24*time.Hour)
			c.now = h.clock.Now
			records, tombstones := c.RunOnce(ctx)
			if records != 1 || tombstones != 0 {
				t.Errorf("first pass = %d/%d, want 1/0", records, tombstones)
			}
			h.clock.Advance(48 * time.Hour)
			records, tombstones = c.RunOnce(ctx)
			if records != 1 || tombstones != 1 {
				t.Errorf("second pass = %d/%d, want 1/1", records, tombstones)
			}
			if n, _ := h.access.Count(ctx); n != 1 {
				t.Errorf("count = %d, want 1", n)
			}
		})
	}
}

func TestCleanerStartsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCleaner(db.NewMemory(), time.Hour, time.Hour)
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrCleanerRunning) {
		t.Errorf("second start: %v", err)
	}
}

func TestResolveExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for choice, want := range map[string]time.Duration{"5min": 5 * time.Minute, "1hour": time.Hour, "1day": 24 * time.Hour} {
		got, err := ResolveExpiry(choice, now)
		if err != nil || got == nil || !got.Equal(now.Add(want)) {
			t.Errorf("%s: %v %v", choice, got, err)
		}
	}
	for _, choice := range []string{"", "never"} {
		if got, err := ResolveExpiry(choice, now); got != nil || err != nil {
			t.Errorf("%q: %v %v", choice, got, err)
		}
	}
	if len(ExpiryOptions()) != 4 {
		t.Error("expected four expiry options")
	}
}

func TestContentLength(t *testing.T) {
	tests := map[string]int{"": 0, "abc": 3, "é": 1, "😀": 2, "a😀b": 4}
	for s, want := range tests {
		if got := ContentLength(s); got != want {
			t.Errorf("ContentLength(%q) = %d, want %d", s, got, want)
		}
	}
}
