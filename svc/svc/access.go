package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"snaplink/metrics"
	"snaplink/pkg/domain"
	"snaplink/svc/db"
	"snaplink/svc/lim"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

const DefaultMaxContentLength = 100000

type Options struct {
	MaxContentLength int
	Now              func() time.Time
}

// Access composes records, the view limiter and the identity hasher into the
// three operations the transport exposes.
type Access struct {
	records    *Records
	limiter    *lim.Window
	identities *util.IdentityHasher
	maxLen     int
	now        func() time.Time
	shutdown   atomic.Bool
	opWg       sync.WaitGroup
}

func NewAccess(records *Records, limiter *lim.Window, identities *util.IdentityHasher, opts Options) *Access {
	if records == nil || limiter == nil || identities == nil {
		panic("access: nil dependency (records, limiter or identity hasher)")
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Access{
		records:    records,
		limiter:    limiter,
		identities: identities,
		maxLen:     opts.MaxContentLength,
		now:        opts.Now,
	}
}

func (a *Access) Store() db.Store { return a.records.Store() }

func (a *Access) begin() error {
	if a.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	a.opWg.Add(1)
	return nil
}

// Shutdown rejects new operations and waits for in-flight ones to finish.
func (a *Access) Shutdown(ctx context.Context) error {
	a.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		a.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug().Msg("access shutdown complete")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight operations")
	}
}

// ContentLength counts UTF-16 code units, the unit browsers enforce maxlength in.
func ContentLength(s string) int {
	n := 0
	for _, r := range s {
		if utf16.RuneLen(r) == 2 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func (a *Access) CreateRecord(ctx context.Context, p domain.CreateParams) (domain.CreateResult, error) {
	if err := a.begin(); err != nil {
		return domain.CreateResult{}, err
	}
	defer a.opWg.Done()
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return domain.CreateResult{}, domain.ErrContentRequired
	}
	if ContentLength(p.Content) > a.maxLen {
		return domain.CreateResult{}, domain.ErrContentTooLong
	}
	now := a.now()
	expiresAt, err := ResolveExpiry(p.ExpiresIn, now)
	if err != nil {
		return domain.CreateResult{}, err
	}
	maxViews := ClampViews(p.MaxViews)
	id, err := a.records.Create(ctx, []byte(content), maxViews, expiresAt, now)
	if err != nil {
		util.Ctx(ctx).Error().Err(err).Msg("create record failed")
		return domain.CreateResult{}, err
	}
	metrics.RecordsCreated.Inc()
	util.Ctx(ctx).Info().
		Str("id", util.RedactID(id)).
		Int("max_views", maxViews).
		Bool("expires", expiresAt != nil).
		Msg("record created")
	return domain.CreateResult{ID: id, MaxViews: maxViews, ExpiresAt: expiresAt}, nil
}

func (a *Access) GetRecordMeta(ctx context.Context, id string) (domain.MetaResult, error) {
	if err := a.begin(); err != nil {
		return domain.MetaResult{}, err
	}
	defer a.opWg.Done()
	if !util.ValidID(id) {
		return domain.MetaResult{Outcome: domain.OutcomeNotFound}, nil
	}
	now := a.now()
	res, err := a.records.Meta(ctx, id, now)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(a.Store().Kind()).Inc()
		return domain.MetaResult{}, err
	}
	if res.Outcome == domain.OutcomeExpired || res.Outcome == domain.OutcomeExhausted {
		metrics.RecordsBurned.WithLabelValues(res.Outcome.String()).Inc()
	}
	return res, nil
}

// ConsumeRecord charges the rate limiter before the store is touched. The
// raw identity is hashed here and never stored.
func (a *Access) ConsumeRecord(ctx context.Context, id, rawIdentity string) (domain.ConsumeResult, error) {
	if err := a.begin(); err != nil {
		return domain.ConsumeResult{}, err
	}
	defer a.opWg.Done()
	identity, err := a.identities.Hash(rawIdentity)
	if err != nil {
		return domain.ConsumeResult{}, errors.Wrap(err, "hash viewer identity")
	}
	allowed, err := a.limiter.TryConsume(ctx, identity)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues("consume").Inc()
		metrics.ConsumeOutcomes.WithLabelValues(domain.OutcomeRateLimited.String()).Inc()
		util.Ctx(ctx).Warn().Str("viewer", util.RedactIdentity(identity)).Msg("consume rate limited")
		return domain.ConsumeResult{Outcome: domain.OutcomeRateLimited}, nil
	}
	if !util.ValidID(id) {
		metrics.ConsumeOutcomes.WithLabelValues(domain.OutcomeNotFound.String()).Inc()
		return domain.ConsumeResult{Outcome: domain.OutcomeNotFound}, nil
	}
	res, err := a.records.Consume(ctx, id, identity, a.now())
	if err != nil {
		if errors.Is(err, domain.ErrCrypto) {
			util.Ctx(ctx).Error().Err(err).Str("id", util.RedactID(id)).Msg("record failed integrity check")
		} else {
			metrics.BackendErrors.WithLabelValues(a.Store().Kind()).Inc()
		}
		return domain.ConsumeResult{}, err
	}
	metrics.ConsumeOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	switch {
	case res.Outcome == domain.OutcomeExpired, res.Outcome == domain.OutcomeExhausted:
		metrics.RecordsBurned.WithLabelValues(res.Outcome.String()).Inc()
	case res.Burned:
		metrics.RecordsBurned.WithLabelValues(domain.OutcomeExhausted.String()).Inc()
		util.Ctx(ctx).Info().Str("id", util.RedactID(id)).Msg("record burned after final view")
	}
	return res, nil
}

// ViewWindow is how long a rate limited viewer waits at most.
func (a *Access) ViewWindow() time.Duration { return a.limiter.Period() }

func (a *Access) Count(ctx context.Context) (int, error) {
	return a.Store().Count(ctx, a.now())
}

type Status struct {
	Storage   string `json:"storage"`
	Durable   bool   `json:"durable"`
	Connected bool   `json:"connected"`
	Limiter   string `json:"limiter"`
}

func (a *Access) Status(ctx context.Context) Status {
	s := a.Store()
	st := Status{
		Storage: s.Kind(),
		Durable: s.Durable(),
		Limiter: a.limiter.Backend(),
	}
	if st.Storage == db.KindUnconfigured {
		st.Storage = "none"
	}
	st.Connected = s.Ping(ctx) == nil
	return st
}
