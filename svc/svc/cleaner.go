package svc

import (
	"context"
	"sync/atomic"
	"time"

	"snaplink/metrics"
	"snaplink/svc/db"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

// Purger drops state older than a cutoff, such as closed rate-limit windows.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type Cleaner struct {
	store     db.Store
	purgers   []Purger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	running   atomic.Bool
}

func NewCleaner(store db.Store, interval, retention time.Duration, purgers ...Purger) *Cleaner {
	return &Cleaner{
		store:     store,
		purgers:   purgers,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

var ErrCleanerRunning = errors.New("cleaner already running")

// Start runs the cleaner in its own goroutine until ctx is done.
func (c *Cleaner) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrCleanerRunning
	}
	go c.run(ctx)
	return nil
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.running.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	util.Ctx(ctx).Info().
		Dur("interval", c.interval).
		Dur("retention", c.retention).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Ctx(ctx).Info().Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass and reports what it removed.
func (c *Cleaner) RunOnce(ctx context.Context) (records, tombstones int) {
	metrics.CleanupCycles.Inc()
	now := c.now()
	log := util.Ctx(ctx)
	var err error
	records, err = c.store.CleanupExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("cleanup failed")
	}
	metrics.CleanupDeleted.WithLabelValues("records").Add(float64(records))
	tombstones, err = c.store.PurgeTombstones(ctx, now.Add(-c.retention))
	if err != nil {
		log.Error().Err(err).Msg("tombstone purge failed")
	}
	metrics.CleanupDeleted.WithLabelValues("tombstones").Add(float64(tombstones))
	for _, p := range c.purgers {
		n, err := p.Purge(ctx, now)
		if err != nil {
			log.Warn().Err(err).Msg("purge failed")
			continue
		}
		metrics.CleanupDeleted.WithLabelValues("rate_limit").Add(float64(n))
	}
	if records > 0 || tombstones > 0 {
		log.Info().
			Int("records", records).
			Int("tombstones", tombstones).
			Msg("cleanup completed")
	}
	return records, tombstones
}
