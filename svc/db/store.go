package db

import (
	"context"
	"time"

	"snaplink/cfg"
	"snaplink/pkg/domain"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

// Store owns records and their view ledgers. Every mutating method is atomic
// per record id with respect to concurrent callers.
type Store interface {
	Create(ctx context.Context, rec *domain.Record) error
	// Exists reports whether a live or terminal-but-undeleted row holds id.
	Exists(ctx context.Context, id string) (bool, error)
	// Reserved reports whether id is held by a record or a tombstone.
	Reserved(ctx context.Context, id string) (bool, error)
	Meta(ctx context.Context, id string, now time.Time) (domain.MetaResult, error)
	Consume(ctx context.Context, id, viewer string, now time.Time) (domain.Consumed, error)
	Count(ctx context.Context, now time.Time) (int, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Kind() string
	Durable() bool
	Close() error
}

const (
	KindSQLite       = "sqlite"
	KindMemory       = "memory"
	KindUnconfigured = "unconfigured"
)

// Open picks the backend described by c. It always returns a usable Store;
// the error reports why the preferred backend was not used.
func Open(c *cfg.Cfg) (Store, error) {
	if c.DatabasePath != "" {
		s, err := NewSQLite(c.DatabasePath, PoolOptions{
			MaxOpenConns:   c.DBMaxOpenConns,
			MaxIdleConns:   c.DBMaxIdleConns,
			AcquireTimeout: c.DBAcquireTimeout,
			IdleTimeout:    c.DBIdleTimeout,
		})
		if err == nil {
			return s, nil
		}
		if c.AllowMemoryFallback {
			util.Warn().Err(err).Msg("durable store unavailable, using in-memory fallback")
			return NewMemory(), errors.Wrap(err, "open sqlite")
		}
		return NewUnconfigured(), errors.Wrap(err, "open sqlite")
	}
	if c.AllowMemoryFallback {
		util.Warn().Msg("no DATABASE_PATH set, records will not survive a restart")
		return NewMemory(), nil
	}
	return NewUnconfigured(), errors.WithMessage(domain.ErrConfiguration, "no DATABASE_PATH and memory fallback disabled")
}
