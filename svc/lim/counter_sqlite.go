package lim

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLiteCounter stores windows in the rate_limit table owned by this package.
type SQLiteCounter struct {
	db *sql.DB
}

func NewSQLiteCounter(db *sql.DB) *SQLiteCounter {
	return &SQLiteCounter{db: db}
}

func (s *SQLiteCounter) Name() string { return "sqlite" }

const upsertWindow = `
INSERT INTO rate_limit (key, count, window_end) VALUES (?1, 1, ?3)
ON CONFLICT(key) DO UPDATE SET
	count = CASE WHEN rate_limit.window_end < ?2 THEN 1 ELSE rate_limit.count + 1 END,
	window_end = CASE WHEN rate_limit.window_end < ?2 THEN excluded.window_end ELSE rate_limit.window_end END
RETURNING count, window_end`

func (s *SQLiteCounter) Step(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, errors.Wrap(err, "begin rate limit")
	}
	defer tx.Rollback()
	var (
		count     int
		windowEnd int64
	)
	nowMs := now.UnixMilli()
	if err := tx.QueryRowContext(ctx, upsertWindow, key, nowMs, now.Add(window).UnixMilli()).Scan(&count, &windowEnd); err != nil {
		return Decision{}, errors.Wrap(err, "rate limit upsert")
	}
	d := Decision{Allowed: count <= limit, Count: count, WindowEnd: time.UnixMilli(windowEnd)}
	if !d.Allowed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rate_limit SET count = count - 1 WHERE key = ? AND count > 0`, key); err != nil {
			return Decision{}, errors.Wrap(err, "rate limit rollback")
		}
		d.Count--
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, errors.Wrap(err, "commit rate limit")
	}
	return d, nil
}

// Purge drops windows that closed before cutoff.
func (s *SQLiteCounter) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit WHERE window_end < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "purge rate limit")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
