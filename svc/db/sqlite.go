package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"snaplink/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
	cleanupBatch    = 100
)

type PoolOptions struct {
	MaxOpenConns   int
	MaxIdleConns   int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxOpenConns <= 0 || o.MaxOpenConns > 5 {
		o.MaxOpenConns = 5
	}
	if o.MaxIdleConns < 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = 2
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	return o
}

type SQLite struct {
	db             *sql.DB
	failures       int32
	circuitState   int32
	circuitOpened  int64
	acquireTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// NewSQLite opens path with immediate-mode transactions so every write
// transaction takes the database write lock at BEGIN.
func NewSQLite(path string, opts PoolOptions) (*SQLite, error) {
	opts = opts.withDefaults()
	dsn := fmt.Sprintf("%s?_txlock=immediate&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d",
		path, opts.AcquireTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(opts.IdleTimeout)
	db.SetConnMaxLifetime(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), opts.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:             db,
		acquireTimeout: opts.AcquireTimeout,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) Kind() string  { return KindSQLite }
func (s *SQLite) Durable() bool { return true }

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// unavailable folds driver, pool and breaker failures into ErrBackendUnavailable.
// Data-level errors keep their own identity.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	switch {
	case errors.Is(err, domain.ErrCrypto), errors.Is(err, domain.ErrConfiguration):
		return err
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &sqliteErr) && sqliteErr.Code != sqlite3.ErrConstraint:
		return errors.WithMessage(domain.ErrBackendUnavailable, op+": "+err.Error())
	}
	return errors.Wrap(err, op)
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS links (
		id TEXT PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		wrapped_key BLOB NOT NULL,
		max_views INTEGER NOT NULL CHECK (max_views BETWEEN 1 AND 100),
		view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0),
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_links_expires_at ON links(expires_at) WHERE expires_at IS NOT NULL;
	CREATE TABLE IF NOT EXISTS link_views (
		link_id TEXT NOT NULL REFERENCES links(id) ON DELETE CASCADE,
		viewer TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (link_id, viewer)
	);
	CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		burned_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tombstones_burned_at ON tombstones(burned_at);
	CREATE TABLE IF NOT EXISTS rate_limit (
		key TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		window_end INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkCircuit(); err != nil {
		return ctx, func() {}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	return ctx, cancel, nil
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Create(ctx context.Context, rec *domain.Record) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return unavailable("db create", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO links (id, ciphertext, wrapped_key, max_views, view_count, expires_at, created_at)
	VALUES (?, ?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.Ciphertext, rec.WrappedKey, rec.MaxViews, toMillis(rec.ExpiresAt), rec.CreatedAt.UnixMilli(),
	)
	s.recordError(err)
	return unavailable("db create", err)
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM links WHERE id = ?`, id)
}

func (s *SQLite) Reserved(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM links WHERE id = ?1 UNION ALL SELECT 1 FROM tombstones WHERE id = ?1 LIMIT 1`, id)
}

func (s *SQLite) exists(ctx context.Context, q, id string) (bool, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, unavailable("exists check", err)
	}
	var one int
	err = s.db.QueryRowContext(ctx, q, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, unavailable("exists check", err)
	}
	return true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q queryer, id string) (*domain.Record, error) {
	var (
		rec       domain.Record
		expiresAt sql.NullInt64
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `
	SELECT id, ciphertext, wrapped_key, max_views, view_count, expires_at, created_at
	FROM links WHERE id = ?`, id).Scan(
		&rec.ID, &rec.Ciphertext, &rec.WrappedKey, &rec.MaxViews, &rec.ViewCount, &expiresAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

// tombstoneOutcome resolves a missing record to the reason it was destroyed.
func tombstoneOutcome(ctx context.Context, q queryer, id string) (domain.Outcome, error) {
	var reason string
	err := q.QueryRowContext(ctx, `SELECT reason FROM tombstones WHERE id = ?`, id).Scan(&reason)
	if err == sql.ErrNoRows {
		return domain.OutcomeNotFound, nil
	}
	if err != nil {
		return domain.OutcomeNotFound, err
	}
	o, ok := domain.ParseOutcome(reason)
	if !ok {
		return domain.OutcomeNotFound, nil
	}
	return o, nil
}

// burn deletes a terminal record, cascading its ledger, and leaves a tombstone.
func burn(ctx context.Context, tx *sql.Tx, id string, reason domain.Outcome, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO tombstones (id, reason, burned_at) VALUES (?, ?, ?)`,
		id, reason.String(), now.UnixMilli())
	return err
}

// Meta never charges a view. A terminal record found here is burned on the spot.
func (s *SQLite) Meta(ctx context.Context, id string, now time.Time) (domain.MetaResult, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return domain.MetaResult{}, unavailable("db meta", err)
	}
	rec, err := loadRecord(ctx, s.db, id)
	if err == sql.ErrNoRows {
		o, err := tombstoneOutcome(ctx, s.db, id)
		s.recordError(err)
		return domain.MetaResult{Outcome: o}, unavailable("db meta", err)
	}
	s.recordError(err)
	if err != nil {
		return domain.MetaResult{}, unavailable("db meta", err)
	}
	if o := rec.Terminal(now); o != domain.OutcomeOK {
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			return burn(ctx, tx, id, o, now)
		})
		s.recordError(err)
		return domain.MetaResult{Outcome: o}, unavailable("db meta burn", err)
	}
	return domain.MetaResult{
		Outcome: domain.OutcomeOK,
		Meta: domain.Meta{
			RemainingViews: rec.RemainingViews(),
			MaxViews:       rec.MaxViews,
			ExpiresAt:      rec.ExpiresAt,
		},
	}, nil
}

// Consume runs load, ledger check, charge and maybe-delete inside one
// BEGIN IMMEDIATE transaction. Nothing is decrypted here.
func (s *SQLite) Consume(ctx context.Context, id, viewer string, now time.Time) (domain.Consumed, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return domain.Consumed{}, unavailable("db consume", err)
	}
	var out domain.Consumed
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		out = domain.Consumed{}
		rec, err := loadRecord(ctx, tx, id)
		if err == sql.ErrNoRows {
			out.Outcome, err = tombstoneOutcome(ctx, tx, id)
			return err
		}
		if err != nil {
			return err
		}
		if o := rec.Terminal(now); o != domain.OutcomeOK {
			out.Outcome = o
			return burn(ctx, tx, id, o, now)
		}
		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM link_views WHERE link_id = ? AND viewer = ?`, id, viewer).Scan(&one)
		switch {
		case err == nil:
			out = consumedFrom(rec, true)
			return nil
		case err != sql.ErrNoRows:
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_views (link_id, viewer, created_at) VALUES (?, ?, ?)`,
			id, viewer, now.UnixMilli()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE links SET view_count = view_count + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		rec.ViewCount++
		out = consumedFrom(rec, false)
		if rec.Exhausted() {
			return burn(ctx, tx, id, domain.OutcomeExhausted, now)
		}
		return nil
	})
	s.recordError(err)
	if err != nil {
		return domain.Consumed{}, unavailable("db consume", err)
	}
	return out, nil
}

func consumedFrom(rec *domain.Record, repeat bool) domain.Consumed {
	return domain.Consumed{
		Outcome:        domain.OutcomeOK,
		Ciphertext:     rec.Ciphertext,
		WrappedKey:     rec.WrappedKey,
		RemainingViews: rec.RemainingViews(),
		ExpiresAt:      rec.ExpiresAt,
		Repeat:         repeat,
	}
}

func (s *SQLite) Count(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, unavailable("db count", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM links
	WHERE view_count < max_views AND (expires_at IS NULL OR expires_at > ?)`, now.UnixMilli()).Scan(&n)
	s.recordError(err)
	return n, unavailable("db count", err)
}

// CleanupExpired burns terminal records in batches, tombstoning each one.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, unavailable("cleanup", err)
	}
	total := 0
	nowMs := now.UnixMilli()
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		batchCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
		var n int
		err := s.inTx(batchCtx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(batchCtx, `
			DELETE FROM links WHERE id IN (
				SELECT id FROM links
				WHERE (expires_at IS NOT NULL AND expires_at <= ?1) OR view_count >= max_views
				LIMIT ?2
			)
			RETURNING id, CASE WHEN expires_at IS NOT NULL AND expires_at <= ?1 THEN 'expired' ELSE 'max_views' END`,
				nowMs, cleanupBatch)
			if err != nil {
				return err
			}
			var burned [][2]string
			for rows.Next() {
				var id, reason string
				if err := rows.Scan(&id, &reason); err != nil {
					rows.Close()
					return err
				}
				burned = append(burned, [2]string{id, reason})
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, b := range burned {
				if _, err := tx.ExecContext(batchCtx,
					`INSERT OR REPLACE INTO tombstones (id, reason, burned_at) VALUES (?, ?, ?)`,
					b[0], b[1], nowMs); err != nil {
					return err
				}
			}
			n = len(burned)
			return nil
		})
		cancel()
		s.recordError(err)
		if err != nil {
			return total, unavailable("cleanup batch failed", err)
		}
		total += n
		if n < cleanupBatch {
			return total, nil
		}
	}
}

func (s *SQLite) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, unavailable("purge tombstones", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE burned_at < ?`, before.UnixMilli())
	s.recordError(err)
	if err != nil {
		return 0, unavailable("purge tombstones", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return unavailable("ping", err)
	}
	var result int
	return unavailable("ping", s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result))
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
