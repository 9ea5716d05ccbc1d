package db

import (
	"context"
	"database/sql"
	"time"

	"snaplink/svc/util"

	"github.com/pkg/errors"
)

const (
	checkpointInterval = 5 * time.Minute
	walTruncatePages   = 1000
)

// StartWALMaintenance checkpoints the WAL until ctx is done, then runs one
// final checkpoint. Runs in the caller's goroutine.
func (s *SQLite) StartWALMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = checkpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpoint(ctx, s.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := checkpoint(final, s.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	start := time.Now()
	var busy, logPages, checkpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return errors.Wrap(err, "PASSIVE checkpoint failed")
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > walTruncatePages || busy > 0 {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		err = db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &checkpointed)
		if err != nil {
			return errors.Wrap(err, "TRUNCATE checkpoint failed")
		}
	}
	if err := verifyIntegrity(ctx, db); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check query failed")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	return nil
}
