package db

import (
	"context"
	"time"

	"pingnote/svc/util"

	"github.com/pkg/errors"
)

const checkpointInterval = 5 * time.Minute

// StartWALMaintenance checkpoints the SQLite write-ahead log until ctx is
// done, then runs one last checkpoint. It returns immediately for other
// dialects.
func (s *SQL) StartWALMaintenance(ctx context.Context, interval time.Duration) {
	if s.dialect != DialectSQLite {
		return
	}
	if interval <= 0 {
		interval = checkpointInterval
	}
	log := util.Component("wal")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				log.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Checkpoint(final); err != nil {
				log.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint and escalates to TRUNCATE when the log
// has grown or readers blocked it.
func (s *SQL) Checkpoint(ctx context.Context) error {
	if s.dialect != DialectSQLite {
		return nil
	}
	log := util.Component("wal")
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return errors.Wrap(err, "PASSIVE checkpoint failed")
	}
	log.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > 1000 || busyPages > 0 {
		log.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
		if err != nil {
			return errors.Wrap(err, "TRUNCATE checkpoint failed")
		}
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		log.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return err
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQL) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check query failed")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	return nil
}
