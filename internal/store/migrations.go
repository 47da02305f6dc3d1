package store

import (
	"context"
	"fmt"
	"time"
)

// Statements use portable types only so the same DDL runs on sqlite and postgres.
// Timestamps are unix nanoseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `CREATE TABLE IF NOT EXISTS investigations (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    status      TEXT NOT NULL,
    version     BIGINT NOT NULL,
    segment     TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
)`,
	},
	{
		version: 2,
		sql:     `CREATE INDEX IF NOT EXISTS idx_investigations_owner ON investigations(owner_id, created_at)`,
	},
	{
		version: 3,
		sql: `CREATE TABLE IF NOT EXISTS detection_runs (
    id                 TEXT PRIMARY KEY,
    detector_id        TEXT NOT NULL,
    window_from        BIGINT NOT NULL,
    window_to          BIGINT NOT NULL,
    status             TEXT NOT NULL,
    cohorts_evaluated  INTEGER NOT NULL DEFAULT 0,
    cohorts_failed     INTEGER NOT NULL DEFAULT 0,
    anomalies          INTEGER NOT NULL DEFAULT 0,
    error              TEXT NOT NULL DEFAULT '',
    started_at         BIGINT NOT NULL,
    finished_at        BIGINT NOT NULL DEFAULT 0
)`,
	},
	{
		version: 4,
		sql:     `CREATE INDEX IF NOT EXISTS idx_runs_detector ON detection_runs(detector_id, started_at)`,
	},
	{
		version: 5,
		sql: `CREATE TABLE IF NOT EXISTS anomaly_events (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    detector_id  TEXT NOT NULL,
    cohort       TEXT NOT NULL,
    cohort_key   TEXT NOT NULL,
    window_from  BIGINT NOT NULL,
    window_to    BIGINT NOT NULL,
    metric       TEXT NOT NULL,
    observed     DOUBLE PRECISION NOT NULL,
    expected     DOUBLE PRECISION NOT NULL,
    score        DOUBLE PRECISION NOT NULL,
    severity     TEXT NOT NULL,
    status       TEXT NOT NULL,
    persisted_n  INTEGER NOT NULL,
    created_at   BIGINT NOT NULL,
    updated_at   BIGINT NOT NULL
)`,
	},
	{
		version: 6,
		sql:     `CREATE INDEX IF NOT EXISTS idx_anomalies_lookup ON anomaly_events(detector_id, cohort_key, metric, created_at)`,
	},
	{
		version: 7,
		sql:     `CREATE INDEX IF NOT EXISTS idx_anomalies_open ON anomaly_events(cohort_key, metric, created_at)`,
	},
}

// migrate applies any unapplied migrations in order.
func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
    version    INTEGER PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}
