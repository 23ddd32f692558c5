package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cost_observations (
        day          DATE PRIMARY KEY,
        total        NUMERIC(20,6) NOT NULL CHECK (total >= 0),
        contributors JSONB NOT NULL DEFAULT '{}'::jsonb,
        source       TEXT NOT NULL,
        fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS detection_runs (
        run_id        UUID PRIMARY KEY,
        detected_at   TIMESTAMPTZ NOT NULL,
        window_start  DATE,
        window_end    DATE,
        observations  INTEGER NOT NULL,
        median        NUMERIC(20,6),
        mad           NUMERIC(20,6),
        anomaly_count INTEGER NOT NULL,
        status        TEXT NOT NULL,
        error         TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS anomaly_reports (
        id              BIGSERIAL PRIMARY KEY,
        run_id          UUID NOT NULL REFERENCES detection_runs (run_id),
        day             DATE NOT NULL,
        total           NUMERIC(20,6) NOT NULL,
        median          NUMERIC(20,6) NOT NULL,
        mad             NUMERIC(20,6) NOT NULL,
        z_score         DOUBLE PRECISION NOT NULL,
        kind            TEXT NOT NULL,
        severity        TEXT NOT NULL,
        contributions   JSONB NOT NULL DEFAULT '[]'::jsonb,
        degraded        BOOLEAN NOT NULL DEFAULT false,
        degraded_reason TEXT NOT NULL DEFAULT '',
        detected_at     TIMESTAMPTZ NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`ALTER TABLE detection_runs ALTER COLUMN median DROP NOT NULL;`,
	`ALTER TABLE detection_runs ALTER COLUMN mad DROP NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS anomaly_reports_day_idx ON anomaly_reports (day);`,
	`CREATE INDEX IF NOT EXISTS anomaly_reports_created_at_idx ON anomaly_reports (created_at);`,
}

// Migrate creates the tables costwatch needs if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
