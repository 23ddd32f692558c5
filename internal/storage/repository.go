package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cost-anomaly-alerts/internal/detector"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertObservationSQL = `INSERT INTO cost_observations (
        day,
        total,
        contributors,
        source,
        fetched_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (day) DO UPDATE
    SET
        total        = EXCLUDED.total,
        contributors = EXCLUDED.contributors,
        source       = EXCLUDED.source,
        fetched_at   = EXCLUDED.fetched_at;`

	listObservationsSQL = `SELECT
        day,
        total::text,
        contributors,
        source,
        fetched_at
    FROM cost_observations
    WHERE day >= $1
      AND day <= $2
    ORDER BY day;`

	insertRunSQL = `INSERT INTO detection_runs (
        run_id,
        detected_at,
        window_start,
        window_end,
        observations,
        median,
        mad,
        anomaly_count,
        status,
        error
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	insertReportSQL = `INSERT INTO anomaly_reports (
        run_id,
        day,
        total,
        median,
        mad,
        z_score,
        kind,
        severity,
        contributions,
        degraded,
        degraded_reason,
        detected_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id, created_at;`

	listRecentReportsSQL = `SELECT
        id,
        run_id::text,
        day,
        total::text,
        median::text,
        mad::text,
        z_score,
        kind,
        severity,
        contributions,
        degraded,
        degraded_reason,
        detected_at,
        created_at
    FROM anomaly_reports
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	deleteReportsBeforeSQL = `DELETE FROM anomaly_reports WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines operations for daily cost persistence.
type ObservationStore interface {
	UpsertObservation(ctx context.Context, obs ObservationRecord) error
	ListObservations(ctx context.Context, from, to time.Time) ([]ObservationRecord, error)
}

// ReportStore defines the append-only audit trail of detection runs.
type ReportStore interface {
	InsertRun(ctx context.Context, run RunRecord) error
	InsertReport(ctx context.Context, report ReportRecord) (ReportRecord, error)
	ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error)
	DeleteReportsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations, runs and reports.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertObservation persists or replaces the record of one day.
func (s *Store) UpsertObservation(ctx context.Context, obs ObservationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	contributors, err := json.Marshal(obs.Contributors)
	if err != nil {
		return fmt.Errorf("encode contributors: %w", err)
	}
	fetchedAt := obs.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	if _, err := pool.Exec(ctx, upsertObservationSQL,
		detector.Day(obs.Day),
		obs.Total.String(),
		contributors,
		obs.Source,
		fetchedAt,
	); err != nil {
		return fmt.Errorf("upsert observation: %w", err)
	}
	return nil
}

// ListObservations lists the stored days in the inclusive range [from, to].
func (s *Store) ListObservations(ctx context.Context, from, to time.Time) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsSQL, detector.Day(from), detector.Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0)
	for rows.Next() {
		rec, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// FetchWindow serves stored observations as a detection window.
func (s *Store) FetchWindow(ctx context.Context, from, to time.Time) ([]detector.CostObservation, error) {
	records, err := s.ListObservations(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]detector.CostObservation, len(records))
	for i, rec := range records {
		out[i] = rec.Observation()
	}
	return out, nil
}

// FetchDay returns the stored breakdown of a single day.
func (s *Store) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	records, err := s.ListObservations(ctx, day, day)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no stored observation for %s", detector.ErrDataUnavailable, detector.Day(day).Format(detector.DateLayout))
	}
	return records[0].Observation().Contributors, nil
}

// InsertRun records the audit row of a detection run.
func (s *Store) InsertRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	if _, err := pool.Exec(ctx, insertRunSQL,
		run.RunID,
		run.DetectedAt,
		nullableDay(run.WindowStart),
		nullableDay(run.WindowEnd),
		run.Observations,
		nullableDecimal(run.Median),
		nullableDecimal(run.MAD),
		run.AnomalyCount,
		run.Status,
		errMsg,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertReport appends an anomaly report. Reports are never updated.
func (s *Store) InsertReport(ctx context.Context, report ReportRecord) (ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReportRecord{}, err
	}

	contributions, err := json.Marshal(report.Contributions)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("encode contributions: %w", err)
	}

	row := pool.QueryRow(ctx, insertReportSQL,
		report.RunID,
		detector.Day(report.Day),
		report.Total.String(),
		report.Median.String(),
		report.MAD.String(),
		report.ZScore,
		report.Kind,
		report.Severity,
		contributions,
		report.Degraded,
		report.DegradedReason,
		report.DetectedAt,
	)
	if scanErr := row.Scan(&report.ID, &report.CreatedAt); scanErr != nil {
		return ReportRecord{}, fmt.Errorf("insert report: %w", scanErr)
	}
	return report, nil
}

// ListRecentReports lists the most recently appended reports.
func (s *Store) ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReportsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent reports: %w", queryErr)
	}
	defer rows.Close()

	reports := make([]ReportRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanReport(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		reports = append(reports, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}

// DeleteReportsBefore removes reports appended before olderThan and returns
// how many were deleted.
func (s *Store) DeleteReportsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteReportsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete reports before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func nullableDecimal(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullableDay(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return detector.Day(t)
}

func scanObservation(rows pgx.Rows) (ObservationRecord, error) {
	var (
		day          time.Time
		totalStr     string
		contributors []byte
		source       string
		fetchedAt    time.Time
	)
	if err := rows.Scan(&day, &totalStr, &contributors, &source, &fetchedAt); err != nil {
		return ObservationRecord{}, err
	}

	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return ObservationRecord{}, fmt.Errorf("parse total: %w", err)
	}
	rec := ObservationRecord{
		Day:          detector.Day(day),
		Total:        total,
		Contributors: map[string]decimal.Decimal{},
		Source:       source,
		FetchedAt:    fetchedAt,
	}
	if len(contributors) > 0 {
		if err := json.Unmarshal(contributors, &rec.Contributors); err != nil {
			return ObservationRecord{}, fmt.Errorf("decode contributors: %w", err)
		}
	}
	return rec, nil
}

func scanReport(rows pgx.Rows) (ReportRecord, error) {
	var (
		rec           ReportRecord
		totalStr      string
		medianStr     string
		madStr        string
		contributions []byte
		reason        sql.NullString
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Day,
		&totalStr,
		&medianStr,
		&madStr,
		&rec.ZScore,
		&rec.Kind,
		&rec.Severity,
		&contributions,
		&rec.Degraded,
		&reason,
		&rec.DetectedAt,
		&rec.CreatedAt,
	); err != nil {
		return ReportRecord{}, err
	}

	var err error
	if rec.Total, err = decimal.NewFromString(totalStr); err != nil {
		return ReportRecord{}, fmt.Errorf("parse total: %w", err)
	}
	if rec.Median, err = decimal.NewFromString(medianStr); err != nil {
		return ReportRecord{}, fmt.Errorf("parse median: %w", err)
	}
	if rec.MAD, err = decimal.NewFromString(madStr); err != nil {
		return ReportRecord{}, fmt.Errorf("parse mad: %w", err)
	}
	rec.Contributions = []ContributionRow{}
	if len(contributions) > 0 {
		if err := json.Unmarshal(contributions, &rec.Contributions); err != nil {
			return ReportRecord{}, fmt.Errorf("decode contributions: %w", err)
		}
	}
	rec.DegradedReason = reason.String
	rec.Day = detector.Day(rec.Day)
	return rec, nil
}
