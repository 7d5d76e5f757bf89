package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalcheck/internal/analysis"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS analysis_results (
    session_id   TEXT         PRIMARY KEY,
    status       TEXT         NOT NULL,
    metrics      JSONB,
    charts       JSONB,
    report_ref   TEXT         NOT NULL DEFAULT '',
    error        TEXT         NOT NULL DEFAULT '',
    object_keys  TEXT[]       NOT NULL DEFAULT '{}',
    completed_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_completed_at
    ON analysis_results (completed_at DESC);
`

// PostgresStore keeps records in the analysis_results table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings the server and creates the schema
// if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts rec.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO analysis_results
    (session_id, status, metrics, charts, report_ref, error, object_keys, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO UPDATE SET
    status       = EXCLUDED.status,
    metrics      = EXCLUDED.metrics,
    charts       = EXCLUDED.charts,
    report_ref   = EXCLUDED.report_ref,
    error        = EXCLUDED.error,
    object_keys  = EXCLUDED.object_keys,
    completed_at = EXCLUDED.completed_at`

	keys := rec.ObjectKeys
	if keys == nil {
		keys = []string{}
	}
	_, err := s.pool.Exec(ctx, q,
		rec.SessionID, string(rec.Status), rec.Metrics, rec.Charts,
		rec.ReportRef, rec.Error, keys, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive postgres: save %s: %w", rec.SessionID, err)
	}
	return nil
}

const selectColumns = `session_id, status, metrics, charts, report_ref, error, object_keys, completed_at`

// Get returns the record of sessionID.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM analysis_results WHERE session_id = $1`, sessionID)
	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("archive postgres: get %s: %w", sessionID, err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM analysis_results ORDER BY completed_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("archive postgres: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive postgres: list: %w", err)
	}
	return out, nil
}

// Ping checks the connection pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.SessionID, &status, &rec.Metrics, &rec.Charts,
		&rec.ReportRef, &rec.Error, &rec.ObjectKeys, &rec.CompletedAt); err != nil {
		return Record{}, err
	}
	rec.Status = analysis.Status(status)
	rec.CompletedAt = rec.CompletedAt.UTC()
	if len(rec.ObjectKeys) == 0 {
		rec.ObjectKeys = nil
	}
	return rec, nil
}
