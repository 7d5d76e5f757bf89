package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/vocalcheck/internal/analysis"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS analysis_results (
    session_id   TEXT    PRIMARY KEY,
    status       TEXT    NOT NULL,
    metrics      TEXT,
    charts       TEXT,
    report_ref   TEXT    NOT NULL DEFAULT '',
    error        TEXT    NOT NULL DEFAULT '',
    object_keys  TEXT    NOT NULL DEFAULT '[]',
    completed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_completed_at
    ON analysis_results (completed_at DESC);
`

// SQLiteStore keeps records in an embedded SQLite database. JSON columns are
// stored as text and completion times as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and creates the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive sqlite: open: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts rec.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	metrics, err := marshalNullable(rec.Metrics)
	if err != nil {
		return fmt.Errorf("archive sqlite: metrics: %w", err)
	}
	charts, err := marshalNullable(rec.Charts)
	if err != nil {
		return fmt.Errorf("archive sqlite: charts: %w", err)
	}
	keys := rec.ObjectKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("archive sqlite: object keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results
			(session_id, status, metrics, charts, report_ref, error, object_keys, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			status       = excluded.status,
			metrics      = excluded.metrics,
			charts       = excluded.charts,
			report_ref   = excluded.report_ref,
			error        = excluded.error,
			object_keys  = excluded.object_keys,
			completed_at = excluded.completed_at
	`, rec.SessionID, string(rec.Status), metrics, charts, rec.ReportRef, rec.Error,
		string(keysJSON), rec.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("archive sqlite: save %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get returns the record of sessionID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM analysis_results WHERE session_id = ?`, sessionID)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("archive sqlite: get %s: %w", sessionID, err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM analysis_results ORDER BY completed_at DESC`
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("archive sqlite: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Record, error) {
	var (
		rec              Record
		status, keysJSON string
		metrics, charts  sql.NullString
		completedAt      int64
	)
	if err := row.Scan(&rec.SessionID, &status, &metrics, &charts,
		&rec.ReportRef, &rec.Error, &keysJSON, &completedAt); err != nil {
		return Record{}, err
	}
	rec.Status = analysis.Status(status)
	rec.CompletedAt = time.Unix(0, completedAt).UTC()
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &rec.Metrics); err != nil {
			return Record{}, fmt.Errorf("metrics: %w", err)
		}
	}
	if charts.Valid {
		if err := json.Unmarshal([]byte(charts.String), &rec.Charts); err != nil {
			return Record{}, fmt.Errorf("charts: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(keysJSON), &rec.ObjectKeys); err != nil {
		return Record{}, fmt.Errorf("object keys: %w", err)
	}
	if len(rec.ObjectKeys) == 0 {
		rec.ObjectKeys = nil
	}
	return rec, nil
}

// marshalNullable encodes v as JSON text, mapping nil maps to SQL NULL.
func marshalNullable[M ~map[K]V, K comparable, V any](v M) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
