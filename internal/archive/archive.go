// Package archive stores the outcome of finished analyses.
//
// When an assessment's analysis reaches a terminal state the app saves one
// [Record] per session. Three backends implement [Store]:
//
//   - [FileStore]: append-only JSON lines in a local file.
//   - [PostgresStore]: an analysis_results table accessed through pgx.
//   - [SQLiteStore]: the same table in an embedded SQLite database.
//
// Saving the same session again replaces the earlier record. Archive failures
// are reported to the caller but never feed back into session state.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/vocalcheck/internal/analysis"
)

// ErrNotFound is returned by [Store.Get] for unknown sessions.
var ErrNotFound = errors.New("archive: record not found")

// Record is the archived outcome of one assessment.
type Record struct {
	SessionID string          `json:"session_id"`
	Status    analysis.Status `json:"status"`

	Metrics   map[string]any    `json:"metrics,omitempty"`
	Charts    map[string]string `json:"charts,omitempty"`
	ReportRef string            `json:"report_ref,omitempty"`
	Error     string            `json:"error,omitempty"`

	// ObjectKeys are the storage references of the uploaded clips.
	ObjectKeys []string `json:"object_keys,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// FromResult builds a record from a terminal analysis result.
func FromResult(sessionID string, res analysis.Result, objectKeys []string, at time.Time) Record {
	res = res.Clone()
	return Record{
		SessionID:   sessionID,
		Status:      res.Status,
		Metrics:     res.Metrics,
		Charts:      res.Charts,
		ReportRef:   res.ReportRef,
		Error:       res.Error,
		ObjectKeys:  append([]string(nil), objectKeys...),
		CompletedAt: at.UTC(),
	}
}

// Store persists records. Implementations are safe for concurrent use.
type Store interface {
	// Save inserts rec or replaces the record of the same session.
	Save(ctx context.Context, rec Record) error

	// Get returns the record of sessionID or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (Record, error)

	// List returns up to limit records, most recently completed first.
	// A limit <= 0 returns every record.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
