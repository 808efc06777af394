// Package history records terminal dispatch outcomes in a SQLite audit log.
// The log is purely observational: nothing in the pipeline reads it back to
// make decisions, and in-flight state is never persisted.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one row of the dispatch log.
type Record struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	Path        string    `json:"path"`
	Digest      string    `json:"digest,omitempty"`
	Status      string    `json:"status"`
	ExitCode    int       `json:"exit_code"`
	Stderr      string    `json:"stderr,omitempty"`
	Error       string    `json:"error,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store writes and reads dispatch records.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one dispatch record.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if rec.Status == "" {
		return fmt.Errorf("record status is empty")
	}

	var startedAt any
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_log(
  id, target, path, digest, status, exit_code, stderr, error,
  detected_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.ID, rec.Target, rec.Path, nullable(rec.Digest), rec.Status, rec.ExitCode,
		nullable(rec.Stderr), nullable(rec.Error),
		rec.DetectedAt.UTC().Format(time.RFC3339Nano),
		startedAt,
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, target, path, digest, status, exit_code, stderr, error,
       detected_at, started_at, completed_at
FROM dispatch_log
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec          Record
			digest       sql.NullString
			stderr       sql.NullString
			errText      sql.NullString
			detectedAtS  string
			startedAtS   sql.NullString
			completedAtS string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Target, &rec.Path, &digest, &rec.Status, &rec.ExitCode,
			&stderr, &errText, &detectedAtS, &startedAtS, &completedAtS,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		rec.Digest = digest.String
		rec.Stderr = stderr.String
		rec.Error = errText.String
		if t, err := time.Parse(time.RFC3339Nano, detectedAtS); err == nil {
			rec.DetectedAt = t
		}
		if startedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
				rec.StartedAt = t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			rec.CompletedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch log: %w", err)
	}
	return out, nil
}

// CountByStatus returns how many records carry each status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM dispatch_log GROUP BY status;
`)
	if err != nil {
		return nil, fmt.Errorf("count dispatch log: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("dispatch record not found")

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	recs, err := s.scanOne(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return recs, nil
}

func (s *Store) scanOne(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, target, path, digest, status, exit_code, stderr, error,
       detected_at, started_at, completed_at
FROM dispatch_log
WHERE id = ?;
`, id)

	var (
		rec          Record
		digest       sql.NullString
		stderr       sql.NullString
		errText      sql.NullString
		detectedAtS  string
		startedAtS   sql.NullString
		completedAtS string
	)
	err := row.Scan(
		&rec.ID, &rec.Target, &rec.Path, &digest, &rec.Status, &rec.ExitCode,
		&stderr, &errText, &detectedAtS, &startedAtS, &completedAtS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load dispatch record: %w", err)
	}
	rec.Digest = digest.String
	rec.Stderr = stderr.String
	rec.Error = errText.String
	if t, err := time.Parse(time.RFC3339Nano, detectedAtS); err == nil {
		rec.DetectedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			rec.StartedAt = t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
		rec.CompletedAt = t
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
