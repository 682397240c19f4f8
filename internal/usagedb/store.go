package usagedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	// register database drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Entry is one finished request.
type Entry struct {
	ID           string
	ProjectID    string
	Model        string
	InputTokens  int
	OutputTokens int
	DurationMS   int64
	Failed       bool
	CreatedAt    time.Time
}

// Totals aggregates usage per model.
type Totals struct {
	Model        string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

// Store logs request usage. A postgres:// DSN opens postgres via pgx;
// anything else is treated as a SQLite file path.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects and applies the schema.
func Open(dsn string) (*Store, error) {
	var db *sql.DB
	var err error
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if postgres {
		db, err = sql.Open("pgx", dsn)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create usage db directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if !postgres {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &Store{db: db, postgres: postgres}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS request_usage (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_usage_project_created ON request_usage(project_id, created_at DESC);
`
	if s.postgres {
		schema = strings.ReplaceAll(schema, "failed INTEGER NOT NULL DEFAULT 0", "failed BOOLEAN NOT NULL DEFAULT FALSE")
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply usage schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished request.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.ProjectID == "" {
		return errors.New("usage record requires project id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO request_usage(id, project_id, model, input_tokens, output_tokens, duration_ms, failed, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID,
		entry.ProjectID,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.DurationMS,
		entry.Failed,
		entry.CreatedAt,
	)
	return err
}

// ListRecent returns the latest entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, project_id, model, input_tokens, output_tokens, duration_ms, failed, created_at
FROM request_usage
ORDER BY created_at DESC
LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Model, &e.InputTokens, &e.OutputTokens, &e.DurationMS, &e.Failed, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalsByModel aggregates usage since the cutoff.
func (s *Store) TotalsByModel(ctx context.Context, since time.Time) ([]Totals, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM request_usage
WHERE created_at >= ?
GROUP BY model
ORDER BY model`), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Totals
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.Model, &t.Requests, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
