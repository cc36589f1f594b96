// Package history provides SQLite-backed persistence of completed
// executions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"buildcore/internal/digest"
	"buildcore/internal/exec"
)

// Store is the execution history database. It implements exec.HistorySink.
type Store struct {
	db *sql.DB
}

var _ exec.HistorySink = (*Store)(nil)

// Open creates the database at path if needed and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		description TEXT,
		location TEXT,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_action ON executions(action);
	CREATE INDEX IF NOT EXISTS idx_executions_finished_at ON executions(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one execution.
func (s *Store) Append(ctx context.Context, rec exec.Record) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, action, description, location, cache_hit, exit_code, duration_ns, attempts, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.Action.String(), rec.Description, rec.Location, rec.CacheHit,
		rec.ExitCode, int64(rec.Duration), rec.Attempts, rec.Error, rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Query filters List. Zero fields match everything.
type Query struct {
	Action     digest.Digest
	Location   string
	FailedOnly bool
	Since      time.Time
	Limit      int
}

// List returns matching executions, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]exec.Record, error) {
	var where []string
	var args []interface{}
	if !q.Action.IsZero() {
		where = append(where, "action = ?")
		args = append(args, q.Action.String())
	}
	if q.Location != "" {
		where = append(where, "location = ?")
		args = append(args, q.Location)
	}
	if q.FailedOnly {
		where = append(where, "(exit_code != 0 OR error != '')")
	}
	if !q.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT action, description, location, cache_hit, exit_code, duration_ns, attempts, error, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []exec.Record
	for rows.Next() {
		var (
			rec                    exec.Record
			action                 string
			desc, location, errMsg sql.NullString
			duration               int64
		)
		if err := rows.Scan(&action, &desc, &location, &rec.CacheHit, &rec.ExitCode, &duration, &rec.Attempts, &errMsg, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if rec.Action, err = digest.Parse(action); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Description = desc.String
		rec.Location = location.String
		rec.Error = errMsg.String
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates the whole history.
type Summary struct {
	Total      int
	CacheHits  int
	Failures   int
	ByLocation map[string]int
}

func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{ByLocation: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(location, ''), COUNT(*),
			SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
			SUM(CASE WHEN exit_code != 0 OR COALESCE(error, '') != '' THEN 1 ELSE 0 END)
		FROM executions GROUP BY location`)
	if err != nil {
		return sum, fmt.Errorf("summarize executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var loc string
		var n, hits, failures int
		if err := rows.Scan(&loc, &n, &hits, &failures); err != nil {
			return sum, fmt.Errorf("scan summary: %w", err)
		}
		sum.ByLocation[loc] += n
		sum.Total += n
		sum.CacheHits += hits
		sum.Failures += failures
	}
	return sum, rows.Err()
}

// Prune deletes executions that finished before t and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}
