// Package history persists a job-execution audit trail to SQLite. The store
// is write-mostly; the API reads back the most recent entries for the status
// surface.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	class TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	yields INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_recorded_at ON job_history(recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id);
`

// Entry is one recorded job execution.
type Entry struct {
	JobID      string    `json:"jobId"`
	Kind       string    `json:"kind"`
	Domain     string    `json:"domain,omitempty"`
	Class      string    `json:"class,omitempty"`
	Success    bool      `json:"success"`
	Yields     int       `json:"yields"`
	TokensUsed int64     `json:"tokensUsed"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store is the SQLite-backed history store.
type Store struct {
	conn *sql.DB
	log  zerolog.Logger
}

// Open opens (or creates) the history database at path and migrates the
// schema. The cache profile is used: history is an audit convenience, not a
// ledger, so synchronous fsync is off.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving history db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("creating history db directory: %w", err)
		}
		path = abs
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)&_pragma=temp_store(MEMORY)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// Single writer; more connections just fight over the file lock.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &Store{
		conn: conn,
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record inserts one entry. Failures are returned but callers treat them as
// non-fatal; history never blocks the dispatcher.
func (s *Store) Record(e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := s.conn.Exec(
		`INSERT INTO job_history (job_id, kind, domain, class, success, yields, tokens_used, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Kind, e.Domain, e.Class, boolToInt(e.Success), e.Yields, e.TokensUsed, e.Error, e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording job history: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.conn.Query(
		`SELECT job_id, kind, domain, class, success, yields, tokens_used, error, recorded_at
		 FROM job_history ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var success int
		var recordedAt string
		if err := rows.Scan(&e.JobID, &e.Kind, &e.Domain, &e.Class, &success, &e.Yields, &e.TokensUsed, &e.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning job history row: %w", err)
		}
		e.Success = success != 0
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of recorded executions.
func (s *Store) Count() (int64, error) {
	var count int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM job_history`).Scan(&count)
	return count, err
}

// Prune deletes entries recorded before cutoff and returns how many rows
// were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM job_history WHERE recorded_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning job history: %w", err)
	}
	return res.RowsAffected()
}

// ResetForTests deletes all rows.
func (s *Store) ResetForTests() error {
	_, err := s.conn.Exec(`DELETE FROM job_history`)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
