// Package checkpoint persists pipeline state in a local SQLite database:
// the incremental watermark per job, and the run history the registry and
// CLI report on. Losing the file is safe — jobs fall back to the default
// lookback window — but keeping it makes incremental processing resume
// where it left off across restarts.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded job invocation.
type Run struct {
	ID          string
	Job         string
	Mode        string
	WindowStart time.Time
	WindowEnd   time.Time
	Status      string
	Error       string
	RowsLoaded  int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// State is the SQLite-backed state store.
type State struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS watermarks (
	job            TEXT PRIMARY KEY,
	last_processed TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	job          TEXT NOT NULL,
	mode         TEXT NOT NULL,
	window_start TEXT,
	window_end   TEXT,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	rows_loaded  INTEGER NOT NULL DEFAULT 0,
	started_at   TEXT NOT NULL,
	finished_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_job_started ON runs(job, started_at);
`

// Open opens (creating if needed) the state database at path.
func Open(path string) (*State, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// SQLite handles one writer at a time; serialize access on one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Ping verifies the state database is reachable.
func (s *State) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Watermark returns the persisted watermark for a job, with ok=false when
// none is recorded yet.
func (s *State) Watermark(job string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT last_processed FROM watermarks WHERE job = ?`, job).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading watermark for %s: %w", job, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark for %s: %w", job, err)
	}
	return t, true, nil
}

// SetWatermark upserts the watermark for a job.
func (s *State) SetWatermark(job string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO watermarks (job, last_processed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET last_processed = excluded.last_processed, updated_at = excluded.updated_at`,
		job, t.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving watermark for %s: %w", job, err)
	}
	return nil
}

// CreateRun records the start of a job invocation and returns its run ID.
func (s *State) CreateRun(job, mode string, windowStart, windowEnd time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, job, mode, window_start, window_end, status, started_at)
		VALUES (?, ?, ?, ?, ?, 'running', ?)`,
		id, job, mode,
		windowStart.Format(time.RFC3339Nano), windowEnd.Format(time.RFC3339Nano),
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("recording run start for %s: %w", job, err)
	}
	return id, nil
}

// CompleteRun records the outcome of a run.
func (s *State) CompleteRun(id, status, errMsg string, rows int64) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, rows_loaded = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, rows, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("recording run outcome %s: %w", id, err)
	}
	return nil
}

// LastRun returns the most recently started run for a job, or nil when
// the job has never run.
func (s *State) LastRun(job string) (*Run, error) {
	rows, err := s.queryRuns(`
		SELECT id, job, mode, window_start, window_end, status, error, rows_loaded, started_at, finished_at
		FROM runs WHERE job = ? ORDER BY started_at DESC LIMIT 1`, job)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// History returns the most recent runs, newest first.
func (s *State) History(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(`
		SELECT id, job, mode, window_start, window_end, status, error, rows_loaded, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
}

func (s *State) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var winStart, winEnd, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &r.Mode, &winStart, &winEnd, &r.Status, &r.Error, &r.RowsLoaded, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.WindowStart, _ = time.Parse(time.RFC3339Nano, winStart)
		r.WindowEnd, _ = time.Parse(time.RFC3339Nano, winEnd)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
