package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store errors
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotProcessing      = errors.New("job is not processing")
	ErrProgressRegression = errors.New("progress may not decrease")
	ErrInvalidProgress    = errors.New("progress must be between 0 and 99 while processing")
	ErrMissingResult      = errors.New("completed job requires a result reference")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	model TEXT NOT NULL,
	output_format TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	result_ref TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	duration_seconds REAL,
	external_handle TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, id);

CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	job_id TEXT NOT NULL UNIQUE,
	minutes_used INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_records(owner_id, recorded_at);

CREATE TABLE IF NOT EXISTS accounts (
	owner_id TEXT PRIMARY KEY,
	plan TEXT NOT NULL DEFAULT 'FREE',
	monthly_minutes_used INTEGER NOT NULL DEFAULT 0,
	period_start INTEGER NOT NULL DEFAULT 0
);
`

// DB is the SQLite-backed job store and usage ledger
type DB struct {
	db  *sql.DB
	now func() time.Time

	// afterUsageInsert runs inside the usage transaction between the record
	// insert and the counter update; tests use it to force a rollback
	afterUsageInsert func() error
}

// Option customises a DB
type Option func(*DB)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens (creating if needed) the SQLite database at dbPath and applies the schema
func Open(dbPath string, opts ...Option) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serialises writers; CAS and the ledger transaction rely on it
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	d := &DB{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Ping checks the database connection
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// monthStart returns the first instant of t's calendar month in UTC
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
