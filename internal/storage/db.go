// Package storage implements the QueueStore: the sole serialization
// point for job state (spec.md §5). It is backed by SQLite via
// modernc.org/sqlite (CGO-free) so the module stays cross-compilable.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and owns schema migration.
type DB struct {
	conn *sql.DB
	path string
}

// New opens (creating if necessary) the database at dataDir/deemusicd.db
// and runs migrations.
func New(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "deemusicd.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	db := &DB{conn: conn, path: dbPath}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,             -- track, album, playlist
		parent_id TEXT REFERENCES jobs(id) ON DELETE CASCADE,
		title TEXT,
		artist TEXT,
		quality TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL DEFAULT 0,
		bytes_downloaded INTEGER DEFAULT 0,
		total_bytes INTEGER DEFAULT 0,
		error TEXT,
		retry_count INTEGER DEFAULT 0,
		attempt_token TEXT,
		total_tracks INTEGER DEFAULT 0,
		completed_tracks INTEGER DEFAULT 0,
		failed_tracks INTEGER DEFAULT 0,
		temp_path TEXT,
		output_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_parent_id ON jobs(parent_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at, id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Conn returns the underlying connection for advanced queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Status is the closed set of job states (spec.md §3).
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Kind distinguishes a job's position in the parent/child hierarchy.
type Kind string

const (
	KindTrack    Kind = "track"
	KindAlbum    Kind = "album"
	KindPlaylist Kind = "playlist"
)

// Job is one row in the queue store (spec.md §3).
type Job struct {
	ID              string
	Kind            Kind
	ParentID        string // empty unless this is a child job
	Title           string
	Artist          string
	Quality         string
	Status          Status
	Progress        float64
	BytesDownloaded int64
	TotalBytes      int64
	Error           string
	RetryCount      int
	AttemptToken    string
	TotalTracks     int
	CompletedTracks int
	FailedTracks    int
	TempPath        string
	OutputPath      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// IsParent reports whether this job owns children (album or playlist).
func (j *Job) IsParent() bool {
	return j.Kind == KindAlbum || j.Kind == KindPlaylist
}

// IsTerminal reports whether the job's status cannot change further.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled
}

// PartialSuccess reports whether a completed parent had at least one
// failed and one completed child (spec.md §3; derived, never stored).
func (j *Job) PartialSuccess() bool {
	return j.CompletedTracks > 0 && j.FailedTracks > 0
}

// allowedTransitions is the closed transition table from spec.md §3,
// extended two ways beyond the base table: downloading->pending for the
// automatic transient-retry path the scheduler drives (spec.md §4.2),
// and pending->completed for a parent job, which never itself passes
// through downloading (only its children do) and so reaches completed
// directly once completed_tracks+failed_tracks=total_tracks (spec.md §3).
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:     {StatusDownloading: true, StatusCancelled: true, StatusCompleted: true},
	StatusDownloading: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusPending: true},
	StatusPaused:      {StatusDownloading: true, StatusCancelled: true},
	StatusFailed:      {StatusPending: true, StatusCancelled: true},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

// ValidTransition reports whether from -> to is a legal status change.
func ValidTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
