package storage

import (
	"database/sql"
	"time"

	apperr "github.com/deemusic/core/internal/errors"
)

// jobColumns is the standard SELECT column list using COALESCE to avoid
// sql.NullString overhead for rows with absent optional fields.
const jobColumns = `id, kind, COALESCE(parent_id,''), COALESCE(title,''), COALESCE(artist,''),
	quality, status, progress, bytes_downloaded, total_bytes, COALESCE(error,''),
	retry_count, COALESCE(attempt_token,''), total_tracks, completed_tracks, failed_tracks,
	COALESCE(temp_path,''), COALESCE(output_path,''), created_at, updated_at, completed_at`

// JobRepository implements the QueueStore operations of spec.md §4.1.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository over db.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert adds a new job row. It fails with ErrAlreadyQueued if id
// collides with an existing non-terminal row.
func (r *JobRepository) Insert(j *Job) error {
	existing, err := r.Get(j.ID)
	if err != nil && !apperr.IsNotFound(err) {
		return err
	}
	if existing != nil && !existing.IsTerminal() {
		return apperr.ErrAlreadyQueued
	}

	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = StatusPending
	}

	query := `
		INSERT INTO jobs (id, kind, parent_id, title, artist, quality, status,
			total_tracks, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, parent_id=excluded.parent_id, title=excluded.title,
			artist=excluded.artist, quality=excluded.quality, status=excluded.status,
			progress=0, bytes_downloaded=0, total_bytes=0, error=NULL,
			retry_count=0, attempt_token=NULL, total_tracks=excluded.total_tracks,
			completed_tracks=0, failed_tracks=0, updated_at=excluded.updated_at,
			completed_at=NULL
	`
	_, err = r.db.conn.Exec(query,
		j.ID, string(j.Kind), j.ParentID, j.Title, j.Artist, j.Quality, string(j.Status),
		j.TotalTracks, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// Get retrieves a job by id, or ErrNotFound.
func (r *JobRepository) Get(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	j, err := r.scanOne(r.db.conn.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	return j, err
}

// List returns a page of jobs ordered by created_at, then id, optionally
// filtered by status, along with the total matching row count.
func (r *JobRepository) List(offset, limit int, filterStatus Status) ([]*Job, int, error) {
	var (
		rows  *sql.Rows
		err   error
		total int
	)

	if filterStatus != "" {
		if err := r.db.conn.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(filterStatus)).Scan(&total); err != nil {
			return nil, 0, err
		}
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
		rows, err = r.db.conn.Query(query, string(filterStatus), limit, offset)
	} else {
		if err := r.db.conn.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
			return nil, 0, err
		}
		query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
		rows, err = r.db.conn.Query(query, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := r.scanAll(rows)
	return jobs, total, err
}

// StatusPatch carries the optional fields UpdateStatus may also set in
// the same transaction as the status CAS (spec.md §4.1).
type StatusPatch struct {
	Progress        *float64
	BytesDownloaded *int64
	TotalBytes      *int64
	Error           *string
	AttemptToken    *string
	CompletedAt     *time.Time
	TempPath        *string
	OutputPath      *string
	RetryCount      *int
}

// UpdateStatus performs the conditional status transition: it succeeds
// only if the row's current status equals from, returning ErrStaleState
// otherwise.
func (r *JobRepository) UpdateStatus(id string, from, to Status, patch StatusPatch) error {
	if !ValidTransition(from, to) {
		return apperr.ErrInvalidStatus
	}

	tx, err := r.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return apperr.ErrNotFound
		}
		return err
	}
	if current != string(from) {
		return apperr.ErrStaleState
	}

	set := "status = ?, updated_at = ?"
	args := []any{string(to), time.Now()}

	if patch.Progress != nil {
		set += ", progress = ?"
		args = append(args, *patch.Progress)
	}
	if patch.BytesDownloaded != nil {
		set += ", bytes_downloaded = ?"
		args = append(args, *patch.BytesDownloaded)
	}
	if patch.TotalBytes != nil {
		set += ", total_bytes = ?"
		args = append(args, *patch.TotalBytes)
	}
	if patch.Error != nil {
		set += ", error = ?"
		args = append(args, *patch.Error)
	}
	if patch.AttemptToken != nil {
		set += ", attempt_token = ?"
		args = append(args, *patch.AttemptToken)
	}
	if patch.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, *patch.CompletedAt)
	}
	if patch.TempPath != nil {
		set += ", temp_path = ?"
		args = append(args, *patch.TempPath)
	}
	if patch.OutputPath != nil {
		set += ", output_path = ?"
		args = append(args, *patch.OutputPath)
	}
	if patch.RetryCount != nil {
		set += ", retry_count = ?"
		args = append(args, *patch.RetryCount)
	} else if to == StatusFailed {
		set += ", retry_count = retry_count + 1"
	} else if to == StatusPending && from == StatusFailed {
		set += ", retry_count = 0"
	}

	args = append(args, id)
	if _, err := tx.Exec(`UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateProgress is the unconditional fast path used by a worker mid-job.
// It never transitions status.
func (r *JobRepository) UpdateProgress(id string, progress float64, bytesDownloaded, totalBytes int64) error {
	query := `UPDATE jobs SET progress = ?, bytes_downloaded = ?, total_bytes = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.conn.Exec(query, progress, bytesDownloaded, totalBytes, time.Now(), id)
	return err
}

// SetTempPath records the on-disk temp artifact path for a job without
// touching its status, used by the pipeline's Fetch stage before any
// bytes are written (spec.md §3 TempArtifact).
func (r *JobRepository) SetTempPath(id, path string) error {
	_, err := r.db.conn.Exec(`UPDATE jobs SET temp_path = ?, updated_at = ? WHERE id = ?`, path, time.Now(), id)
	return err
}

// SetTotalTracks records the final expected child count on a parent
// job, used once expansion has determined exactly how many children
// were actually inserted (some may be skipped as duplicates of an
// already-queued track).
func (r *JobRepository) SetTotalTracks(id string, total int) error {
	_, err := r.db.conn.Exec(`UPDATE jobs SET total_tracks = ?, updated_at = ? WHERE id = ?`, total, time.Now(), id)
	return err
}

// IncrementParentCounters atomically adjusts a parent's completed/failed
// child counts and returns the updated row.
func (r *JobRepository) IncrementParentCounters(parentID string, completedDelta, failedDelta int) (*Job, error) {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE jobs SET completed_tracks = completed_tracks + ?,
		failed_tracks = failed_tracks + ?, updated_at = ? WHERE id = ?`,
		completedDelta, failedDelta, time.Now(), parentID)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, parentID)
	j, err := r.scanOne(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// MaybeCompleteParent transitions a parent job from pending to completed
// once every one of its children has reached a terminal state. A parent
// never itself passes through downloading (only its children do), so
// this CAS is the only path by which a parent reaches completed
// (spec.md §3: "a parent transitions to completed when
// completed_tracks+failed_tracks=total_tracks"). It is a no-op (false,
// nil) if the parent isn't pending or still has work in flight; the
// caller uses the bool to decide whether to emit a status event. A
// parent expanded to zero tracks (e.g. an empty provider response)
// satisfies the equation trivially and completes immediately — callers
// that just finished expansion call this once to cover that case.
func (r *JobRepository) MaybeCompleteParent(parentID string) (bool, error) {
	j, err := r.Get(parentID)
	if err != nil {
		return false, err
	}
	if j.Status != StatusPending || j.CompletedTracks+j.FailedTracks < j.TotalTracks {
		return false, nil
	}
	completedAt := time.Now()
	err = r.UpdateStatus(parentID, StatusPending, StatusCompleted, StatusPatch{CompletedAt: &completedAt})
	if err == apperr.ErrStaleState {
		// Lost a race with a concurrent counter update that already
		// completed it (or cancelled it) first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a job row. Children cascade via the foreign key.
func (r *JobRepository) Delete(id string) error {
	_, err := r.db.conn.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// ClearCompleted deletes every completed row and returns the count
// removed. Parents with unfinished children are untouched because only
// rows whose own status is completed are targeted.
func (r *JobRepository) ClearCompleted() (int, error) {
	res, err := r.db.conn.Exec(`DELETE FROM jobs WHERE status = ?`, string(StatusCompleted))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Children returns every child row of a parent job, regardless of
// status; callers filter by status themselves (e.g. CancelDownload
// skips the already-terminal ones).
func (r *JobRepository) Children(parentID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE parent_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := r.db.conn.Query(query, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// PendingChildrenCount counts a parent's currently-downloading children,
// used by the scheduler to enforce the per-parent concurrency cap.
func (r *JobRepository) DownloadingChildrenCount(parentID string) (int, error) {
	var n int
	err := r.db.conn.QueryRow(`SELECT COUNT(*) FROM jobs WHERE parent_id = ? AND status = ?`,
		parentID, string(StatusDownloading)).Scan(&n)
	return n, err
}

// NextPending returns the oldest pending track job eligible to run,
// i.e. whose parent (if any) has fewer than perParentCap children
// currently downloading. Album/playlist container jobs are never
// returned: only leaf track jobs are ever actually downloaded, the
// scheduler only ever dispatches those (spec.md §4.2).
func (r *JobRepository) NextPending(perParentCap int) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.status = 'pending' AND j.kind = 'track'
		AND (j.parent_id IS NULL OR j.parent_id = '' OR (
			SELECT COUNT(*) FROM jobs c WHERE c.parent_id = j.parent_id AND c.status = 'downloading'
		) < ?)
		ORDER BY j.created_at ASC, j.id ASC LIMIT 1`
	j, err := r.scanOne(r.db.conn.QueryRow(query, perParentCap))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// Stats computes aggregate queue counters (spec.md §4.5 QueueStats).
func (r *JobRepository) Stats() (total, pending, downloading, completed, failed int, err error) {
	rows, err := r.db.conn.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err = rows.Scan(&status, &count); err != nil {
			return
		}
		total += count
		switch Status(status) {
		case StatusPending:
			pending = count
		case StatusDownloading:
			downloading = count
		case StatusCompleted:
			completed = count
		case StatusFailed:
			failed = count
		}
	}
	err = rows.Err()
	return
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *JobRepository) scanOne(row scannable) (*Job, error) {
	j := &Job{}
	var kind, status string
	err := row.Scan(
		&j.ID, &kind, &j.ParentID, &j.Title, &j.Artist,
		&j.Quality, &status, &j.Progress, &j.BytesDownloaded, &j.TotalBytes, &j.Error,
		&j.RetryCount, &j.AttemptToken, &j.TotalTracks, &j.CompletedTracks, &j.FailedTracks,
		&j.TempPath, &j.OutputPath, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	return j, nil
}

func (r *JobRepository) scanAll(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
