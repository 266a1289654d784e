package storage

import (
	"testing"

	apperr "github.com/deemusic/core/internal/errors"
)

// setupTestDB creates a fresh on-disk SQLite database for testing.
// Each test gets an isolated database under t.TempDir().
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func newTestJob(id string) *Job {
	return &Job{
		ID:      id,
		Kind:    KindTrack,
		Title:   "Test Track",
		Artist:  "Test Artist",
		Quality: "MP3_320",
		Status:  StatusPending,
	}
}

func TestNew_CreatesDatabaseAndMigrates(t *testing.T) {
	db := setupTestDB(t)

	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count); err != nil {
		t.Fatalf("jobs table should exist: %v", err)
	}
}

func TestNew_SetsWALMode(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
}

func TestJobRepository_Insert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	t.Run("inserts with given id", func(t *testing.T) {
		j := newTestJob("track-1")
		if err := repo.Insert(j); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
		if j.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
	})

	t.Run("rejects duplicate non-terminal id", func(t *testing.T) {
		j1 := newTestJob("dup-id")
		if err := repo.Insert(j1); err != nil {
			t.Fatalf("first Insert() should succeed: %v", err)
		}

		j2 := newTestJob("dup-id")
		err := repo.Insert(j2)
		if !apperr.IsAlreadyQueued(err) {
			t.Errorf("expected ErrAlreadyQueued, got %v", err)
		}
	})

	t.Run("allows re-enqueue of a terminal id", func(t *testing.T) {
		j := newTestJob("reenqueue-id")
		if err := repo.Insert(j); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
		if err := repo.UpdateStatus(j.ID, StatusPending, StatusCancelled, StatusPatch{}); err != nil {
			t.Fatalf("UpdateStatus() error: %v", err)
		}

		j2 := newTestJob("reenqueue-id")
		if err := repo.Insert(j2); err != nil {
			t.Errorf("Insert() over a cancelled row should succeed, got %v", err)
		}
	})
}

func TestJobRepository_Get(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	t.Run("returns job by id", func(t *testing.T) {
		j := newTestJob("get-me")
		j.Title = "My Track"
		repo.Insert(j)

		found, err := repo.Get(j.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if found.Title != "My Track" {
			t.Errorf("Title = %q, want %q", found.Title, "My Track")
		}
	})

	t.Run("returns ErrNotFound for missing id", func(t *testing.T) {
		_, err := repo.Get("missing")
		if !apperr.IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestJobRepository_UpdateStatus_CAS(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	j := newTestJob("cas-job")
	repo.Insert(j)

	t.Run("succeeds when from matches", func(t *testing.T) {
		if err := repo.UpdateStatus(j.ID, StatusPending, StatusDownloading, StatusPatch{}); err != nil {
			t.Fatalf("UpdateStatus() error: %v", err)
		}
		found, _ := repo.Get(j.ID)
		if found.Status != StatusDownloading {
			t.Errorf("Status = %q, want %q", found.Status, StatusDownloading)
		}
	})

	t.Run("fails with StaleState when from no longer matches", func(t *testing.T) {
		err := repo.UpdateStatus(j.ID, StatusPending, StatusDownloading, StatusPatch{})
		if err != apperr.ErrStaleState {
			t.Errorf("expected ErrStaleState, got %v", err)
		}
	})

	t.Run("rejects illegal transition", func(t *testing.T) {
		err := repo.UpdateStatus(j.ID, StatusDownloading, StatusPending, StatusPatch{})
		if err != apperr.ErrInvalidStatus {
			t.Errorf("expected ErrInvalidStatus, got %v", err)
		}
	})

	t.Run("applies patch fields atomically with the transition", func(t *testing.T) {
		errMsg := "boom"
		patch := StatusPatch{Error: &errMsg}
		if err := repo.UpdateStatus(j.ID, StatusDownloading, StatusFailed, patch); err != nil {
			t.Fatalf("UpdateStatus() error: %v", err)
		}
		found, _ := repo.Get(j.ID)
		if found.Error != errMsg {
			t.Errorf("Error = %q, want %q", found.Error, errMsg)
		}
		if found.RetryCount != 1 {
			t.Errorf("RetryCount = %d, want 1 after transition to failed", found.RetryCount)
		}
	})
}

func TestJobRepository_UpdateProgress(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	j := newTestJob("progress-job")
	repo.Insert(j)

	if err := repo.UpdateProgress(j.ID, 42.5, 1024, 4096); err != nil {
		t.Fatalf("UpdateProgress() error: %v", err)
	}

	found, _ := repo.Get(j.ID)
	if found.Progress != 42.5 {
		t.Errorf("Progress = %f, want 42.5", found.Progress)
	}
	if found.Status != StatusPending {
		t.Error("UpdateProgress must never change status")
	}
}

func TestJobRepository_IncrementParentCounters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	parent := &Job{ID: "album-1", Kind: KindAlbum, Quality: "MP3_320", Status: StatusDownloading, TotalTracks: 3}
	repo.Insert(parent)

	updated, err := repo.IncrementParentCounters(parent.ID, 1, 0)
	if err != nil {
		t.Fatalf("IncrementParentCounters() error: %v", err)
	}
	if updated.CompletedTracks != 1 {
		t.Errorf("CompletedTracks = %d, want 1", updated.CompletedTracks)
	}

	updated, err = repo.IncrementParentCounters(parent.ID, 1, 1)
	if err != nil {
		t.Fatalf("IncrementParentCounters() error: %v", err)
	}
	if updated.CompletedTracks != 2 || updated.FailedTracks != 1 {
		t.Errorf("got completed=%d failed=%d, want 2/1", updated.CompletedTracks, updated.FailedTracks)
	}
	if updated.CompletedTracks+updated.FailedTracks > updated.TotalTracks {
		t.Error("completed+failed must never exceed total_tracks")
	}
}

func TestJobRepository_Delete_CascadesChildren(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	parent := &Job{ID: "album-cascade", Kind: KindAlbum, Quality: "MP3_320", Status: StatusPending, TotalTracks: 1}
	repo.Insert(parent)

	child := &Job{ID: "track-child", Kind: KindTrack, ParentID: parent.ID, Quality: "MP3_320", Status: StatusPending}
	repo.Insert(child)

	if err := repo.Delete(parent.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if _, err := repo.Get(child.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected child to cascade-delete, got err=%v", err)
	}
}

func TestJobRepository_ClearCompleted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	completed := newTestJob("done")
	repo.Insert(completed)
	repo.UpdateStatus(completed.ID, StatusPending, StatusDownloading, StatusPatch{})
	repo.UpdateStatus(completed.ID, StatusDownloading, StatusCompleted, StatusPatch{})

	active := newTestJob("active")
	repo.Insert(active)

	n, err := repo.ClearCompleted()
	if err != nil {
		t.Fatalf("ClearCompleted() error: %v", err)
	}
	if n != 1 {
		t.Errorf("ClearCompleted() removed %d rows, want 1", n)
	}

	if _, err := repo.Get(active.ID); err != nil {
		t.Errorf("active job should survive ClearCompleted, got %v", err)
	}
}

func TestJobRepository_NextPending_RespectsPerParentCap(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	parent := &Job{ID: "album-cap", Kind: KindAlbum, Quality: "MP3_320", Status: StatusDownloading, TotalTracks: 3}
	repo.Insert(parent)

	downloading := &Job{ID: "t1", Kind: KindTrack, ParentID: parent.ID, Quality: "MP3_320", Status: StatusPending}
	repo.Insert(downloading)
	repo.UpdateStatus(downloading.ID, StatusPending, StatusDownloading, StatusPatch{})

	pending := &Job{ID: "t2", Kind: KindTrack, ParentID: parent.ID, Quality: "MP3_320", Status: StatusPending}
	repo.Insert(pending)

	next, err := repo.NextPending(1)
	if err != nil {
		t.Fatalf("NextPending() error: %v", err)
	}
	if next != nil {
		t.Errorf("expected no candidate when parent is at its cap, got %v", next.ID)
	}

	next, err = repo.NextPending(2)
	if err != nil {
		t.Fatalf("NextPending() error: %v", err)
	}
	if next == nil || next.ID != "t2" {
		t.Errorf("expected t2 to be runnable under a higher cap, got %v", next)
	}
}

func TestJobRepository_Stats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)

	p := newTestJob("stats-pending")
	repo.Insert(p)

	d := newTestJob("stats-downloading")
	repo.Insert(d)
	repo.UpdateStatus(d.ID, StatusPending, StatusDownloading, StatusPatch{})

	total, pending, downloading, completed, failed, err := repo.Stats()
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if total != 2 || pending != 1 || downloading != 1 || completed != 0 || failed != 0 {
		t.Errorf("Stats() = total=%d pending=%d downloading=%d completed=%d failed=%d",
			total, pending, downloading, completed, failed)
	}
}
