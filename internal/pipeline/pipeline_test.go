package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/deemusic/core/internal/config"
	"github.com/deemusic/core/internal/metadata"
	"github.com/deemusic/core/internal/pipeline"
	"github.com/deemusic/core/internal/storage"
)

func newTestPipeline(t *testing.T, provider metadata.Provider, root string) (*pipeline.Pipeline, *storage.JobRepository) {
	t.Helper()
	db, err := storage.New(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := storage.NewJobRepository(db)

	cfg := config.Config{
		Download: config.DownloadConfig{
			OutputDir:    filepath.Join(root, "out"),
			Quality:      config.QualityMP3320,
			EmbedArtwork: true,
		},
	}

	pl := pipeline.New(provider, repo, nil, nil, nil,
		func() string { return filepath.Join(root, "tmp") },
		func() config.Config { return cfg },
	)
	return pl, repo
}

func TestPipeline_Run_EndToEnd(t *testing.T) {
	root := t.TempDir()
	payload := []byte("small payload shorter than one stripe segment")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	fake := metadata.NewFake()
	fake.Downloads["track1"] = metadata.ResolvedDownload{URL: srv.URL, Size: int64(len(payload))}
	fake.Tags["track1"] = metadata.TagSet{
		Title:       "Test Song",
		Artist:      []string{"Test Artist"},
		Album:       "Test Album",
		TrackNumber: 1,
	}

	pl, repo := newTestPipeline(t, fake, root)

	job := &storage.Job{ID: "track1", Kind: storage.KindTrack, Quality: string(config.QualityMP3320)}
	if err := repo.Insert(job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateStatus(job.ID, storage.StatusPending, storage.StatusDownloading, storage.StatusPatch{}); err != nil {
		t.Fatalf("UpdateStatus to downloading: %v", err)
	}
	job, err := repo.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	attempt := pipeline.NewAttempt(context.Background())
	if err := pl.Run(attempt, job); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := repo.Get(job.ID)
	if err != nil {
		t.Fatalf("Get after run: %v", err)
	}
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %v, want 100", got.Progress)
	}
	if got.OutputPath == "" {
		t.Fatal("expected output_path to be set")
	}

	content, err := os.ReadFile(got.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile(output): %v", err)
	}
	if string(content) != string(payload) {
		t.Errorf("output content = %q, want %q (small payloads pass through the stripe codec verbatim)", content, payload)
	}

	if _, err := os.Stat(got.TempPath); !os.IsNotExist(err) {
		t.Errorf("expected temp artifact to be removed after commit, stat err = %v", err)
	}
}

func TestPipeline_Run_ResolveFailureIsNonRetryable(t *testing.T) {
	root := t.TempDir()
	fake := metadata.NewFake() // no "missing" entry registered

	pl, repo := newTestPipeline(t, fake, root)
	job := &storage.Job{ID: "missing", Kind: storage.KindTrack, Quality: string(config.QualityMP3320)}
	if err := repo.Insert(job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateStatus(job.ID, storage.StatusPending, storage.StatusDownloading, storage.StatusPatch{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	job, _ = repo.Get(job.ID)

	attempt := pipeline.NewAttempt(context.Background())
	err := pl.Run(attempt, job)
	if err == nil {
		t.Fatal("expected a resolve failure")
	}
}

func TestPipeline_Run_CancelledBeforeStartLeavesStatusUntouched(t *testing.T) {
	root := t.TempDir()
	fake := metadata.NewFake()
	fake.Downloads["track2"] = metadata.ResolvedDownload{URL: "http://unused.invalid", Size: 10}

	pl, repo := newTestPipeline(t, fake, root)
	job := &storage.Job{ID: "track2", Kind: storage.KindTrack, Quality: string(config.QualityMP3320)}
	if err := repo.Insert(job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateStatus(job.ID, storage.StatusPending, storage.StatusDownloading, storage.StatusPatch{}); err != nil {
		t.Fatalf("UpdateStatus to downloading: %v", err)
	}
	if err := repo.UpdateStatus(job.ID, storage.StatusDownloading, storage.StatusCancelled, storage.StatusPatch{}); err != nil {
		t.Fatalf("UpdateStatus to cancelled: %v", err)
	}
	job, _ = repo.Get(job.ID)

	attempt := pipeline.NewAttempt(context.Background())
	attempt.Cancel(pipeline.CancelCancel)

	err := pl.Run(attempt, job)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	got, _ := repo.Get(job.ID)
	if got.Status != storage.StatusCancelled {
		t.Errorf("status = %q, want cancelled (pipeline must not override a decision already made)", got.Status)
	}
}
