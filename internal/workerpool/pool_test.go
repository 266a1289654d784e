package workerpool_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemusic/core/internal/config"
	"github.com/deemusic/core/internal/metadata"
	"github.com/deemusic/core/internal/pipeline"
	"github.com/deemusic/core/internal/scheduler"
	"github.com/deemusic/core/internal/storage"
	"github.com/deemusic/core/internal/workerpool"
)

func TestPool_RunDrainsQueueThenIdlesUntilShutdown(t *testing.T) {
	root := t.TempDir()
	payload := []byte("short payload, passes the stripe codec verbatim")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	fake := metadata.NewFake()
	for _, id := range []string{"a", "b", "c"} {
		fake.Downloads[id] = metadata.ResolvedDownload{URL: srv.URL, Size: int64(len(payload))}
		fake.Tags[id] = metadata.TagSet{Title: id, Artist: []string{"Artist"}}
	}

	db, err := storage.New(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := storage.NewJobRepository(db)

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Insert(&storage.Job{ID: id, Kind: storage.KindTrack, Quality: string(config.QualityMP3320)}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	cfg := config.Config{Download: config.DownloadConfig{
		OutputDir: filepath.Join(root, "out"), Quality: config.QualityMP3320,
	}}
	pl := pipeline.New(fake, repo, nil, nil, nil,
		func() string { return filepath.Join(root, "tmp") },
		func() config.Config { return cfg },
	)

	s := scheduler.New(repo, nil, nil, func() int { return 4 })
	pool := workerpool.New(s, pl, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, pending, downloading, completed, _, err := repo.Stats()
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if completed == 3 && pending == 0 && downloading == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, id := range []string{"a", "b", "c"} {
		got, err := repo.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if got.Status != storage.StatusCompleted {
			t.Errorf("job %s status = %q, want completed", id, got.Status)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
