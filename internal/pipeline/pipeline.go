// Package pipeline implements the DownloadPipeline: the five ordered
// stages (Resolve, Fetch, Decrypt, Tag, Commit) that drive one child
// job end-to-end, with cooperative cancellation checkpoints between
// every stage (spec.md §4.4, §5).
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deemusic/core/internal/bus"
	"github.com/deemusic/core/internal/codec"
	"github.com/deemusic/core/internal/config"
	apperr "github.com/deemusic/core/internal/errors"
	"github.com/deemusic/core/internal/events"
	"github.com/deemusic/core/internal/logger"
	"github.com/deemusic/core/internal/metadata"
	"github.com/deemusic/core/internal/metrics"
	"github.com/deemusic/core/internal/ratelimit"
	"github.com/deemusic/core/internal/storage"
	"github.com/deemusic/core/internal/tagger"
)

// Pipeline drives one job's Resolve/Fetch/Decrypt/Tag/Commit sequence.
// It is stateless across calls; all per-job state lives in the Job row
// and the temp artifact on disk, per the "QueueStore is the sole
// serialization point" rule (spec.md §5).
type Pipeline struct {
	Provider metadata.Provider
	Jobs     *storage.JobRepository
	Limiter  *ratelimit.PerEndpointLimiter
	Metrics  *metrics.Metrics
	Bus      *bus.Bus
	TempDir  func() string
	Config   func() config.Config
}

// New constructs a Pipeline from its collaborators.
func New(provider metadata.Provider, jobs *storage.JobRepository, limiter *ratelimit.PerEndpointLimiter, m *metrics.Metrics, b *bus.Bus, tempDir func() string, cfg func() config.Config) *Pipeline {
	return &Pipeline{
		Provider: provider,
		Jobs:     jobs,
		Limiter:  limiter,
		Metrics:  m,
		Bus:      b,
		TempDir:  tempDir,
		Config:   cfg,
	}
}

func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Run executes every stage for job over attempt's context, returning
// nil on full success (the job has already been committed to
// completed) or a classified error the scheduler uses to decide
// between retry and terminal failure (spec.md §4.2).
//
// On cancellation (attempt.Reason() != CancelNone), Run cleans up the
// temp artifact appropriately and returns ctx.Err() without touching
// job status: the scheduler already performed the paused/cancelled
// transition before firing the cancellation signal.
func (p *Pipeline) Run(attempt *Attempt, job *storage.Job) error {
	ctx := attempt.Context()
	cfg := p.Config()

	if err := os.MkdirAll(p.TempDir(), 0755); err != nil {
		return apperr.NewWithCode("Pipeline.Run", err, apperr.CodeFilesystem, "failed to create temp directory")
	}

	tempPath := job.TempPath
	if tempPath == "" {
		tempPath = joinTemp(p.TempDir(), job.ID)
		if err := p.Jobs.SetTempPath(job.ID, tempPath); err != nil {
			return apperr.Wrap("Pipeline.Run", err)
		}
	}

	// Stage 1: Resolve.
	if err := checkpoint(ctx); err != nil {
		return p.handleCancellation(attempt, tempPath, "")
	}
	resolved, tags, err := p.resolve(ctx, job)
	if err != nil {
		return &apperr.AppError{Op: "Pipeline.Resolve", Err: err, Message: "resolve failed", Class: apperr.ClassInternal}
	}

	// Stage 2: Fetch.
	if err := checkpoint(ctx); err != nil {
		return p.handleCancellation(attempt, tempPath, "")
	}
	if err := p.fetchStage(ctx, job, resolved, tempPath); err != nil {
		return err
	}

	// Stage 3: Decrypt.
	if err := checkpoint(ctx); err != nil {
		return p.handleCancellation(attempt, tempPath, "")
	}
	out := finalPath(cfg.Download.OutputDir, config.Quality(job.Quality), tags)
	if err := p.decryptStage(ctx, job, tempPath, out); err != nil {
		return err
	}

	// Stage 4: Tag (non-fatal on failure).
	if err := checkpoint(ctx); err != nil {
		return p.handleCancellation(attempt, tempPath, out)
	}
	p.tagStage(out, tags, cfg)

	// Stage 5: Commit.
	return p.commit(job, tempPath, out)
}

func (p *Pipeline) resolve(ctx context.Context, job *storage.Job) (metadata.ResolvedDownload, metadata.TagSet, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx, "metadata"); err != nil {
			return metadata.ResolvedDownload{}, metadata.TagSet{}, err
		}
	}
	resolved, err := p.Provider.ResolveDownloadURL(ctx, job.ID, job.Quality)
	if err != nil {
		return metadata.ResolvedDownload{}, metadata.TagSet{}, err
	}
	tags, err := p.Provider.GetTrackMetadata(ctx, job.ID)
	if err != nil {
		// Metadata is needed for tagging and the output filename, but a
		// failure here is still a Resolve-stage failure per spec.md §4.4.
		return metadata.ResolvedDownload{}, metadata.TagSet{}, err
	}
	return resolved, tags, nil
}

func (p *Pipeline) fetchStage(ctx context.Context, job *storage.Job, resolved metadata.ResolvedDownload, tempPath string) error {
	start := time.Now()
	err := fetch(ctx, resolved, tempPath, func(written, total int64) {
		// Fetch is the first half of the job's progress bar (spec.md §4.4).
		percent := 0.0
		if total > 0 {
			percent = float64(written) / float64(total) * 50.0
		}
		p.reportProgress(job.ID, percent, written, total)
	})
	if p.Metrics != nil {
		p.Metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if fi, statErr := os.Stat(tempPath); statErr == nil && p.Metrics != nil {
		p.Metrics.DownloadBytes.Add(float64(fi.Size()))
	}
	return nil
}

func (p *Pipeline) decryptStage(ctx context.Context, job *storage.Job, tempPath, out string) error {
	key, err := codec.DeriveKey(job.ID)
	if err != nil {
		return apperr.Classify("Pipeline.Decrypt", err, apperr.ClassIntegrity)
	}

	src, err := os.Open(tempPath)
	if err != nil {
		return apperr.NewWithCode("Pipeline.Decrypt", err, apperr.CodeFilesystem, "failed to open temp artifact")
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return apperr.NewWithCode("Pipeline.Decrypt", err, apperr.CodeFilesystem, "failed to stat temp artifact")
	}

	if err := os.MkdirAll(dirOf(out), 0755); err != nil {
		return apperr.NewWithCode("Pipeline.Decrypt", err, apperr.CodeFilesystem, "failed to create output directory")
	}
	dst, err := os.Create(out)
	if err != nil {
		return apperr.NewWithCode("Pipeline.Decrypt", err, apperr.CodeFilesystem, "failed to create output file")
	}

	fullSize := fi.Size()
	start := time.Now()
	decErr := codec.Decrypt(dst, src, key, fullSize, func(processed, total int64) {
		percent := 50.0
		if total > 0 {
			percent = 50.0 + float64(processed)/float64(total)*50.0
		}
		p.reportProgress(job.ID, percent, fullSize, fullSize)
	})
	closeErr := dst.Close()
	if p.Metrics != nil {
		p.Metrics.DecryptDuration.Observe(time.Since(start).Seconds())
	}

	if decErr != nil {
		os.Remove(out)
		return apperr.Classify("Pipeline.Decrypt", decErr, apperr.ClassIntegrity)
	}
	if closeErr != nil {
		os.Remove(out)
		return apperr.NewWithCode("Pipeline.Decrypt", closeErr, apperr.CodeFilesystem, "failed to finalize output file")
	}
	return nil
}

func (p *Pipeline) tagStage(out string, tags metadata.TagSet, cfg config.Config) {
	synced := tags.LyricsSynced

	if !cfg.Download.EmbedArtwork {
		tags.CoverJPEG = nil
	}
	if !cfg.Lyrics.Enabled {
		tags.LyricsPlain = ""
		tags.LyricsSynced = ""
	} else if !cfg.Lyrics.EmbedInFile {
		tags.LyricsSynced = ""
	}

	if err := tagger.Tag(out, tags); err != nil {
		logger.Log.Warn().Err(err).Str("path", out).Msg("tagging failed, continuing without tags")
	}

	if cfg.Lyrics.Enabled && cfg.Lyrics.SaveSeparateFile && synced != "" {
		lrc := lyricsSidecarPath(out)
		if err := os.WriteFile(lrc, []byte(synced), 0644); err != nil {
			logger.Log.Warn().Err(err).Str("path", lrc).Msg("failed to write lyrics side-file")
		}
	}
}

func (p *Pipeline) commit(job *storage.Job, tempPath, out string) error {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		logger.Log.Warn().Err(err).Str("path", tempPath).Msg("failed to remove temp artifact after commit")
	}

	progress := 100.0
	completedAt := timeNow()
	outPathCopy := out
	err := p.Jobs.UpdateStatus(job.ID, storage.StatusDownloading, storage.StatusCompleted, storage.StatusPatch{
		Progress:    &progress,
		CompletedAt: &completedAt,
		OutputPath:  &outPathCopy,
	})
	if err != nil {
		return apperr.Wrap("Pipeline.Commit", err)
	}

	if job.ParentID != "" {
		if _, err := p.Jobs.IncrementParentCounters(job.ParentID, 1, 0); err != nil {
			logger.Log.Warn().Err(err).Str("parent", job.ParentID).Msg("failed to update parent counters")
		} else if done, err := p.Jobs.MaybeCompleteParent(job.ParentID); err != nil {
			logger.Log.Warn().Err(err).Str("parent", job.ParentID).Msg("failed to complete parent")
		} else if done && p.Bus != nil {
			p.Bus.EmitStatus(events.Status{JobID: job.ParentID, NewStatus: string(storage.StatusCompleted)})
		}
	}

	if p.Metrics != nil {
		p.Metrics.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
	}
	if p.Bus != nil {
		p.Bus.EmitStatus(events.Status{JobID: job.ID, NewStatus: string(storage.StatusCompleted)})
	}
	return nil
}

// handleCancellation cleans up the temp/output artifacts per the
// pause-keeps / cancel-deletes rule (spec.md §4.4, §5) and returns the
// context error without touching job status.
func (p *Pipeline) handleCancellation(attempt *Attempt, tempPath, out string) error {
	if attempt.Reason() == CancelCancel {
		if tempPath != "" {
			os.Remove(tempPath)
		}
		if out != "" {
			os.Remove(out)
		}
	}
	return attempt.Context().Err()
}

func (p *Pipeline) reportProgress(jobID string, percent float64, bytes, total int64) {
	if err := p.Jobs.UpdateProgress(jobID, percent, bytes, total); err != nil {
		logger.Log.Warn().Err(err).Str("job", jobID).Msg("failed to persist progress")
	}
	if p.Bus != nil {
		p.Bus.EmitProgress(events.Progress{JobID: jobID, Percent: percent, BytesProcessed: bytes, TotalBytes: total})
	}
}

func joinTemp(dir, jobID string) string {
	return filepath.Join(dir, jobID+".part")
}

func dirOf(path string) string {
	return filepath.Dir(path)
}

// lyricsSidecarPath derives the ".lrc" sibling path from the final
// audio file's path (spec.md §9 synced-lyrics side-file).
func lyricsSidecarPath(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".lrc"
}

func timeNow() time.Time {
	return time.Now()
}
