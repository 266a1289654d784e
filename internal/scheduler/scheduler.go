// Package scheduler implements the Scheduler: it decides what child
// job runs next, enforces the global and per-parent concurrency caps,
// and owns every cancellation token and retry decision (spec.md §4.2).
// It generalizes the teacher's downloader.Manager dispatch loop (a
// buffered job channel plus a semaphore of worker slots) into a
// poll-and-claim model driven by QueueStore's atomic CAS instead of an
// in-memory channel, since spec.md requires the store to be the sole
// serialization point for job state (spec.md §5).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deemusic/core/internal/bus"
	apperr "github.com/deemusic/core/internal/errors"
	"github.com/deemusic/core/internal/events"
	"github.com/deemusic/core/internal/logger"
	"github.com/deemusic/core/internal/metrics"
	"github.com/deemusic/core/internal/pipeline"
	"github.com/deemusic/core/internal/storage"
)

// MaxRetries is the automatic-retry budget from spec.md §4.2: a
// transient failure is retried at most this many times before the
// scheduler gives up and transitions the job to failed.
const MaxRetries = 3

// BaseDelay is the unit the retry backoff is a multiple of
// (spec.md §4.2: "retry_count × base_delay", 1s, 2s, 3s).
const BaseDelay = time.Second

// Work pairs a claimed job with the Attempt controlling its execution,
// returned to a workerpool worker by Dispatch.
type Work struct {
	Job     *storage.Job
	Attempt *pipeline.Attempt
}

// Scheduler claims pending jobs, runs them through a Pipeline, and
// decides retry vs. terminal failure from the returned error.
type Scheduler struct {
	Jobs         *storage.JobRepository
	Bus          *bus.Bus
	Metrics      *metrics.Metrics
	PerParentCap func() int

	pollInterval time.Duration

	mu       sync.Mutex
	attempts map[string]*pipeline.Attempt
	wake     chan struct{}
}

// New constructs a Scheduler. perParentCap reports the current
// per-parent concurrency cap (spec.md §4.2 default: equal to the
// global concurrency setting, so a single album's tracks are never
// throttled below the global cap).
func New(jobs *storage.JobRepository, b *bus.Bus, m *metrics.Metrics, perParentCap func() int) *Scheduler {
	return &Scheduler{
		Jobs:         jobs,
		Bus:          b,
		Metrics:      m,
		PerParentCap: perParentCap,
		pollInterval: 500 * time.Millisecond,
		attempts:     make(map[string]*pipeline.Attempt),
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges the dispatch loop to poll immediately instead of waiting
// out the rest of the current tick interval. The transition helpers
// below already call this after a CAS; service.Service calls it
// directly after inserting a brand new job, which bypasses every
// transition path here.
func (s *Scheduler) Wake() {
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dispatch blocks until a pending job can be claimed or ctx is
// cancelled. A worker calls this in a loop; a false return means the
// scheduler is shutting down and the worker should exit.
func (s *Scheduler) Dispatch(ctx context.Context) (*Work, bool) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if w := s.tryClaim(ctx); w != nil {
			return w, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tryClaim(ctx context.Context) *Work {
	job, err := s.Jobs.NextPending(s.PerParentCap())
	if err != nil {
		logger.Log.Error().Err(err).Msg("scheduler: NextPending failed")
		return nil
	}
	if job == nil {
		return nil
	}

	token := uuid.NewString()
	err = s.Jobs.UpdateStatus(job.ID, storage.StatusPending, storage.StatusDownloading, storage.StatusPatch{
		AttemptToken: &token,
	})
	if err != nil {
		if err == apperr.ErrStaleState {
			// Another worker claimed it first; try again on the next poll.
			return nil
		}
		logger.Log.Error().Err(err).Str("job", job.ID).Msg("scheduler: claim failed")
		return nil
	}

	job, err = s.Jobs.Get(job.ID)
	if err != nil {
		logger.Log.Error().Err(err).Str("job", job.ID).Msg("scheduler: reload after claim failed")
		return nil
	}

	attempt := pipeline.NewAttempt(ctx)
	s.mu.Lock()
	s.attempts[job.ID] = attempt
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.ActiveWorkers.Inc()
	}
	s.emitStatus(job.ID, storage.StatusDownloading, "")
	s.emitQueueStats()

	return &Work{Job: job, Attempt: attempt}
}

// Complete records the outcome of one attempt. err is the classified
// error Pipeline.Run returned, or nil on success. Complete is a no-op
// on success: the pipeline already performed the downloading->completed
// transition itself.
func (s *Scheduler) Complete(work *Work, err error) {
	s.mu.Lock()
	delete(s.attempts, work.Job.ID)
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.ActiveWorkers.Dec()
	}

	if err == nil {
		s.emitQueueStats()
		return
	}

	// Pause/cancel are decisions the caller already made (and already
	// transitioned status for) before firing the cancellation signal;
	// the pipeline returning ctx.Err() here is expected, not a failure
	// to classify (spec.md §4.4).
	switch work.Attempt.Reason() {
	case pipeline.CancelPause, pipeline.CancelCancel:
		s.emitQueueStats()
		return
	}

	if apperr.IsTransient(err) && work.Job.RetryCount+1 < MaxRetries {
		s.scheduleRetry(work.Job, err)
		return
	}

	s.fail(work.Job, err)
}

func (s *Scheduler) scheduleRetry(job *storage.Job, cause error) {
	retryCount := job.RetryCount + 1
	delay := time.Duration(retryCount) * BaseDelay

	errMsg := cause.Error()
	if s.Metrics != nil {
		s.Metrics.JobsRetried.Inc()
	}

	time.AfterFunc(delay, func() {
		patchErr := errMsg
		err := s.Jobs.UpdateStatus(job.ID, storage.StatusDownloading, storage.StatusPending, storage.StatusPatch{
			RetryCount: &retryCount,
			Error:      &patchErr,
		})
		if err != nil {
			logger.Log.Warn().Err(err).Str("job", job.ID).Msg("scheduler: retry transition failed")
			return
		}
		s.emitStatus(job.ID, storage.StatusPending, errMsg)
		s.emitQueueStats()
		s.nudge()
	})
}

func (s *Scheduler) fail(job *storage.Job, cause error) {
	errMsg := cause.Error()
	err := s.Jobs.UpdateStatus(job.ID, storage.StatusDownloading, storage.StatusFailed, storage.StatusPatch{
		Error: &errMsg,
	})
	if err != nil {
		logger.Log.Warn().Err(err).Str("job", job.ID).Msg("scheduler: terminal-fail transition failed")
		return
	}
	if job.ParentID != "" {
		if _, err := s.Jobs.IncrementParentCounters(job.ParentID, 0, 1); err != nil {
			logger.Log.Warn().Err(err).Str("parent", job.ParentID).Msg("scheduler: failed to update parent counters")
		} else if done, err := s.Jobs.MaybeCompleteParent(job.ParentID); err != nil {
			logger.Log.Warn().Err(err).Str("parent", job.ParentID).Msg("scheduler: failed to complete parent")
		} else if done {
			s.emitStatus(job.ParentID, storage.StatusCompleted, "")
			s.emitQueueStats()
		}
	}
	if s.Metrics != nil {
		class := classLabel(cause)
		s.Metrics.JobsFailed.WithLabelValues(string(job.Kind), class).Inc()
	}
	s.emitStatus(job.ID, storage.StatusFailed, errMsg)
	s.emitQueueStats()
}

func classLabel(err error) string {
	var ae *apperr.AppError
	if errors.As(err, &ae) && ae.Class != apperr.ClassUnknown {
		switch ae.Class {
		case apperr.ClassTransient:
			return "transient"
		case apperr.ClassConfiguration:
			return "configuration"
		case apperr.ClassNotFound:
			return "not_found"
		case apperr.ClassUnauthorized:
			return "unauthorized"
		case apperr.ClassForbidden:
			return "forbidden"
		case apperr.ClassIntegrity:
			return "integrity"
		case apperr.ClassFilesystem:
			return "filesystem"
		case apperr.ClassInternal:
			return "internal"
		}
	}
	return "unknown"
}

// PauseDownload cancels an in-flight attempt (preserving its temp
// artifact) and transitions downloading -> paused. If the job isn't
// currently attempted, this is a plain CAS with no attempt to signal.
func (s *Scheduler) PauseDownload(id string) error {
	s.mu.Lock()
	attempt, ok := s.attempts[id]
	s.mu.Unlock()
	if ok {
		attempt.Cancel(pipeline.CancelPause)
	}
	if err := s.Jobs.UpdateStatus(id, storage.StatusDownloading, storage.StatusPaused, storage.StatusPatch{}); err != nil {
		return err
	}
	s.emitStatus(id, storage.StatusPaused, "")
	s.emitQueueStats()
	return nil
}

// ResumeDownload transitions a paused job back to pending so the
// scheduler picks it up again.
func (s *Scheduler) ResumeDownload(id string) error {
	if err := s.Jobs.UpdateStatus(id, storage.StatusPaused, storage.StatusPending, storage.StatusPatch{}); err != nil {
		return err
	}
	s.emitStatus(id, storage.StatusPending, "")
	s.nudge()
	return nil
}

// CancelDownload cancels an in-flight attempt (deleting its temp
// artifact) and transitions the job to cancelled from whichever
// non-terminal status it currently holds. If id names a parent job, the
// cancellation propagates to every one of its non-terminal children
// first (spec.md §4.2: "If the job is a parent, propagates to all its
// non-terminal children").
func (s *Scheduler) CancelDownload(id string) error {
	job, err := s.Jobs.Get(id)
	if err != nil {
		return err
	}

	if job.IsParent() {
		children, err := s.Jobs.Children(id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.IsTerminal() {
				continue
			}
			if err := s.cancelOne(child); err != nil {
				logger.Log.Warn().Err(err).Str("job", child.ID).Str("parent", id).Msg("scheduler: failed to cancel child on parent cancellation")
			}
		}
	}

	if err := s.cancelOne(job); err != nil {
		return err
	}
	s.emitQueueStats()
	return nil
}

// cancelOne signals any live attempt for job and transitions it to
// cancelled. It is a no-op if job is already in a terminal state.
func (s *Scheduler) cancelOne(job *storage.Job) error {
	if job.IsTerminal() {
		return nil
	}

	s.mu.Lock()
	attempt, ok := s.attempts[job.ID]
	s.mu.Unlock()
	if ok {
		attempt.Cancel(pipeline.CancelCancel)
	}

	if err := s.Jobs.UpdateStatus(job.ID, job.Status, storage.StatusCancelled, storage.StatusPatch{}); err != nil {
		return err
	}
	s.emitStatus(job.ID, storage.StatusCancelled, "")
	return nil
}

// RetryDownload is the manual retry control-surface operation
// (spec.md §4.2): unlike an automatic retry it resets retry_count to
// zero unconditionally, regardless of how many automatic attempts
// already ran.
func (s *Scheduler) RetryDownload(id string) error {
	zero := 0
	if err := s.Jobs.UpdateStatus(id, storage.StatusFailed, storage.StatusPending, storage.StatusPatch{
		RetryCount: &zero,
	}); err != nil {
		return err
	}
	s.emitStatus(id, storage.StatusPending, "")
	s.nudge()
	return nil
}

func (s *Scheduler) emitStatus(jobID string, status storage.Status, errMsg string) {
	if s.Bus == nil {
		return
	}
	s.Bus.EmitStatus(events.Status{JobID: jobID, NewStatus: string(status), Error: errMsg})
}

func (s *Scheduler) emitQueueStats() {
	if s.Bus == nil {
		return
	}
	total, pending, downloading, completed, failed, err := s.Jobs.Stats()
	if err != nil {
		return
	}
	s.Bus.EmitQueueStats(events.QueueStats{
		Total: total, Pending: pending, Downloading: downloading,
		Completed: completed, Failed: failed,
	})
}
