// Package workerpool runs a fixed number of concurrent workers, each
// repeatedly pulling a job from the Scheduler and driving it through
// the Pipeline. It generalizes the teacher's downloader.Manager
// goroutine-per-slot loop (a semaphore of buffered channel slots) into
// golang.org/x/sync/errgroup, grounded on the errgroup-based downloader
// in the example pack (cloudeng.io/sync/errgroup's grp.Go/grp.Wait
// idiom) — the ecosystem primitive for "N workers, first error wins,
// wait for all to drain" instead of a hand-rolled WaitGroup+quit
// channel pair.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/deemusic/core/internal/logger"
	"github.com/deemusic/core/internal/pipeline"
	"github.com/deemusic/core/internal/scheduler"
)

// Dispatcher is the subset of *scheduler.Scheduler a Pool depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context) (*scheduler.Work, bool)
	Complete(work *scheduler.Work, err error)
}

// Pool runs Concurrency workers against a Dispatcher and a Pipeline
// until its context is cancelled (spec.md §5 shutdown semantics:
// refuse new work, let in-flight attempts reach a checkpoint, wait for
// every worker to drain).
type Pool struct {
	Scheduler   Dispatcher
	Pipeline    *pipeline.Pipeline
	Concurrency int
}

// New constructs a Pool. concurrency is clamped to [1, 32] per
// spec.md §5.
func New(s Dispatcher, p *pipeline.Pipeline, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}
	return &Pool{Scheduler: s, Pipeline: p, Concurrency: concurrency}
}

// Run starts Concurrency workers and blocks until ctx is cancelled and
// every worker has returned. It never returns a non-nil error itself —
// a single job's failure is handled by Scheduler.Complete, not
// propagated to the group — so the only way Run returns is shutdown.
func (pl *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pl.Concurrency; i++ {
		g.Go(func() error {
			pl.worker(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (pl *Pool) worker(ctx context.Context) {
	for {
		work, ok := pl.Scheduler.Dispatch(ctx)
		if !ok {
			return
		}
		err := pl.Pipeline.Run(work.Attempt, work.Job)
		if err != nil && ctx.Err() != nil && work.Attempt.Reason() == pipeline.CancelNone {
			// The whole pool is shutting down, not this one attempt; the
			// scheduler still needs the outcome to decide retry/terminal.
			logger.Log.Debug().Str("job", work.Job.ID).Msg("worker: job interrupted by pool shutdown")
		}
		pl.Scheduler.Complete(work, err)
	}
}
