package bus

import (
	"sync"
	"time"

	"github.com/deemusic/core/internal/events"
)

type envelopeKind int

const (
	kindProgress envelopeKind = iota
	kindStatus
	kindQueueStats
)

type envelope struct {
	kind     envelopeKind
	progress events.Progress
	status   events.Status
	stats    events.QueueStats
}

// sinkWriter delivers events to one registered Sink through a single
// consumer goroutine, so the sink always observes events in the order
// they were submitted (spec.md §4.5 "single-writer serialization").
// Progress and queue-stats events are coalesced on the producer side;
// status events are forwarded immediately and unconditionally.
type sinkWriter struct {
	sink Sink
	ch   chan envelope
	done chan struct{}
	wg   sync.WaitGroup

	mu                 sync.Mutex
	lastProgressEmit   map[string]time.Time
	pendingProgress    map[string]events.Progress
	progressTimerArmed map[string]bool

	lastStatsEmit   time.Time
	pendingStats    *events.QueueStats
	statsTimerArmed bool
}

func newSinkWriter(sink Sink) *sinkWriter {
	w := &sinkWriter{
		sink:               sink,
		ch:                 make(chan envelope, 256),
		done:               make(chan struct{}),
		lastProgressEmit:   make(map[string]time.Time),
		pendingProgress:    make(map[string]events.Progress),
		progressTimerArmed: make(map[string]bool),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *sinkWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.ch:
			w.deliver(e)
		case <-w.done:
			// Drain anything already queued before returning, matching
			// "terminal events are never dropped".
			for {
				select {
				case e := <-w.ch:
					w.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (w *sinkWriter) deliver(e envelope) {
	switch e.kind {
	case kindProgress:
		if w.sink.OnProgress != nil {
			w.sink.OnProgress(e.progress)
		}
	case kindStatus:
		if w.sink.OnStatus != nil {
			w.sink.OnStatus(e.status)
		}
	case kindQueueStats:
		if w.sink.OnQueueStats != nil {
			w.sink.OnQueueStats(e.stats)
		}
	}
}

func (w *sinkWriter) send(e envelope) {
	select {
	case w.ch <- e:
	case <-w.done:
	}
}

// submitProgress coalesces per job id: at most one send per
// progressCoalesceWindow, trailing-edge (the latest value wins).
func (w *sinkWriter) submitProgress(p events.Progress) {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, seen := w.lastProgressEmit[p.JobID]
	if !seen || time.Since(last) >= progressCoalesceWindow {
		w.lastProgressEmit[p.JobID] = time.Now()
		delete(w.pendingProgress, p.JobID)
		go w.send(envelope{kind: kindProgress, progress: p})
		return
	}

	w.pendingProgress[p.JobID] = p
	if w.progressTimerArmed[p.JobID] {
		return
	}
	w.progressTimerArmed[p.JobID] = true
	delay := progressCoalesceWindow - time.Since(last)
	time.AfterFunc(delay, func() { w.flushProgress(p.JobID) })
}

func (w *sinkWriter) flushProgress(jobID string) {
	w.mu.Lock()
	p, ok := w.pendingProgress[jobID]
	delete(w.pendingProgress, jobID)
	w.progressTimerArmed[jobID] = false
	if ok {
		w.lastProgressEmit[jobID] = time.Now()
	}
	w.mu.Unlock()

	if ok {
		w.send(envelope{kind: kindProgress, progress: p})
	}
}

// submitStatus forwards every status transition immediately; status
// events are never coalesced or dropped.
func (w *sinkWriter) submitStatus(s events.Status) {
	w.send(envelope{kind: kindStatus, status: s})
}

// submitQueueStats coalesces like progress, but on a single shared
// window rather than per job id.
func (w *sinkWriter) submitQueueStats(s events.QueueStats) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastStatsEmit) >= queueStatsCoalesceWindow {
		w.lastStatsEmit = time.Now()
		w.pendingStats = nil
		go w.send(envelope{kind: kindQueueStats, stats: s})
		return
	}

	w.pendingStats = &s
	if w.statsTimerArmed {
		return
	}
	w.statsTimerArmed = true
	delay := queueStatsCoalesceWindow - time.Since(w.lastStatsEmit)
	time.AfterFunc(delay, w.flushStats)
}

func (w *sinkWriter) flushStats() {
	w.mu.Lock()
	s := w.pendingStats
	w.pendingStats = nil
	w.statsTimerArmed = false
	if s != nil {
		w.lastStatsEmit = time.Now()
	}
	w.mu.Unlock()

	if s != nil {
		w.send(envelope{kind: kindQueueStats, stats: *s})
	}
}

func (w *sinkWriter) close() {
	close(w.done)
	w.wg.Wait()
}
