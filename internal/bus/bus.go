// Package bus implements the CallbackBus: the only channel through
// which core state reaches the outside world (spec.md §4.5). Each
// registered sink gets its own single-writer goroutine so consumers
// always observe events in commit order; progress and queue-stats
// events are coalesced per sink, terminal status events never are.
package bus

import (
	"sync"
	"time"

	"github.com/deemusic/core/internal/events"
)

const (
	progressCoalesceWindow   = 200 * time.Millisecond
	queueStatsCoalesceWindow = 500 * time.Millisecond
)

// Sink is the set of callbacks a consumer registers (spec.md §6
// RegisterCallbacks). Any may be nil.
type Sink struct {
	OnProgress   func(events.Progress)
	OnStatus     func(events.Status)
	OnQueueStats func(events.QueueStats)
}

// unregisterFunc detaches a previously-registered sink.
type unregisterFunc func()

// Bus fans in progress/status/queue-stats events from the scheduler
// and pipeline and fans them out to every registered sink.
type Bus struct {
	mu    sync.RWMutex
	sinks map[int]*sinkWriter
	next  int
}

// New creates an empty Bus. With no sinks registered, Emit* calls are
// no-ops — nothing is queued in unbounded memory.
func New() *Bus {
	return &Bus{sinks: make(map[int]*sinkWriter)}
}

// Register adds a sink and returns a function that deregisters it.
// Consumers must call the returned function on shutdown; a sink left
// registered past its owner's lifetime is a dangling-callback bug
// (spec.md §5).
func (b *Bus) Register(sink Sink) unregisterFunc {
	b.mu.Lock()
	id := b.next
	b.next++
	w := newSinkWriter(sink)
	b.sinks[id] = w
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
		w.close()
	}
}

func (b *Bus) snapshot() []*sinkWriter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*sinkWriter, 0, len(b.sinks))
	for _, w := range b.sinks {
		out = append(out, w)
	}
	return out
}

// EmitProgress delivers a progress event to every sink, coalesced to at
// most one per progressCoalesceWindow per sink.
func (b *Bus) EmitProgress(p events.Progress) {
	for _, w := range b.snapshot() {
		w.submitProgress(p)
	}
}

// EmitStatus delivers a status transition to every sink. Status events
// are never dropped or coalesced.
func (b *Bus) EmitStatus(s events.Status) {
	for _, w := range b.snapshot() {
		w.submitStatus(s)
	}
}

// EmitQueueStats delivers aggregate queue counters, coalesced to at
// most one per queueStatsCoalesceWindow per sink.
func (b *Bus) EmitQueueStats(s events.QueueStats) {
	for _, w := range b.snapshot() {
		w.submitQueueStats(s)
	}
}

// Close deregisters and stops every sink.
func (b *Bus) Close() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = make(map[int]*sinkWriter)
	b.mu.Unlock()

	for _, w := range sinks {
		w.close()
	}
}
