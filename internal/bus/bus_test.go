package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/deemusic/core/internal/bus"
	"github.com/deemusic/core/internal/events"
)

func TestBus_NoSinkDropsEvents(t *testing.T) {
	b := bus.New()
	// Should not panic or block with zero sinks registered.
	b.EmitProgress(events.Progress{JobID: "j1", Percent: 10})
	b.EmitStatus(events.Status{JobID: "j1", NewStatus: "downloading"})
	b.EmitQueueStats(events.QueueStats{Total: 1})
}

func TestBus_StatusNeverCoalesced(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var statuses []string

	unregister := b.Register(bus.Sink{
		OnStatus: func(s events.Status) {
			mu.Lock()
			statuses = append(statuses, s.NewStatus)
			mu.Unlock()
		},
	})
	defer unregister()

	transitions := []string{"pending", "downloading", "paused", "downloading", "completed"}
	for _, s := range transitions {
		b.EmitStatus(events.Status{JobID: "j1", NewStatus: s})
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n == len(transitions) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d status events, want %d", n, len(transitions))
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range transitions {
		if statuses[i] != want {
			t.Errorf("status[%d] = %q, want %q (order must be preserved)", i, statuses[i], want)
		}
	}
}

func TestBus_ProgressCoalesced(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var received []float64

	unregister := b.Register(bus.Sink{
		OnProgress: func(p events.Progress) {
			mu.Lock()
			received = append(received, p.Percent)
			mu.Unlock()
		},
	})
	defer unregister()

	// Burst 20 progress updates well within the coalescing window.
	for i := 0; i < 20; i++ {
		b.EmitProgress(events.Progress{JobID: "j1", Percent: float64(i)})
	}

	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) >= 20 {
		t.Errorf("expected coalescing to reduce event count, got %d events for 20 emits", len(received))
	}
	if len(received) == 0 {
		t.Fatal("expected at least one coalesced progress event")
	}
	if received[len(received)-1] != 19 {
		t.Errorf("last received percent = %v, want the latest value 19 (trailing-edge coalescing)", received[len(received)-1])
	}
}

func TestBus_UnregisterStopsDelivery(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	count := 0

	unregister := b.Register(bus.Sink{
		OnStatus: func(events.Status) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	b.EmitStatus(events.Status{JobID: "j1", NewStatus: "pending"})
	time.Sleep(20 * time.Millisecond)
	unregister()

	b.EmitStatus(events.Status{JobID: "j1", NewStatus: "downloading"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 (no delivery after unregister)", count)
	}
}
