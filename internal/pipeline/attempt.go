package pipeline

import (
	"context"
	"sync/atomic"
)

// CancelReason records why an attempt's context was cancelled, so the
// pipeline can tell a pause (temp artifact kept) from a cancel (temp
// artifact deleted) apart after ctx.Done() fires (spec.md §4.2, §5).
type CancelReason int32

const (
	CancelNone CancelReason = iota
	CancelPause
	CancelCancel
)

// Attempt is the scheduler's handle on one worker's run of a job. It
// wraps a cancellable context with an explicit reason so a single
// ctx.Done() channel can serve both pause and cancel semantics.
type Attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	reason atomic.Int32
}

// NewAttempt derives a cancellable attempt context from parent.
func NewAttempt(parent context.Context) *Attempt {
	ctx, cancel := context.WithCancel(parent)
	return &Attempt{ctx: ctx, cancel: cancel}
}

// Context returns the attempt's context for cooperative cancellation
// checkpoints.
func (a *Attempt) Context() context.Context {
	return a.ctx
}

// Cancel records reason and cancels the attempt's context. Calling it
// more than once is safe; only the first reason sticks.
func (a *Attempt) Cancel(reason CancelReason) {
	a.reason.CompareAndSwap(int32(CancelNone), int32(reason))
	a.cancel()
}

// Reason reports why the attempt was cancelled, or CancelNone if it
// wasn't.
func (a *Attempt) Reason() CancelReason {
	return CancelReason(a.reason.Load())
}
