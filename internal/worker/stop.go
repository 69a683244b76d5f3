package worker

import (
	"context"
	"sync/atomic"
)

// StopReason says why a worker was asked to stop; it decides the status the
// worker exits with at its next checkpoint.
type StopReason int32

const (
	StopNone StopReason = iota
	// StopPause: user intent flipped to paused; exit PausedByApp.
	StopPause
	// StopCancel: row tombstoned; exit Canceled.
	StopCancel
	// StopShutdown: host-imposed shutdown or attempt ceiling; exit
	// WaitingToRetry without counting a failure.
	StopShutdown
	// StopNetwork: the run conditions no longer hold; exit WaitingForNetwork.
	StopNetwork
)

// Stop is the per-worker cancellation token. Request records a reason and
// cancels the context; the worker polls Reason at its checkpoints.
type Stop struct {
	reason atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
}

func NewStop(parent context.Context) *Stop {
	ctx, cancel := context.WithCancel(parent)
	return &Stop{ctx: ctx, cancel: cancel}
}

// Request stops the worker with the given reason. The first reason wins.
func (s *Stop) Request(reason StopReason) {
	if s.reason.CompareAndSwap(int32(StopNone), int32(reason)) {
		s.cancel()
	}
}

// Reason returns the recorded stop reason, or StopNone.
func (s *Stop) Reason() StopReason {
	r := StopReason(s.reason.Load())
	if r == StopNone && s.ctx.Err() != nil {
		// Parent context died without an explicit reason; treat as shutdown.
		return StopShutdown
	}
	return r
}

// Requested reports whether a stop is pending.
func (s *Stop) Requested() bool {
	return s.ctx.Err() != nil
}

// Context is the context workers thread through blocking I/O.
func (s *Stop) Context() context.Context { return s.ctx }
