package bridge

import (
	"context"
	"errors"
	"fmt"
)

// workItem is a unit of work queued for the host thread.
type workItem struct {
	ctx  context.Context
	fn   func() (any, error)
	done chan workResult
}

type workResult struct {
	value any
	err   error
}

// HostScheduler enforces thread affinity for host-owned state. Callers on
// any thread enqueue work; the host's designated thread drains the queue
// once per tick of its own loop and executes items strictly in enqueue
// order. The queue is bounded: when full, enqueueing fails fast with
// QueueOverflow instead of growing without bound.
type HostScheduler struct {
	queue chan workItem
}

// NewHostScheduler creates a scheduler with the given queue bound.
func NewHostScheduler(queueBound int) *HostScheduler {
	if queueBound <= 0 {
		queueBound = DefaultQueueBound
	}
	return &HostScheduler{queue: make(chan workItem, queueBound)}
}

// Do queues fn for the host thread and waits cooperatively for its
// result. Fails with QueueOverflow when the queue is at its bound.
//
// Cancelling ctx before the work starts removes it from the queue; once
// started, the work runs to completion and the late result is discarded.
// A ctx deadline only releases the caller: the queued work is not
// retracted, matching the timeout policy where the host-side effect still
// happens.
func (s *HostScheduler) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	item := workItem{ctx: ctx, fn: fn, done: make(chan workResult, 1)}

	select {
	case s.queue <- item:
	default:
		return nil, Errorf(ErrQueueOverflow, "host queue full (%d pending)", len(s.queue))
	}

	select {
	case r := <-item.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tick drains everything queued at entry, in FIFO order, and returns the
// number of items executed. The host calls this once per iteration of its
// main loop; items enqueued while the tick runs wait for the next one.
func (s *HostScheduler) Tick() int {
	n := len(s.queue)
	executed := 0
	for i := 0; i < n; i++ {
		item, ok := s.take()
		if !ok {
			break
		}
		if errors.Is(item.ctx.Err(), context.Canceled) {
			// Cancelled before start: remove without running.
			item.done <- workResult{err: item.ctx.Err()}
			continue
		}
		item.done <- s.execute(item.fn)
		executed++
	}
	return executed
}

// Run drains the queue continuously until ctx is cancelled. For hosts
// without their own loop, and for tests.
func (s *HostScheduler) Run(ctx context.Context) {
	for {
		select {
		case item := <-s.queue:
			if errors.Is(item.ctx.Err(), context.Canceled) {
				item.done <- workResult{err: item.ctx.Err()}
				continue
			}
			item.done <- s.execute(item.fn)
		case <-ctx.Done():
			return
		}
	}
}

// FailPending removes every queued item and resolves it with err. Used
// during session close and fault so blocked callers get a response
// instead of hanging.
func (s *HostScheduler) FailPending(err *Error) int {
	failed := 0
	for {
		item, ok := s.take()
		if !ok {
			return failed
		}
		item.done <- workResult{err: err}
		failed++
	}
}

// Pending returns the number of queued items.
func (s *HostScheduler) Pending() int { return len(s.queue) }

func (s *HostScheduler) take() (workItem, bool) {
	select {
	case item := <-s.queue:
		return item, true
	default:
		return workItem{}, false
	}
}

// execute runs one work function, converting a panic into an error so a
// handler fault never terminates the host loop.
func (s *HostScheduler) execute(fn func() (any, error)) workResult {
	var r workResult
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("handler panic: %v", rec)
				r.value = nil
			}
		}()
		r.value, r.err = fn()
	}()
	return r
}
