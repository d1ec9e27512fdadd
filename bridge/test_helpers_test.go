package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/halloway/gantry/wire"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for bridge package tests.
// ---------------------------------------------------------------------------

// startHost drains the scheduler on a background goroutine, standing in
// for the host's main loop. The caller must invoke the returned stop
// function.
func startHost(s *HostScheduler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

// newTestDispatcher builds a dispatcher with its own registry, scheduler
// and handle store.
func newTestDispatcher(queueBound int) (*Dispatcher, *Registry, *HostScheduler, *HandleStore) {
	registry := NewRegistry()
	scheduler := NewHostScheduler(queueBound)
	handles := NewHandleStore()
	return NewDispatcher(registry, scheduler, handles), registry, scheduler, handles
}

// newActiveSession builds a session, registers the given setup, and
// activates it with a background host loop. The returned stop function
// halts the loop.
func newActiveSession(t *testing.T, cfg Config, setup func(*Session)) (*Session, func()) {
	t.Helper()

	s := NewSession(cfg)
	if setup != nil {
		setup(s)
	}
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	stop := startHost(s.Scheduler())
	return s, stop
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func bg() context.Context {
	return context.Background()
}

// echoSignature is a single-i64-in, i64-out call signature used across
// tests.
var echoSignature = Signature{
	Params: []wire.Type{wire.Int64Type},
	Result: wire.Int64Type,
}
