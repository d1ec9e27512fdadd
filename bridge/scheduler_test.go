package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// FIFO ordering
// ---------------------------------------------------------------------------

func TestTick_ExecutesInEnqueueOrder(t *testing.T) {
	const n = 16
	s := NewHostScheduler(n)

	var mu sync.Mutex
	var log []int
	var wg sync.WaitGroup

	// Launch callers one at a time, waiting until each call is queued
	// before launching the next, so enqueue order is known exactly.
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		pending := s.Pending()
		go func() {
			defer wg.Done()
			_, err := s.Do(bg(), func() (any, error) {
				mu.Lock()
				log = append(log, i)
				mu.Unlock()
				return nil, nil
			})
			if err != nil {
				t.Errorf("Do(%d) returned error: %v", i, err)
			}
		}()
		waitFor(t, time.Second, func() bool { return s.Pending() == pending+1 })
	}

	executed := s.Tick()
	wg.Wait()

	if executed != n {
		t.Errorf("Tick executed %d items, want %d", executed, n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(log) != n {
		t.Fatalf("log has %d entries, want %d", len(log), n)
	}
	for i, got := range log {
		if got != i {
			t.Errorf("log[%d] = %d, want %d", i, got, i)
		}
	}
}

// ---------------------------------------------------------------------------
// Backpressure and failure handling
// ---------------------------------------------------------------------------

func TestDo_QueueOverflow(t *testing.T) {
	s := NewHostScheduler(2)

	// Fill the queue without draining it.
	for i := 0; i < 2; i++ {
		go s.Do(bg(), func() (any, error) { return nil, nil }) //nolint:errcheck
	}
	waitFor(t, time.Second, func() bool { return s.Pending() == 2 })

	_, err := s.Do(bg(), func() (any, error) { return nil, nil })
	if KindOf(err) != ErrQueueOverflow {
		t.Errorf("error kind = %q, want %q", KindOf(err), ErrQueueOverflow)
	}
}

func TestTick_RecoversHandlerPanic(t *testing.T) {
	s := NewHostScheduler(4)
	stop := startHost(s)
	defer stop()

	_, err := s.Do(bg(), func() (any, error) { panic("host state corrupted") })
	if err == nil {
		t.Fatal("Do should surface the panic as an error")
	}
	if !strings.Contains(err.Error(), "host state corrupted") {
		t.Errorf("error = %q, want the panic message inside it", err)
	}

	// The scheduler must survive the panic.
	v, err := s.Do(bg(), func() (any, error) { return 7, nil })
	if err != nil {
		t.Fatalf("Do after panic returned error: %v", err)
	}
	if v != 7 {
		t.Errorf("result = %v, want 7", v)
	}
}

func TestTick_SkipsCancelledItems(t *testing.T) {
	s := NewHostScheduler(4)

	ctx, cancel := context.WithCancel(bg())
	cancel()

	ran := false
	_, err := s.Do(ctx, func() (any, error) { ran = true; return nil, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}

	if executed := s.Tick(); executed != 0 {
		t.Errorf("Tick executed %d items, want 0", executed)
	}
	if ran {
		t.Error("cancelled item must not run")
	}
}

func TestFailPending_ResolvesQueuedCallers(t *testing.T) {
	s := NewHostScheduler(4)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Do(bg(), func() (any, error) { return nil, nil })
			errs <- err
		}()
	}
	waitFor(t, time.Second, func() bool { return s.Pending() == 3 })

	failed := s.FailPending(Errorf(ErrSessionClosing, "going away"))
	if failed != 3 {
		t.Errorf("FailPending resolved %d items, want 3", failed)
	}
	for i := 0; i < 3; i++ {
		err := <-errs
		if KindOf(err) != ErrSessionClosing {
			t.Errorf("caller %d error kind = %q, want %q", i, KindOf(err), ErrSessionClosing)
		}
	}
}

func TestDo_LateResultDiscardedAfterContextExpiry(t *testing.T) {
	s := NewHostScheduler(4)

	ctx, cancel := context.WithTimeout(bg(), 10*time.Millisecond)
	defer cancel()

	ran := make(chan struct{})
	_, err := s.Do(ctx, func() (any, error) { close(ran); return 42, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do error = %v, want context.DeadlineExceeded", err)
	}

	// The work was not retracted: once the host ticks, it still runs.
	waitFor(t, time.Second, func() bool { return ctx.Err() != nil })
	s.Tick()
	select {
	case <-ran:
	default:
		t.Error("queued work should still execute after the caller gave up")
	}
}
