package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halloway/gantry/wire"
)

// State is the session lifecycle state.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "faulted"
	}
}

// Session is a single logical connection between the scripting runtime
// and the host. It owns the call registry, the handle store, the event
// subscription table and the stream registry, and is the single source of
// truth for whether the bridge is usable.
//
// Lifecycle: opening → active → closing → closed, with a terminal faulted
// state reachable from any non-closed state on transport failure. No
// operation except lifecycle queries is valid outside active.
type Session struct {
	cfg       Config
	registry  *Registry
	handles   *HandleStore
	events    *EventChannel
	streams   *StreamRegistry
	scheduler *HostScheduler

	dispatcher *Dispatcher

	mu           sync.Mutex
	state        atomic.Int32
	faultErr     *Error
	inflight     sync.WaitGroup
	teardownOnce sync.Once

	stopSweeper func()
}

// Handle store sweep cadence, matching the host-object TTL policy.
const (
	handleSweepInterval = 5 * time.Minute
	handleTTL           = 30 * time.Minute
)

// NewSession creates a session in the opening state with the given
// configuration (zero fields take defaults).
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()

	registry := NewRegistry()
	handles := NewHandleStore()
	scheduler := NewHostScheduler(cfg.QueueBound)

	s := &Session{
		cfg:       cfg,
		registry:  registry,
		handles:   handles,
		events:    NewEventChannel(cfg.EventBufferBound),
		streams:   NewStreamRegistry(cfg.StreamBacklogBound),
		scheduler: scheduler,
	}
	s.dispatcher = NewDispatcher(registry, scheduler, handles)
	s.state.Store(int32(StateOpening))
	s.stopSweeper = handles.StartSweeper(handleSweepInterval, handleTTL)
	return s
}

// State returns the current lifecycle state. Valid in every state.
func (s *Session) State() State { return State(s.state.Load()) }

// FaultReason returns the recorded transport failure, or nil.
func (s *Session) FaultReason() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultErr
}

// Config returns the session's resolved configuration.
func (s *Session) Config() Config { return s.cfg }

// Handles exposes the handle store, for host code that hands out
// references to objects it still owns.
func (s *Session) Handles() *HandleStore { return s.handles }

// Scheduler exposes the host-affinity scheduler so the host loop can
// drain it.
func (s *Session) Scheduler() *HostScheduler { return s.scheduler }

// ---------------------------------------------------------------------------
// Setup phase — valid only while opening
// ---------------------------------------------------------------------------

// RegisterCall exposes a named call. Registration closes when the session
// activates; no churn during traffic.
func (s *Session) RegisterCall(name string, sig Signature, affinity Affinity, handler Handler) error {
	if s.State() != StateOpening {
		return Errorf(ErrSessionClosing, "cannot register call %q in state %s", name, s.State())
	}
	return s.registry.Register(name, sig, affinity, handler)
}

// RegisterEvent declares an emittable event name.
func (s *Session) RegisterEvent(name string) error {
	if s.State() != StateOpening {
		return Errorf(ErrSessionClosing, "cannot register event %q in state %s", name, s.State())
	}
	return s.events.RegisterEvent(name)
}

// Activate transitions opening → active once the registry is populated
// and both runtimes confirmed readiness.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateOpening {
		return Errorf(ErrSessionClosing, "cannot activate from state %s", State(s.state.Load()))
	}
	s.state.Store(int32(StateActive))
	return nil
}

// gate rejects traffic outside the active state.
func (s *Session) gate() *Error {
	switch s.State() {
	case StateActive:
		return nil
	case StateOpening:
		return Errorf(ErrSessionClosing, "session not yet active")
	case StateFaulted:
		s.mu.Lock()
		defer s.mu.Unlock()
		msg := "session faulted"
		if s.faultErr != nil {
			msg = s.faultErr.Message
		}
		return Errorf(ErrSessionFaulted, "%s", msg)
	default:
		return Errorf(ErrSessionClosing, "session is %s", s.State())
	}
}

// ---------------------------------------------------------------------------
// Traffic — valid only while active
// ---------------------------------------------------------------------------

// Invoke dispatches a call under the session's default timeout policy.
func (s *Session) Invoke(ctx context.Context, name string, args []wire.Value) CallResponse {
	if err := s.gate(); err != nil {
		return errResponse(uuid.NewString(), err)
	}
	s.inflight.Add(1)
	defer s.inflight.Done()
	return s.dispatcher.InvokeTimeout(ctx, name, args, s.cfg.CallTimeoutDuration())
}

// InvokeRequest dispatches a wire-level request, preserving its ID.
func (s *Session) InvokeRequest(ctx context.Context, req CallRequest) CallResponse {
	if err := s.gate(); err != nil {
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		return errResponse(id, err)
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeoutDuration())
	defer cancel()
	return s.dispatcher.InvokeRequest(ctx, req)
}

// Notify dispatches a fire-and-forget call; the response is generated and
// discarded.
func (s *Session) Notify(name string, args []wire.Value) {
	if s.gate() != nil {
		return
	}
	s.dispatcher.Notify(name, args)
}

// Subscribe attaches a subscriber to an emittable event name.
func (s *Session) Subscribe(name string) (*Subscription, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	return s.events.Subscribe(name)
}

// Unsubscribe detaches a subscription. Valid while traffic flows; a
// no-op after teardown.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.events.Unsubscribe(sub)
}

// Emit delivers a host-originated event to current subscribers.
func (s *Session) Emit(name string, payload wire.Value) error {
	if err := s.gate(); err != nil {
		return err
	}
	return s.events.Emit(name, payload)
}

// OpenStream creates a back-pressured stream.
func (s *Session) OpenStream(id string, backlog int) (*Stream, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	return s.streams.Open(id, backlog)
}

// Stream resolves an open stream by ID.
func (s *Session) Stream(id string) (*Stream, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	return s.streams.Get(id)
}

// PushFrame appends a frame to a stream.
func (s *Session) PushFrame(id string, payload wire.Value) error {
	if err := s.gate(); err != nil {
		return err
	}
	st, err := s.streams.Get(id)
	if err != nil {
		return err
	}
	return st.PushFrame(payload)
}

// Tick drains queued host-affinity work. The host calls this once per
// main-loop iteration; it stays valid while closing so in-flight calls
// can finish.
func (s *Session) Tick() int {
	switch s.State() {
	case StateActive, StateClosing:
		return s.scheduler.Tick()
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Close shuts the session down. In-flight calls get up to grace to
// produce their responses; stragglers are failed with SessionClosing.
// Streams and events are torn down before the state reaches closed.
func (s *Session) Close(grace time.Duration) error {
	s.mu.Lock()
	switch State(s.state.Load()) {
	case StateClosed, StateClosing, StateFaulted:
		s.mu.Unlock()
		return Errorf(ErrSessionClosing, "session already %s", s.State())
	case StateOpening:
		s.state.Store(int32(StateClosed))
		s.mu.Unlock()
		s.teardown()
		return nil
	}
	s.state.Store(int32(StateClosing))
	s.mu.Unlock()

	if !waitTimeout(&s.inflight, grace) {
		// Grace expired: fail everything still queued so blocked callers
		// get a response, then give the stragglers a moment to observe it.
		s.scheduler.FailPending(Errorf(ErrSessionClosing, "session closed before call completed"))
		waitTimeout(&s.inflight, grace)
	}

	s.teardown()
	s.state.Store(int32(StateClosed))
	return nil
}

// Fault records an unrecoverable transport failure and moves the session
// to the terminal faulted state. All subsequent operations fail with
// SessionFaulted.
func (s *Session) Fault(err error) {
	s.mu.Lock()
	current := State(s.state.Load())
	if current == StateClosed || current == StateFaulted {
		s.mu.Unlock()
		return
	}
	if be, ok := err.(*Error); ok {
		s.faultErr = be
	} else {
		s.faultErr = Errorf(ErrSessionFaulted, "transport failure: %v", err)
	}
	s.state.Store(int32(StateFaulted))
	s.mu.Unlock()

	s.scheduler.FailPending(Errorf(ErrSessionFaulted, "session faulted"))
	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.events.Teardown()
		s.streams.Teardown()
		s.handles.ReleaseAll()
		if s.stopSweeper != nil {
			s.stopSweeper()
			s.stopSweeper = nil
		}
	})
}

// waitTimeout waits on a WaitGroup with an upper bound. Returns true if
// the group drained in time.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
