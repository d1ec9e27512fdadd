package bridge

import (
	"context"
	"sync"

	"github.com/halloway/gantry/wire"
)

// Frame is one element of an ordered, back-pressured stream.
type Frame struct {
	StreamID string     `cbor:"stream"`
	Seq      uint64     `cbor:"seq"`
	Payload  wire.Value `cbor:"payload"`
}

// StreamState is the lifecycle state of a stream handle.
type StreamState int32

const (
	StreamOpen StreamState = iota
	StreamPaused
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamPaused:
		return "paused"
	default:
		return "closed"
	}
}

// Stream carries ordered data frames from the host to the scripting side.
// Unlike events, streams are back-pressured: pushing into a full backlog
// fails with StreamFull and the emitter must retry, drop or pause.
// Either side may close the handle; a clean end is signalled with
// CloseSend so the consumer can drain the backlog first.
type Stream struct {
	ID      string
	backlog int

	mu     sync.Mutex
	frames chan Frame
	seq    uint64
	state  StreamState
	ended  bool // emitter finished cleanly
	done   chan struct{}
}

func newStream(id string, backlog int) *Stream {
	return &Stream{
		ID:      id,
		backlog: backlog,
		frames:  make(chan Frame, backlog),
		done:    make(chan struct{}),
	}
}

// State returns the handle's current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PushFrame appends a frame to the backlog. Fails with StreamFull when
// the consumer has not drained enough, with StreamClosed after either
// side closed the handle.
func (s *Stream) PushFrame(payload wire.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StreamClosed || s.ended {
		return Errorf(ErrStreamClosed, "stream %q is closed", s.ID)
	}
	if s.state == StreamPaused {
		return Errorf(ErrStreamFull, "stream %q is paused", s.ID)
	}

	frame := Frame{StreamID: s.ID, Seq: s.seq + 1, Payload: payload}
	select {
	case s.frames <- frame:
		s.seq++
		return nil
	default:
		return Errorf(ErrStreamFull, "stream %q backlog full (%d frames)", s.ID, s.backlog)
	}
}

// ConsumeNext returns the next frame in emission order. After a clean
// CloseSend the remaining backlog drains and then EndOfStream is
// returned; after a hard Close every call fails with StreamClosed.
func (s *Stream) ConsumeNext(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.state == StreamClosed
	s.mu.Unlock()
	if closed {
		return Frame{}, Errorf(ErrStreamClosed, "stream %q is closed", s.ID)
	}

	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, EndOfStream
		}
		return f, nil
	case <-s.done:
		return Frame{}, Errorf(ErrStreamClosed, "stream %q is closed", s.ID)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Pause stops accepting frames until Resume; pushes fail with StreamFull
// while paused.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamOpen {
		s.state = StreamPaused
	}
}

// Resume re-opens a paused stream.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamPaused {
		s.state = StreamOpen
	}
}

// CloseSend marks the emitter side finished. The consumer drains the
// remaining backlog and then sees EndOfStream.
func (s *Stream) CloseSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.state == StreamClosed {
		return
	}
	s.ended = true
	close(s.frames)
}

// Close hard-closes the handle from either side. Buffered frames are
// discarded; subsequent pushes and consumes fail with StreamClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return
	}
	s.state = StreamClosed
	close(s.done)
}

// StreamRegistry owns a session's streams.
type StreamRegistry struct {
	mu             sync.Mutex
	streams        map[string]*Stream
	defaultBacklog int
}

// NewStreamRegistry creates a registry whose streams default to the given
// backlog bound.
func NewStreamRegistry(defaultBacklog int) *StreamRegistry {
	if defaultBacklog <= 0 {
		defaultBacklog = DefaultStreamBacklogBound
	}
	return &StreamRegistry{
		streams:        make(map[string]*Stream),
		defaultBacklog: defaultBacklog,
	}
}

// Open creates a stream. A backlog of zero takes the registry default.
// Fails with DuplicateRegistration when the ID is already open.
func (r *StreamRegistry) Open(id string, backlog int) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[id]; exists {
		return nil, Errorf(ErrDuplicateRegistration, "stream %q already open", id)
	}
	if backlog <= 0 {
		backlog = r.defaultBacklog
	}
	st := newStream(id, backlog)
	r.streams[id] = st
	return st, nil
}

// Get resolves a stream ID. An unknown ID behaves as a closed stream.
func (r *StreamRegistry) Get(id string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[id]
	if !ok {
		return nil, Errorf(ErrStreamClosed, "no stream named %q", id)
	}
	return st, nil
}

// Remove forgets a stream after closing it.
func (r *StreamRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.streams[id]; ok {
		st.Close()
		delete(r.streams, id)
	}
}

// Teardown hard-closes every stream. Called once during session close.
func (r *StreamRegistry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.streams {
		st.Close()
	}
	r.streams = make(map[string]*Stream)
}
