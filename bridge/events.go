package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/halloway/gantry/wire"
)

// Event is one host-originated notification. Dropped, when nonzero, is
// the overflow notice: that many earlier events were discarded for this
// subscriber before this one was delivered.
type Event struct {
	Name    string     `cbor:"name"`
	Seq     uint64     `cbor:"seq"`
	Payload wire.Value `cbor:"payload"`
	Dropped uint64     `cbor:"dropped,omitempty"`
}

// Subscription is one subscriber's view of an event name. Delivery is
// FIFO relative to emission order; a slow subscriber loses oldest events
// beyond the buffer bound instead of blocking the emitter.
type Subscription struct {
	ID   string
	Name string

	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Events exposes the delivery channel, for callers that pump
// subscriptions into their own select loops. The channel is closed on
// unsubscribe and session teardown.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Next returns the next event, attaching the OverflowDropped notice count
// accumulated since the previous delivery. Returns EndOfStream once the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, EndOfStream
		}
		ev.Dropped = s.dropped.Swap(0)
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// TakeDropped returns and resets the pending overflow notice count.
func (s *Subscription) TakeDropped() uint64 { return s.dropped.Swap(0) }

// push delivers one event, dropping the oldest buffered event when the
// buffer is full. Callers serialize on the channel's write lock.
func (s *Subscription) push(ev Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop oldest, count it, deliver the new one.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// EventChannel delivers host-originated events to subscribers without
// ever blocking the host. Emittable names are registered up front; each
// name may have many subscribers with independent buffers.
type EventChannel struct {
	mu        sync.Mutex
	emittable map[string]struct{}
	subs      map[string]map[string]*Subscription
	bound     int
	seq       atomic.Uint64
	torndown  bool
}

// NewEventChannel creates an event channel whose subscribers buffer up to
// bound events each.
func NewEventChannel(bound int) *EventChannel {
	if bound <= 0 {
		bound = DefaultEventBufferBound
	}
	return &EventChannel{
		emittable: make(map[string]struct{}),
		subs:      make(map[string]map[string]*Subscription),
		bound:     bound,
	}
}

// RegisterEvent declares a name as emittable. Fails with
// DuplicateRegistration when already declared.
func (c *EventChannel) RegisterEvent(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.emittable[name]; exists {
		return Errorf(ErrDuplicateRegistration, "event %q already registered", name)
	}
	c.emittable[name] = struct{}{}
	return nil
}

// Subscribe attaches a new subscriber to an event name. Fails with
// UnknownEvent when the name was never registered as emittable.
func (c *EventChannel) Subscribe(name string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.emittable[name]; !ok {
		return nil, Errorf(ErrUnknownEvent, "no event named %q", name)
	}

	sub := &Subscription{
		ID:   uuid.NewString(),
		Name: name,
		ch:   make(chan Event, c.bound),
	}
	if c.subs[name] == nil {
		c.subs[name] = make(map[string]*Subscription)
	}
	c.subs[name][sub.ID] = sub
	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its channel.
func (c *EventChannel) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detach(sub)
}

func (c *EventChannel) detach(sub *Subscription) {
	if sub.closed.Swap(true) {
		return
	}
	if byID, ok := c.subs[sub.Name]; ok {
		delete(byID, sub.ID)
	}
	close(sub.ch)
}

// Emit delivers an event to every current subscriber of the name.
// Fire-and-forget: never blocks on subscriber consumption, never fails
// other than UnknownEvent for an unregistered name.
func (c *EventChannel) Emit(name string, payload wire.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.emittable[name]; !ok {
		return Errorf(ErrUnknownEvent, "no event named %q", name)
	}

	ev := Event{Name: name, Seq: c.seq.Add(1), Payload: payload}
	for _, sub := range c.subs[name] {
		sub.push(ev)
	}
	return nil
}

// Teardown closes every subscription. Called once during session close.
func (c *EventChannel) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torndown {
		return
	}
	c.torndown = true
	for _, byID := range c.subs {
		for _, sub := range byID {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}
	c.subs = make(map[string]map[string]*Subscription)
}
