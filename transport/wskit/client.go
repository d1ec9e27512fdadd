package wskit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/net/websocket"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/wire"
)

// Client is the scripting-side end of the bridge transport. One WebSocket
// connection multiplexes calls, events and streams; a pending-response
// table keyed by request ID matches responses to waiting callers.
type Client struct {
	conn *websocket.Conn
	log  commonlog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan bridge.CallResponse
	subs    map[string]*EventStream
	streams map[string]*FrameReader

	done      chan struct{}
	closeOnce sync.Once
	faultErr  *bridge.Error
}

// Dial connects to a bridge server at a ws:// or wss:// URL and starts
// the read loop.
func Dial(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wskit: bad URL %q: %w", rawURL, err)
	}
	origin := "http://" + u.Host
	conn, err := websocket.Dial(rawURL, "", origin)
	if err != nil {
		return nil, fmt.Errorf("wskit: dial %s: %w", rawURL, err)
	}

	c := &Client{
		conn:    conn,
		log:     commonlog.GetLogger("gantry.wskit.client"),
		pending: make(map[string]chan bridge.CallResponse),
		subs:    make(map[string]*EventStream),
		streams: make(map[string]*FrameReader),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) write(env *Envelope) error {
	data, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.Message.Send(c.conn, data)
}

// fault returns the recorded transport failure.
func (c *Client) fault() *bridge.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faultErr != nil {
		return c.faultErr
	}
	return bridge.Errorf(bridge.ErrSessionFaulted, "connection closed")
}

// await registers a pending response slot for a request ID.
func (c *Client) await(id string) chan bridge.CallResponse {
	ch := make(chan bridge.CallResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// wait blocks for a response. On ctx expiry the caller sees CallTimeout
// and the late response, if it ever arrives, is discarded.
func (c *Client) wait(ctx context.Context, id string, ch chan bridge.CallResponse) (bridge.CallResponse, error) {
	select {
	case resp := <-ch:
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return bridge.CallResponse{}, bridge.Errorf(bridge.ErrCallTimeout, "no response for request %s: %v", id, ctx.Err())
	case <-c.done:
		c.forget(id)
		return bridge.CallResponse{}, c.fault()
	}
}

// Invoke issues a call and waits for its result.
func (c *Client) Invoke(ctx context.Context, name string, args ...wire.Value) (wire.Value, error) {
	id := uuid.NewString()
	ch := c.await(id)

	req := &bridge.CallRequest{ID: id, Call: name, Args: args}
	if err := c.write(&Envelope{Kind: KindCall, Call: req}); err != nil {
		c.forget(id)
		return wire.Value{}, fmt.Errorf("wskit: send call: %w", err)
	}

	resp, err := c.wait(ctx, id, ch)
	if err != nil {
		return wire.Value{}, err
	}
	if resp.Result == nil {
		return wire.Void(), nil
	}
	return *resp.Result, nil
}

// Notify issues a fire-and-forget call; no response crosses the wire.
func (c *Client) Notify(name string, args ...wire.Value) error {
	req := &bridge.CallRequest{ID: uuid.NewString(), Call: name, Args: args, Notify: true}
	if err := c.write(&Envelope{Kind: KindCall, Call: req}); err != nil {
		return fmt.Errorf("wskit: send notify: %w", err)
	}
	return nil
}

// control issues an acknowledged control op.
func (c *Client) control(ctx context.Context, ctl ControlMsg) (bridge.CallResponse, error) {
	ctl.ID = uuid.NewString()
	ch := c.await(ctl.ID)
	if err := c.write(&Envelope{Kind: KindControl, Control: &ctl}); err != nil {
		c.forget(ctl.ID)
		return bridge.CallResponse{}, fmt.Errorf("wskit: send control: %w", err)
	}
	return c.wait(ctx, ctl.ID, ch)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventStream is the client-side view of one subscription. Delivery is
// FIFO; if the local buffer overflows the oldest event is dropped and the
// count is reported on the next delivery, mirroring the host-side policy.
type EventStream struct {
	SubID string
	Name  string

	client  *Client
	ch      chan EventMsg
	dropped uint64
	mu      sync.Mutex
	closed  bool
}

// Subscribe attaches to an emittable event name.
func (c *Client) Subscribe(ctx context.Context, name string) (*EventStream, error) {
	resp, err := c.control(ctx, ControlMsg{Op: OpSubscribe, Name: name})
	if err != nil {
		return nil, err
	}

	es := &EventStream{
		SubID:  resp.Result.Str,
		Name:   name,
		client: c,
		ch:     make(chan EventMsg, 64),
	}
	c.mu.Lock()
	c.subs[es.SubID] = es
	c.mu.Unlock()
	return es, nil
}

// Next returns the next event in emission order.
func (s *EventStream) Next(ctx context.Context) (bridge.Event, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return bridge.Event{}, bridge.EndOfStream
		}
		s.mu.Lock()
		msg.Dropped += s.dropped
		s.dropped = 0
		s.mu.Unlock()
		return bridge.Event{Name: msg.Name, Seq: msg.Seq, Payload: msg.Payload, Dropped: msg.Dropped}, nil
	case <-s.client.done:
		return bridge.Event{}, s.client.fault()
	case <-ctx.Done():
		return bridge.Event{}, ctx.Err()
	}
}

// Close unsubscribes.
func (s *EventStream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.mu.Lock()
	delete(s.client.subs, s.SubID)
	s.client.mu.Unlock()

	_, err := s.client.control(ctx, ControlMsg{Op: OpUnsubscribe, SubID: s.SubID})
	return err
}

func (s *EventStream) deliver(msg EventMsg) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// FrameReader consumes one back-pressured stream. Each consumed frame
// returns one credit to the server, keeping the window equal to the
// backlog bound.
type FrameReader struct {
	StreamID string

	client *Client
	ch     chan FrameMsg
	window int
}

// OpenStream opens (or attaches to) a stream and grants the initial
// credit window. A backlog of zero takes the server's default.
func (c *Client) OpenStream(ctx context.Context, streamID string, backlog int) (*FrameReader, error) {
	window := backlog
	if window <= 0 {
		window = bridge.DefaultStreamBacklogBound
	}

	fr := &FrameReader{
		StreamID: streamID,
		client:   c,
		ch:       make(chan FrameMsg, window),
		window:   window,
	}
	c.mu.Lock()
	c.streams[streamID] = fr
	c.mu.Unlock()

	_, err := c.control(ctx, ControlMsg{
		Op:       OpOpenStream,
		StreamID: streamID,
		Backlog:  backlog,
		Credit:   window,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.streams, streamID)
		c.mu.Unlock()
		return nil, err
	}
	return fr, nil
}

// Next returns the next frame in emission order, returning one credit to
// the server. Returns EndOfStream after a clean end, or the server's
// structured error after a hard close.
func (r *FrameReader) Next(ctx context.Context) (bridge.Frame, error) {
	select {
	case msg, ok := <-r.ch:
		if !ok {
			return bridge.Frame{}, bridge.EndOfStream
		}
		if msg.End {
			return bridge.Frame{}, bridge.EndOfStream
		}
		if msg.Err != nil {
			return bridge.Frame{}, msg.Err
		}
		// Return the consumed slot to the window.
		r.client.write(&Envelope{Kind: KindControl, Control: &ControlMsg{ //nolint:errcheck
			Op:       OpCredit,
			StreamID: r.StreamID,
			Credit:   1,
		}})
		var payload wire.Value
		if msg.Payload != nil {
			payload = *msg.Payload
		}
		return bridge.Frame{StreamID: msg.StreamID, Seq: msg.Seq, Payload: payload}, nil
	case <-r.client.done:
		return bridge.Frame{}, r.client.fault()
	case <-ctx.Done():
		return bridge.Frame{}, ctx.Err()
	}
}

// Close hard-closes the stream from the consumer side.
func (r *FrameReader) Close(ctx context.Context) error {
	r.client.mu.Lock()
	delete(r.client.streams, r.StreamID)
	r.client.mu.Unlock()

	_, err := r.client.control(ctx, ControlMsg{Op: OpCloseStream, StreamID: r.StreamID})
	return err
}

// ---------------------------------------------------------------------------
// Read loop and shutdown
// ---------------------------------------------------------------------------

func (c *Client) readLoop() {
	for {
		var data []byte
		if err := websocket.Message.Receive(c.conn, &data); err != nil {
			c.shutdown(bridge.Errorf(bridge.ErrSessionFaulted, "transport failure: %v", err))
			return
		}
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			c.log.Warningf("dropping undecodable envelope: %v", err)
			continue
		}

		switch env.Kind {
		case KindResponse:
			if env.Response == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[env.Response.ID]
			delete(c.pending, env.Response.ID)
			c.mu.Unlock()
			if ok {
				ch <- *env.Response
			}
			// Unclaimed responses belong to callers that timed out;
			// discard them.

		case KindEvent:
			if env.Event == nil {
				continue
			}
			c.mu.Lock()
			es, ok := c.subs[env.Event.SubID]
			c.mu.Unlock()
			if ok {
				es.deliver(*env.Event)
			}

		case KindFrame:
			if env.Frame == nil {
				continue
			}
			c.mu.Lock()
			fr, ok := c.streams[env.Frame.StreamID]
			c.mu.Unlock()
			if ok {
				select {
				case fr.ch <- *env.Frame:
				default:
					// The credit window bounds in-flight frames; an
					// overflow here means a misbehaving server.
					c.log.Warningf("frame overflow on stream %s", env.Frame.StreamID)
				}
			}

		default:
			c.log.Warningf("unexpected envelope kind %q from server", env.Kind)
		}
	}
}

// shutdown records the failure and releases every waiter.
func (c *Client) shutdown(reason *bridge.Error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.faultErr = reason
		subs := c.subs
		c.subs = make(map[string]*EventStream)
		c.mu.Unlock()

		close(c.done)
		for _, es := range subs {
			close(es.ch)
		}
	})
}

// Close says goodbye and tears the connection down. The server closes
// the session cleanly.
func (c *Client) Close(ctx context.Context) error {
	c.control(ctx, ControlMsg{Op: OpBye}) //nolint:errcheck
	err := c.conn.Close()
	c.shutdown(bridge.Errorf(bridge.ErrSessionClosing, "client closed"))
	return err
}
