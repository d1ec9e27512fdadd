package wskit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/net/websocket"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/wire"

	_ "github.com/tliron/commonlog/simple"
)

// Grace period granted to in-flight calls on a clean client shutdown.
const closeGrace = 2 * time.Second

// Authorizer vets an incoming connection before the WebSocket handshake
// completes. The default allows everything; deployments hang their own
// auth off this hook.
type Authorizer func(*http.Request) error

// Server exposes one bridge session over WebSocket. A clean client "bye"
// closes the session; any other transport failure faults it.
type Server struct {
	session *bridge.Session
	auth    Authorizer
	log     commonlog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthorizer installs a handshake-time authorization hook.
func WithAuthorizer(auth Authorizer) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// NewServer wraps a session for WebSocket serving.
func NewServer(session *bridge.Session, opts ...ServerOption) *Server {
	s := &Server{
		session: session,
		log:     commonlog.GetLogger("gantry.wskit.server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler to mount.
func (s *Server) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			if s.auth != nil {
				return s.auth(req)
			}
			return nil
		},
		Handler: s.serve,
	}
}

// serve runs one connection until it drops.
func (s *Server) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		srv:     s,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*bridge.Subscription),
		streams: make(map[string]*streamPump),
	}
	s.log.Info("client connected")
	c.readLoop()
}

// serverConn is the per-connection state: active subscription pumps,
// stream pumps with their credit windows, and the single write lock
// serializing envelope writes.
type serverConn struct {
	srv    *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*bridge.Subscription
	streams map[string]*streamPump
	bye     bool
}

func (c *serverConn) write(env *Envelope) error {
	data, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.Message.Send(c.conn, data)
}

func (c *serverConn) readLoop() {
	defer c.cleanup()

	for {
		var data []byte
		if err := websocket.Message.Receive(c.conn, &data); err != nil {
			c.mu.Lock()
			bye := c.bye
			c.mu.Unlock()
			if bye {
				c.srv.log.Info("client said bye; closing session")
				c.srv.session.Close(closeGrace) //nolint:errcheck
			} else {
				c.srv.log.Errorf("transport failure: %v", err)
				c.srv.session.Fault(err)
			}
			return
		}

		env, err := UnmarshalEnvelope(data)
		if err != nil {
			c.srv.log.Warningf("dropping undecodable envelope: %v", err)
			continue
		}

		switch env.Kind {
		case KindCall:
			if env.Call == nil {
				continue
			}
			go c.handleCall(*env.Call)
		case KindControl:
			if env.Control == nil {
				continue
			}
			c.handleControl(*env.Control)
		default:
			c.srv.log.Warningf("unexpected envelope kind %q from client", env.Kind)
		}
	}
}

func (c *serverConn) handleCall(req bridge.CallRequest) {
	resp := c.srv.session.InvokeRequest(c.ctx, req)
	if req.Notify {
		return
	}
	if err := c.write(&Envelope{Kind: KindResponse, Response: &resp}); err != nil {
		c.srv.log.Errorf("write response: %v", err)
	}
}

// ack answers a control op through the response table.
func (c *serverConn) ack(id string, result wire.Value, err error) {
	if id == "" {
		return
	}
	resp := bridge.CallResponse{ID: id}
	if err != nil {
		if be, ok := err.(*bridge.Error); ok {
			resp.Err = be
		} else {
			resp.Err = bridge.Errorf(bridge.ErrHandler, "%v", err)
		}
	} else {
		resp.Result = &result
	}
	if werr := c.write(&Envelope{Kind: KindResponse, Response: &resp}); werr != nil {
		c.srv.log.Errorf("write ack: %v", werr)
	}
}

func (c *serverConn) handleControl(ctl ControlMsg) {
	switch ctl.Op {
	case OpSubscribe:
		sub, err := c.srv.session.Subscribe(ctl.Name)
		if err != nil {
			c.ack(ctl.ID, wire.Value{}, err)
			return
		}
		c.mu.Lock()
		c.subs[sub.ID] = sub
		c.mu.Unlock()
		go c.pumpSubscription(sub)
		c.ack(ctl.ID, wire.String(sub.ID), nil)

	case OpUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[ctl.SubID]
		delete(c.subs, ctl.SubID)
		c.mu.Unlock()
		if ok {
			c.srv.session.Unsubscribe(sub)
		}
		c.ack(ctl.ID, wire.Void(), nil)

	case OpOpenStream:
		st, err := c.srv.session.OpenStream(ctl.StreamID, ctl.Backlog)
		if bridge.KindOf(err) == bridge.ErrDuplicateRegistration {
			// The host already opened this stream; attach to it.
			st, err = c.srv.session.Stream(ctl.StreamID)
		}
		if err != nil {
			c.ack(ctl.ID, wire.Value{}, err)
			return
		}
		pump := newStreamPump(st, ctl.Credit)
		c.mu.Lock()
		c.streams[ctl.StreamID] = pump
		c.mu.Unlock()
		go pump.run(c)
		c.ack(ctl.ID, wire.Void(), nil)

	case OpCloseStream:
		c.mu.Lock()
		pump, ok := c.streams[ctl.StreamID]
		delete(c.streams, ctl.StreamID)
		c.mu.Unlock()
		if ok {
			pump.st.Close()
		}
		c.ack(ctl.ID, wire.Void(), nil)

	case OpCredit:
		c.mu.Lock()
		pump, ok := c.streams[ctl.StreamID]
		c.mu.Unlock()
		if ok {
			pump.grant(ctl.Credit)
		}

	case OpBye:
		c.mu.Lock()
		c.bye = true
		c.mu.Unlock()
		c.ack(ctl.ID, wire.Void(), nil)

	default:
		c.ack(ctl.ID, wire.Value{}, bridge.Errorf(bridge.ErrUnknownCall, "unknown control op %q", ctl.Op))
	}
}

// pumpSubscription forwards one subscription's events to the wire until
// it closes.
func (c *serverConn) pumpSubscription(sub *bridge.Subscription) {
	for {
		ev, err := sub.Next(c.ctx)
		if err != nil {
			return
		}
		msg := &EventMsg{
			SubID:   sub.ID,
			Name:    ev.Name,
			Seq:     ev.Seq,
			Payload: ev.Payload,
			Dropped: ev.Dropped,
		}
		if err := c.write(&Envelope{Kind: KindEvent, Event: msg}); err != nil {
			c.srv.log.Errorf("write event: %v", err)
			return
		}
	}
}

// streamPump forwards stream frames under a credit window: one frame may
// be sent per credit the consumer has granted.
type streamPump struct {
	st     *bridge.Stream
	credit chan int
	init   int
}

func newStreamPump(st *bridge.Stream, initialCredit int) *streamPump {
	return &streamPump{st: st, credit: make(chan int, 16), init: initialCredit}
}

func (p *streamPump) grant(n int) {
	if n <= 0 {
		return
	}
	select {
	case p.credit <- n:
	default:
		// Window bookkeeping is best-effort; a dropped grant only slows
		// the stream down.
	}
}

func (p *streamPump) run(c *serverConn) {
	available := p.init
	for {
		for available <= 0 {
			select {
			case n := <-p.credit:
				available += n
			case <-c.ctx.Done():
				return
			}
		}

		f, err := p.st.ConsumeNext(c.ctx)
		switch {
		case err == nil:
			payload := f.Payload
			msg := &FrameMsg{StreamID: p.st.ID, Seq: f.Seq, Payload: &payload}
			if werr := c.write(&Envelope{Kind: KindFrame, Frame: msg}); werr != nil {
				c.srv.log.Errorf("write frame: %v", werr)
				return
			}
			available--
		case err == bridge.EndOfStream:
			c.write(&Envelope{Kind: KindFrame, Frame: &FrameMsg{StreamID: p.st.ID, End: true}}) //nolint:errcheck
			return
		case c.ctx.Err() != nil:
			return
		default:
			var msg *FrameMsg
			if be, ok := err.(*bridge.Error); ok {
				msg = &FrameMsg{StreamID: p.st.ID, Err: be}
			} else {
				msg = &FrameMsg{StreamID: p.st.ID, Err: bridge.Errorf(bridge.ErrStreamClosed, "%v", err)}
			}
			c.write(&Envelope{Kind: KindFrame, Frame: msg}) //nolint:errcheck
			return
		}
	}
}

func (c *serverConn) cleanup() {
	c.cancel()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*bridge.Subscription)
	c.streams = make(map[string]*streamPump)
	c.mu.Unlock()

	for _, sub := range subs {
		c.srv.session.Unsubscribe(sub)
	}
}
