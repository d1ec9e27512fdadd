// Package luabind exposes the bridge to Lua scripts as a preloadable
// "gantry" module. Scripts invoke host calls, subscribe to events and
// consume streams through a Conn, which is normally a wskit client but
// can be any implementation (an in-process session adapter, a test
// fake).
package luabind

import (
	"context"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/transport/wskit"
	"github.com/halloway/gantry/wire"
)

// Default wait bound for blocking module calls; scripts can pass an
// explicit timeout in milliseconds instead.
const DefaultWaitTimeout = 30 * time.Second

// EventSource is one live subscription.
type EventSource interface {
	Next(ctx context.Context) (bridge.Event, error)
	Close(ctx context.Context) error
}

// FrameSource is one open stream being consumed.
type FrameSource interface {
	Next(ctx context.Context) (bridge.Frame, error)
	Close(ctx context.Context) error
}

// Conn is the bridge surface the Lua module talks through.
type Conn interface {
	Invoke(ctx context.Context, name string, args ...wire.Value) (wire.Value, error)
	Notify(name string, args ...wire.Value) error
	Subscribe(ctx context.Context, name string) (EventSource, error)
	OpenStream(ctx context.Context, id string, backlog int) (FrameSource, error)
	Close(ctx context.Context) error
}

type clientConn struct{ c *wskit.Client }

func (a clientConn) Invoke(ctx context.Context, name string, args ...wire.Value) (wire.Value, error) {
	return a.c.Invoke(ctx, name, args...)
}
func (a clientConn) Notify(name string, args ...wire.Value) error {
	return a.c.Notify(name, args...)
}
func (a clientConn) Subscribe(ctx context.Context, name string) (EventSource, error) {
	return a.c.Subscribe(ctx, name)
}
func (a clientConn) OpenStream(ctx context.Context, id string, backlog int) (FrameSource, error) {
	return a.c.OpenStream(ctx, id, backlog)
}
func (a clientConn) Close(ctx context.Context) error {
	return a.c.Close(ctx)
}

// Wrap adapts a wskit client to the Conn surface.
func Wrap(c *wskit.Client) Conn { return clientConn{c} }

// Binding holds the module state for one Lua state: the connection plus
// the script's open subscriptions and stream readers.
type Binding struct {
	conn Conn
	log  commonlog.Logger

	mu      sync.Mutex
	nextSub int64
	subs    map[int64]EventSource
	streams map[string]FrameSource
}

// New builds a binding over a connection.
func New(conn Conn) *Binding {
	return &Binding{
		conn:    conn,
		log:     commonlog.GetLogger("gantry.luabind"),
		subs:    make(map[int64]EventSource),
		streams: make(map[string]FrameSource),
	}
}

// Install preloads the "gantry" module into a Lua state. Scripts pick it
// up with require("gantry").
func (b *Binding) Install(L *lua.LState) {
	L.PreloadModule("gantry", b.Loader)
}

// Loader builds the module table.
func (b *Binding) Loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"invoke":       b.luaInvoke,
		"notify":       b.luaNotify,
		"subscribe":    b.luaSubscribe,
		"next_event":   b.luaNextEvent,
		"unsubscribe":  b.luaUnsubscribe,
		"open_stream":  b.luaOpenStream,
		"next_frame":   b.luaNextFrame,
		"close_stream": b.luaCloseStream,

		"i8":     typedNumber(wire.Int8Type),
		"i16":    typedNumber(wire.Int16Type),
		"i32":    typedNumber(wire.Int32Type),
		"i64":    typedNumber(wire.Int64Type),
		"u8":     typedNumber(wire.Uint8Type),
		"u16":    typedNumber(wire.Uint16Type),
		"u32":    typedNumber(wire.Uint32Type),
		"u64":    typedNumber(wire.Uint64Type),
		"f32":    typedNumber(wire.Float32Type),
		"f64":    typedNumber(wire.Float64Type),
		"bytes":  luaBytes,
		"float3": luaFloat3,
	})
	L.SetField(mod, "name", lua.LString("gantry"))
	L.Push(mod)
	return 1
}

// waitCtx derives the context for one blocking module call. An optional
// timeout argument is in milliseconds.
func waitCtx(L *lua.LState, argIndex int) (context.Context, context.CancelFunc) {
	timeout := DefaultWaitTimeout
	if L.GetTop() >= argIndex {
		if ms := L.OptInt64(argIndex, 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// fail pushes the Lua-idiomatic nil, message pair.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (b *Binding) collectArgs(L *lua.LState, from, to int) ([]wire.Value, error) {
	args := make([]wire.Value, 0, to-from+1)
	for i := from; i <= to; i++ {
		v, err := toWire(L.Get(i))
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// invoke(name, args...) -> result | nil, err
func (b *Binding) luaInvoke(L *lua.LState) int {
	name := L.CheckString(1)
	args, err := b.collectArgs(L, 2, L.GetTop())
	if err != nil {
		return fail(L, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	result, err := b.conn.Invoke(ctx, name, args...)
	if err != nil {
		return fail(L, err)
	}
	L.Push(fromWire(L, result))
	return 1
}

// notify(name, args...) -> true | nil, err
func (b *Binding) luaNotify(L *lua.LState) int {
	name := L.CheckString(1)
	args, err := b.collectArgs(L, 2, L.GetTop())
	if err != nil {
		return fail(L, err)
	}
	if err := b.conn.Notify(name, args...); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// subscribe(name) -> sub_id | nil, err
func (b *Binding) luaSubscribe(L *lua.LState) int {
	name := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	src, err := b.conn.Subscribe(ctx, name)
	if err != nil {
		return fail(L, err)
	}

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = src
	b.mu.Unlock()

	L.Push(lua.LNumber(id))
	return 1
}

// next_event(sub_id, timeout_ms?) -> payload, name, seq | nil, err
// Returns nil, "end of stream" once the subscription is closed.
func (b *Binding) luaNextEvent(L *lua.LState) int {
	id := L.CheckInt64(1)

	b.mu.Lock()
	src, ok := b.subs[id]
	b.mu.Unlock()
	if !ok {
		return fail(L, bridge.Errorf(bridge.ErrUnknownEvent, "no subscription %d", id))
	}

	ctx, cancel := waitCtx(L, 2)
	defer cancel()
	ev, err := src.Next(ctx)
	if err != nil {
		return fail(L, err)
	}
	L.Push(fromWire(L, ev.Payload))
	L.Push(lua.LString(ev.Name))
	L.Push(lua.LNumber(ev.Seq))
	return 3
}

// unsubscribe(sub_id) -> true | nil, err
func (b *Binding) luaUnsubscribe(L *lua.LState) int {
	id := L.CheckInt64(1)

	b.mu.Lock()
	src, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return fail(L, bridge.Errorf(bridge.ErrUnknownEvent, "no subscription %d", id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	if err := src.Close(ctx); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// open_stream(stream_id, backlog?) -> stream_id | nil, err
func (b *Binding) luaOpenStream(L *lua.LState) int {
	id := L.CheckString(1)
	backlog := int(L.OptInt64(2, 0))

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	src, err := b.conn.OpenStream(ctx, id, backlog)
	if err != nil {
		return fail(L, err)
	}

	b.mu.Lock()
	b.streams[id] = src
	b.mu.Unlock()

	L.Push(lua.LString(id))
	return 1
}

// next_frame(stream_id, timeout_ms?) -> payload, seq | nil, err
// Returns nil, "end of stream" after the emitter finished cleanly.
func (b *Binding) luaNextFrame(L *lua.LState) int {
	id := L.CheckString(1)

	b.mu.Lock()
	src, ok := b.streams[id]
	b.mu.Unlock()
	if !ok {
		return fail(L, bridge.Errorf(bridge.ErrStreamClosed, "no stream named %q", id))
	}

	ctx, cancel := waitCtx(L, 2)
	defer cancel()
	f, err := src.Next(ctx)
	if err != nil {
		return fail(L, err)
	}
	L.Push(fromWire(L, f.Payload))
	L.Push(lua.LNumber(f.Seq))
	return 2
}

// close_stream(stream_id) -> true | nil, err
func (b *Binding) luaCloseStream(L *lua.LState) int {
	id := L.CheckString(1)

	b.mu.Lock()
	src, ok := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if !ok {
		return fail(L, bridge.Errorf(bridge.ErrStreamClosed, "no stream named %q", id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	if err := src.Close(ctx); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// Close tears down every subscription and stream reader the script left
// open. The connection itself stays up; its owner closes it.
func (b *Binding) Close() {
	b.mu.Lock()
	subs := b.subs
	streams := b.streams
	b.subs = make(map[int64]EventSource)
	b.streams = make(map[string]FrameSource)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, src := range subs {
		if err := src.Close(ctx); err != nil {
			b.log.Warningf("closing subscription: %v", err)
		}
	}
	for _, src := range streams {
		if err := src.Close(ctx); err != nil {
			b.log.Warningf("closing stream reader: %v", err)
		}
	}
}
