package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halloway/gantry/wire"
)

// ---------------------------------------------------------------------------
// Invoke — happy paths
// ---------------------------------------------------------------------------

func TestInvoke_TypedResult(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(8)
	stop := startHost(scheduler)
	defer stop()

	err := registry.Register("math.double", echoSignature, AffinityHost,
		func(ctx context.Context, args []any) (any, error) {
			return args[0].(int64) * 2, nil
		})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	resp := d.Invoke(bg(), "math.double", []wire.Value{wire.Int64(21)})
	if !resp.OK() {
		t.Fatalf("Invoke failed: %v", resp.Err)
	}
	native, err := wire.Decode(*resp.Result, wire.Int64Type, nil)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if native != int64(42) {
		t.Errorf("result = %v, want 42", native)
	}
	if resp.ID == "" {
		t.Error("response should carry a request ID")
	}
}

func TestInvoke_AnyThreadRunsWithoutHostLoop(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)
	// No host loop: a queued call would never complete.

	registry.Register("engine.version", //nolint:errcheck
		Signature{Result: wire.StringType}, AffinityAny,
		func(ctx context.Context, args []any) (any, error) {
			return "1.4.2", nil
		})

	resp := d.Invoke(bg(), "engine.version", nil)
	if !resp.OK() {
		t.Fatalf("Invoke failed: %v", resp.Err)
	}
	if resp.Result.Str != "1.4.2" {
		t.Errorf("result = %q, want %q", resp.Result.Str, "1.4.2")
	}
}

func TestInvoke_VoidResult(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(8)
	stop := startHost(scheduler)
	defer stop()

	registry.Register("scene.clear", //nolint:errcheck
		Signature{Result: wire.VoidType}, AffinityHost,
		func(ctx context.Context, args []any) (any, error) {
			return nil, nil
		})

	resp := d.Invoke(bg(), "scene.clear", nil)
	if !resp.OK() {
		t.Fatalf("Invoke failed: %v", resp.Err)
	}
	if resp.Result.Kind != wire.KindVoid {
		t.Errorf("result kind = %v, want void", resp.Result.Kind)
	}
}

// ---------------------------------------------------------------------------
// Invoke — failure taxonomy
// ---------------------------------------------------------------------------

func TestInvoke_UnknownCall(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)

	ran := false
	registry.Register("known", echoSignature, AffinityAny, //nolint:errcheck
		func(ctx context.Context, args []any) (any, error) {
			ran = true
			return args[0], nil
		})

	resp := d.Invoke(bg(), "unknown", []wire.Value{wire.Int64(1)})
	if resp.OK() {
		t.Fatal("Invoke of an unregistered name must fail")
	}
	if resp.Err.Kind != ErrUnknownCall {
		t.Errorf("error kind = %q, want %q", resp.Err.Kind, ErrUnknownCall)
	}
	if ran {
		t.Error("no handler may execute for an unknown call")
	}
}

func TestInvoke_ArityError(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)
	registry.Register("echo", echoSignature, AffinityAny, //nolint:errcheck
		func(ctx context.Context, args []any) (any, error) { return args[0], nil })

	resp := d.Invoke(bg(), "echo", []wire.Value{wire.Int64(1), wire.Int64(2)})
	if resp.Err == nil || resp.Err.Kind != ErrArity {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrArity)
	}
}

func TestInvoke_MarshalErrorOnBadArgument(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)
	registry.Register("echo", echoSignature, AffinityAny, //nolint:errcheck
		func(ctx context.Context, args []any) (any, error) { return args[0], nil })

	resp := d.Invoke(bg(), "echo", []wire.Value{wire.String("not an i64")})
	if resp.Err == nil || resp.Err.Kind != ErrMarshal {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrMarshal)
	}
}

func TestInvoke_MarshalErrorOnBadResult(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)
	registry.Register("liar", //nolint:errcheck
		Signature{Result: wire.Int64Type}, AffinityAny,
		func(ctx context.Context, args []any) (any, error) {
			return "definitely not an i64", nil
		})

	resp := d.Invoke(bg(), "liar", nil)
	if resp.Err == nil || resp.Err.Kind != ErrMarshal {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrMarshal)
	}
}

func TestInvoke_HandlerErrorCaptured(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(8)
	stop := startHost(scheduler)
	defer stop()

	registry.Register("explode", //nolint:errcheck
		Signature{Result: wire.VoidType}, AffinityHost,
		func(ctx context.Context, args []any) (any, error) {
			return nil, errors.New("scene graph invariant violated")
		})

	resp := d.Invoke(bg(), "explode", nil)
	if resp.Err == nil || resp.Err.Kind != ErrHandler {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrHandler)
	}
	if resp.Err.Message != "scene graph invariant violated" {
		t.Errorf("message = %q, want the handler's message", resp.Err.Message)
	}
}

func TestInvoke_PanicBecomesHandlerError(t *testing.T) {
	d, registry, _, _ := newTestDispatcher(8)
	registry.Register("crash", //nolint:errcheck
		Signature{Result: wire.VoidType}, AffinityAny,
		func(ctx context.Context, args []any) (any, error) {
			panic("nil entity")
		})

	resp := d.Invoke(bg(), "crash", nil)
	if resp.Err == nil || resp.Err.Kind != ErrHandler {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrHandler)
	}
}

func TestInvoke_QueueOverflowSurfaces(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(1)
	// No host loop, so the single queue slot stays occupied.

	registry.Register("slow", //nolint:errcheck
		Signature{Result: wire.VoidType}, AffinityHost,
		func(ctx context.Context, args []any) (any, error) { return nil, nil })

	go d.Invoke(bg(), "slow", nil)
	waitFor(t, time.Second, func() bool { return scheduler.Pending() == 1 })

	resp := d.Invoke(bg(), "slow", nil)
	if resp.Err == nil || resp.Err.Kind != ErrQueueOverflow {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrQueueOverflow)
	}
}

// ---------------------------------------------------------------------------
// Timeout policy
// ---------------------------------------------------------------------------

func TestInvokeTimeout_CallTimeoutAndEffectStillHappens(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(8)
	// The host does not tick until after the caller gave up.

	ran := make(chan struct{})
	registry.Register("scene.spawn", //nolint:errcheck
		Signature{Result: wire.VoidType}, AffinityHost,
		func(ctx context.Context, args []any) (any, error) {
			close(ran)
			return nil, nil
		})

	resp := d.InvokeTimeout(bg(), "scene.spawn", nil, 20*time.Millisecond)
	if resp.Err == nil || resp.Err.Kind != ErrCallTimeout {
		t.Fatalf("error = %v, want kind %q", resp.Err, ErrCallTimeout)
	}

	// At-most-once to the caller, but the host-side effect is not undone.
	scheduler.Tick()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Error("host-side work should still execute after the timeout")
	}
}

func TestNotify_FireAndForget(t *testing.T) {
	d, registry, scheduler, _ := newTestDispatcher(8)
	stop := startHost(scheduler)
	defer stop()

	ran := make(chan struct{})
	registry.Register("audio.play", //nolint:errcheck
		Signature{Params: []wire.Type{wire.StringType}, Result: wire.VoidType}, AffinityHost,
		func(ctx context.Context, args []any) (any, error) {
			close(ran)
			return nil, nil
		})

	d.Notify("audio.play", []wire.Value{wire.String("door_open")})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Error("notify should still execute the handler")
	}
}
